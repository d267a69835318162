//go:build govips && cgo

package imagecodec

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/davidbyttow/govips/v2/vips"
)

// govipsDecoder decodes through libvips, which also covers HEIF and AVIF
// uploads when libvips was built with them.
type govipsDecoder struct {
	maxPixels int64
}

func (govipsDecoder) Name() string {
	return "govips"
}

func (d govipsDecoder) Decode(ctx context.Context, data []byte) (*image.RGBA, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	if vips.DetermineImageType(data) == vips.ImageTypeUnknown {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ContentType(data))
	}

	// Formats Go cannot parse (HEIF, AVIF) are checked on the libvips
	// header below instead.
	if err := checkHeader(data, d.maxPixels); errors.Is(err, ErrImageTooLarge) {
		return nil, err
	}

	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	defer img.Close()
	if err := checkPixels(img.Width(), img.Height(), d.maxPixels); err != nil {
		return nil, err
	}

	if err := img.ToColorSpace(vips.InterpretationSRGB); err != nil {
		return nil, fmt.Errorf("convert to srgb: %w", err)
	}
	if img.Width() <= 0 || img.Height() <= 0 {
		return nil, errors.New("decoded image has no pixels")
	}

	out, err := img.ToImage(vips.NewDefaultExportParams())
	if err != nil {
		return nil, fmt.Errorf("export decoded image: %w", err)
	}
	return toOpaqueRGB(out), nil
}
