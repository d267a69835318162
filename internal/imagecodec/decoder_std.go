package imagecodec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type stdlibDecoder struct {
	maxPixels int64
}

func (stdlibDecoder) Name() string {
	return "stdlib"
}

func (d stdlibDecoder) Decode(ctx context.Context, data []byte) (*image.RGBA, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}

	if err := checkHeader(data, d.maxPixels); err != nil {
		return nil, classifyDecodeError(data, err)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, classifyDecodeError(data, err)
	}
	if src.Bounds().Empty() {
		return nil, errors.New("decoded image has no pixels")
	}
	return toOpaqueRGB(src), nil
}

func classifyDecodeError(data []byte, err error) error {
	switch {
	case errors.Is(err, image.ErrFormat):
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, ContentType(data))
	case errors.Is(err, ErrImageTooLarge):
		return err
	default:
		return fmt.Errorf("decode source image: %w", err)
	}
}
