// Package imagecodec decodes uploaded image bytes into opaque RGB buffers.
package imagecodec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"net/http"
	"strings"
)

var (
	ErrEmptyInput        = errors.New("image data is empty")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrImageTooLarge     = errors.New("image exceeds the pixel limit")
)

// DefaultMaxPixels matches the decompression-bomb error threshold of the
// Python imaging stack the models were trained with.
const DefaultMaxPixels int64 = 178_956_970

// Decoder turns encoded bytes into an RGB image with alpha forced opaque.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (*image.RGBA, error)
	Name() string
}

// NewDecoder returns the decoder selected at build time. Images with more
// than maxPixels pixels are refused before their pixels are allocated; zero
// or less selects DefaultMaxPixels.
func NewDecoder(maxPixels int64) (Decoder, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return newDecoder(maxPixels)
}

// checkHeader reads only the image header and enforces the pixel limit.
func checkHeader(data []byte, maxPixels int64) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return checkPixels(cfg.Width, cfg.Height, maxPixels)
}

func checkPixels(width, height int, maxPixels int64) error {
	if width <= 0 || height <= 0 {
		return errors.New("decoded image has no pixels")
	}
	if int64(width)*int64(height) > maxPixels {
		return fmt.Errorf("%w: %dx%d is more than %d pixels", ErrImageTooLarge, width, height, maxPixels)
	}
	return nil
}

// ContentType sniffs the MIME type of encoded image bytes.
func ContentType(data []byte) string {
	ct := http.DetectContentType(data)
	if strings.HasPrefix(ct, "image/") {
		return ct
	}
	if len(data) >= 4 && (string(data[:4]) == "II*\x00" || string(data[:4]) == "MM\x00*") {
		return "image/tiff"
	}
	return "application/octet-stream"
}

// FormatExtension maps a content type to a short file extension.
func FormatExtension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/bmp":
		return "bmp"
	case "image/tiff":
		return "tiff"
	default:
		return "bin"
	}
}

// toOpaqueRGB keeps the straight (non-premultiplied) colour of every pixel and
// drops the alpha channel.
func toOpaqueRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	switch s := src.(type) {
	case *image.NRGBA:
		for y := 0; y < b.Dy(); y++ {
			in := s.Pix[(y+b.Min.Y-s.Rect.Min.Y)*s.Stride+(b.Min.X-s.Rect.Min.X)*4:]
			out := dst.Pix[y*dst.Stride:]
			for x := 0; x < b.Dx(); x++ {
				copy(out[x*4:x*4+3], in[x*4:x*4+3])
				out[x*4+3] = 0xff
			}
		}
		return dst
	case *image.NRGBA64:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := s.NRGBA64At(b.Min.X+x, b.Min.Y+y)
				dst.SetRGBA(x, y, color.RGBA{R: uint8(c.R >> 8), G: uint8(c.G >> 8), B: uint8(c.B >> 8), A: 0xff})
			}
		}
		return dst
	}

	straight := image.NewNRGBA(dst.Rect)
	draw.Draw(straight, straight.Rect, src, b.Min, draw.Src)
	return toOpaqueRGB(straight)
}
