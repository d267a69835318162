// Package tensor turns RGB images into normalized float32 model inputs.
package tensor

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Input sizes of the two backbones.
const (
	SizeSmall = 224
	SizeLarge = 299
)

const channels = 3

// ImageNet statistics used by both backbones.
var (
	Mean = [channels]float32{0.485, 0.456, 0.406}
	Std  = [channels]float32{0.229, 0.224, 0.225}
)

var ErrEmptyImage = errors.New("image has no pixels")

// Tensor is a single image laid out NCHW with N=1.
type Tensor struct {
	Size int
	Data []float32
}

// Shape returns the NCHW dimensions.
func (t Tensor) Shape() []int64 {
	return []int64{1, channels, int64(t.Size), int64(t.Size)}
}

// channel returns the size*size plane for channel c.
func (t Tensor) channel(c int) []float32 {
	plane := t.Size * t.Size
	return t.Data[c*plane : (c+1)*plane]
}

// Prepare resizes img to size x size and normalizes it with Mean and Std.
func Prepare(img image.Image, size int) (Tensor, error) {
	if size <= 0 {
		return Tensor{}, fmt.Errorf("tensor size must be positive, got %d", size)
	}
	if img == nil || img.Bounds().Empty() {
		return Tensor{}, ErrEmptyImage
	}

	resized := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Src, nil)

	t := Tensor{Size: size, Data: make([]float32, channels*size*size)}
	for c := 0; c < channels; c++ {
		dst := t.channel(c)
		for y := 0; y < size; y++ {
			row := resized.Pix[y*resized.Stride:]
			for x := 0; x < size; x++ {
				v := float32(row[x*4+c]) / 255
				dst[y*size+x] = (v - Mean[c]) / Std[c]
			}
		}
	}
	return t, nil
}

// PrepareSizes runs Prepare once per size, in order.
func PrepareSizes(img image.Image, sizes ...int) ([]Tensor, error) {
	out := make([]Tensor, 0, len(sizes))
	for _, size := range sizes {
		t, err := Prepare(img, size)
		if err != nil {
			return nil, fmt.Errorf("prepare %dx%d tensor: %w", size, size, err)
		}
		out = append(out, t)
	}
	return out, nil
}
