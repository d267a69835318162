package preprocess

import (
	"fmt"
	"image"
	"math"
)

const illuminationEpsilon = 1e-6

// CorrectIlluminationGrey white-balances an image with the shades-of-grey
// method: the illuminant is estimated per channel as the Minkowski p-norm of
// the pixel values, normalised to a unit vector, and each channel is scaled
// so that the estimate maps onto the achromatic direction (1/sqrt(3) per
// channel). Results are clipped to [0,255] and truncated back to 8 bits.
func CorrectIlluminationGrey(src *image.RGBA, power int) (*image.RGBA, error) {
	if err := checkImage(src); err != nil {
		return nil, err
	}
	if power <= 0 {
		return nil, fmt.Errorf("illumination power must be positive, got %d", power)
	}

	gains := greyWorldGains(src, float64(power))

	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewRGBA(src.Rect)
	for y := 0; y < h; y++ {
		in := src.Pix[y*src.Stride:]
		out := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				out[x*4+c] = clampByte(float64(in[x*4+c]) * gains[c])
			}
			out[x*4+3] = 0xff
		}
	}
	return dst, nil
}

// greyWorldGains returns the diagonal of the white-balance matrix.
func greyWorldGains(src *image.RGBA, power float64) [3]float64 {
	var pow [256]float64
	for i := range pow {
		pow[i] = math.Pow(float64(i), power)
	}

	w, h := src.Rect.Dx(), src.Rect.Dy()
	var sums [3]float64
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			sums[0] += pow[row[x*4]]
			sums[1] += pow[row[x*4+1]]
			sums[2] += pow[row[x*4+2]]
		}
	}

	n := float64(w * h)
	var norm [3]float64
	var length float64
	for c := range norm {
		norm[c] = math.Pow(sums[c]/n, 1/power)
		length += norm[c] * norm[c]
	}
	length = math.Sqrt(length) + illuminationEpsilon

	uniform := 1 / math.Sqrt(3)
	var gains [3]float64
	for c := range gains {
		gains[c] = uniform / (norm[c]/length + illuminationEpsilon)
	}
	return gains
}
