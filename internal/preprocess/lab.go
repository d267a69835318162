package preprocess

import (
	"image"
	"math"
)

// 8-bit CIE L*a*b* under D65, encoded the way OpenCV stores it for 8-bit
// images: L scaled to [0,255], a and b offset by 128.

const (
	whiteX   = 0.950456
	whiteZ   = 1.088754
	labEps   = 0.008856
	labKappa = 903.3
)

var srgbToLinear = func() [256]float64 {
	var lut [256]float64
	for i := range lut {
		v := float64(i) / 255
		if v <= 0.04045 {
			lut[i] = v / 12.92
		} else {
			lut[i] = math.Pow((v+0.055)/1.055, 2.4)
		}
	}
	return lut
}()

func linearToSRGB(v float64) float64 {
	if v <= 0.0031308 {
		return 12.92 * v
	}
	return 1.055*math.Pow(v, 1/2.4) - 0.055
}

func labF(t float64) float64 {
	if t > labEps {
		return math.Cbrt(t)
	}
	return 7.787*t + 16.0/116.0
}

func labFInv(t float64) float64 {
	if t > 0.206893 {
		return t * t * t
	}
	return (t - 16.0/116.0) / 7.787
}

// labPlanes splits an RGB buffer into L, a, b planes.
func labPlanes(src *image.RGBA) (l, a, b *plane) {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	l, a, b = newPlane(w, h), newPlane(w, h), newPlane(w, h)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			r := srgbToLinear[row[x*4]]
			g := srgbToLinear[row[x*4+1]]
			bl := srgbToLinear[row[x*4+2]]

			X := (0.412453*r + 0.357580*g + 0.180423*bl) / whiteX
			Y := 0.212671*r + 0.715160*g + 0.072169*bl
			Z := (0.019334*r + 0.119193*g + 0.950227*bl) / whiteZ

			fx, fy, fz := labF(X), labF(Y), labF(Z)
			var L float64
			if Y > labEps {
				L = 116*fy - 16
			} else {
				L = labKappa * Y
			}

			i := y*w + x
			l.pix[i] = roundByte(L * 255 / 100)
			a.pix[i] = roundByte(500*(fx-fy) + 128)
			b.pix[i] = roundByte(200*(fy-fz) + 128)
		}
	}
	return l, a, b
}

// mergeLab converts L, a, b planes back to an RGB buffer with the given bounds.
func mergeLab(rect image.Rectangle, l, a, b *plane) *image.RGBA {
	dst := image.NewRGBA(rect)
	w, h := l.w, l.h
	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			L := float64(l.pix[i]) * 100 / 255
			A := float64(a.pix[i]) - 128
			B := float64(b.pix[i]) - 128

			var Y, fy float64
			if L <= 8 {
				Y = L / labKappa
				fy = 7.787*Y + 16.0/116.0
			} else {
				fy = (L + 16) / 116
				Y = fy * fy * fy
			}
			X := labFInv(A/500+fy) * whiteX
			Z := labFInv(fy-B/200) * whiteZ

			r := 3.240479*X - 1.537150*Y - 0.498535*Z
			g := -0.969256*X + 1.875991*Y + 0.041556*Z
			bl := 0.055648*X - 0.204043*Y + 1.057311*Z

			row[x*4] = roundByte(linearToSRGB(clampUnit(r)) * 255)
			row[x*4+1] = roundByte(linearToSRGB(clampUnit(g)) * 255)
			row[x*4+2] = roundByte(linearToSRGB(clampUnit(bl)) * 255)
			row[x*4+3] = 0xff
		}
	}
	return dst
}

func clampUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
