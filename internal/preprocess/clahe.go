package preprocess

import (
	"image"
	"math"
)

const histBins = 256

// clahe equalizes an 8-bit plane with contrast-limited adaptive histogram
// equalization over a tiles x tiles grid. Planes that do not divide evenly
// are extended with a reflect-101 border before tiling, and each output pixel
// is a bilinear blend of the four nearest tile mappings.
func clahe(src *plane, clipLimit float64, tiles int) *plane {
	extW := src.w
	if extW%tiles != 0 {
		extW += tiles - extW%tiles
	}
	extH := src.h
	if extH%tiles != 0 {
		extH += tiles - extH%tiles
	}
	tileW, tileH := extW/tiles, extH/tiles
	tileArea := tileW * tileH

	limit := 0
	if clipLimit > 0 {
		limit = max(int(clipLimit*float64(tileArea)/histBins), 1)
	}
	lutScale := float64(histBins-1) / float64(tileArea)

	luts := make([][histBins]uint8, tiles*tiles)
	for ty := 0; ty < tiles; ty++ {
		for tx := 0; tx < tiles; tx++ {
			var hist [histBins]int
			for y := ty * tileH; y < (ty+1)*tileH; y++ {
				sy := reflect101(y, src.h)
				for x := tx * tileW; x < (tx+1)*tileW; x++ {
					hist[src.at(reflect101(x, src.w), sy)]++
				}
			}
			if limit > 0 {
				clipHistogram(&hist, limit)
			}

			lut := &luts[ty*tiles+tx]
			sum := 0
			for i := 0; i < histBins; i++ {
				sum += hist[i]
				lut[i] = clampByte(math.RoundToEven(float64(sum) * lutScale))
			}
		}
	}

	out := newPlane(src.w, src.h)
	invTW, invTH := 1/float64(tileW), 1/float64(tileH)
	for y := 0; y < src.h; y++ {
		tyf := float64(y)*invTH - 0.5
		ty1 := int(math.Floor(tyf))
		ya := tyf - float64(ty1)
		ty2 := min(ty1+1, tiles-1)
		ty1 = max(ty1, 0)

		for x := 0; x < src.w; x++ {
			txf := float64(x)*invTW - 0.5
			tx1 := int(math.Floor(txf))
			xa := txf - float64(tx1)
			tx2 := min(tx1+1, tiles-1)
			tx1 = max(tx1, 0)

			v := src.at(x, y)
			top := float64(luts[ty1*tiles+tx1][v])*(1-xa) + float64(luts[ty1*tiles+tx2][v])*xa
			bottom := float64(luts[ty2*tiles+tx1][v])*(1-xa) + float64(luts[ty2*tiles+tx2][v])*xa
			out.pix[y*src.w+x] = clampByte(math.RoundToEven(top*(1-ya) + bottom*ya))
		}
	}
	return out
}

// clipHistogram caps every bin at limit and spreads the excess evenly, with
// the remainder handed out at a regular stride from bin 0.
func clipHistogram(hist *[histBins]int, limit int) {
	excess := 0
	for i := range hist {
		if over := hist[i] - limit; over > 0 {
			excess += over
			hist[i] = limit
		}
	}

	batch := excess / histBins
	residual := excess - batch*histBins
	for i := range hist {
		hist[i] += batch
	}
	if residual > 0 {
		step := max(histBins/residual, 1)
		for i := 0; i < histBins && residual > 0; i += step {
			hist[i]++
			residual--
		}
	}
}

// reflect101 maps an out-of-range index back into [0, n) mirroring around
// the edge pixels without repeating them (gfedcb|abcdefgh|gfedcba).
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// equalizeLab runs CLAHE on the L channel only; a and b are passed through.
func equalizeLab(src *image.RGBA) *image.RGBA {
	l, a, b := labPlanes(src)
	return mergeLab(src.Rect, clahe(l, CLAHEClipLimit, CLAHETileGrid), a, b)
}
