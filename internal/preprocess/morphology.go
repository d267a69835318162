package preprocess

// Morphology with a square structuring element. Pixels outside the image do
// not take part in the min/max, matching OpenCV's default morphology border.

func dilate(src *plane, size int) *plane {
	return rectFilter(src, size, func(a, b uint8) bool { return a > b })
}

func erode(src *plane, size int) *plane {
	return rectFilter(src, size, func(a, b uint8) bool { return a < b })
}

// rectFilter runs a separable running extremum: rows first, then columns.
func rectFilter(src *plane, size int, better func(a, b uint8) bool) *plane {
	before := size / 2
	after := size - 1 - before
	w, h := src.w, src.h

	rows := newPlane(w, h)
	for y := 0; y < h; y++ {
		line := src.pix[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			lo, hi := max(0, x-before), min(w-1, x+after)
			best := line[lo]
			for i := lo + 1; i <= hi; i++ {
				if better(line[i], best) {
					best = line[i]
				}
			}
			rows.pix[y*w+x] = best
		}
	}

	out := newPlane(w, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			lo, hi := max(0, y-before), min(h-1, y+after)
			best := rows.pix[lo*w+x]
			for i := lo + 1; i <= hi; i++ {
				if v := rows.pix[i*w+x]; better(v, best) {
					best = v
				}
			}
			out.pix[y*w+x] = best
		}
	}
	return out
}

// blackhat is closing(src) - src. Closing never darkens a pixel, so the
// difference is non-negative.
func blackhat(src *plane, size int) *plane {
	closed := erode(dilate(src, size), size)
	out := newPlane(src.w, src.h)
	for i, v := range src.pix {
		out.pix[i] = closed.pix[i] - v
	}
	return out
}

// threshold marks pixels strictly above level.
func threshold(src *plane, level uint8) *plane {
	out := newPlane(src.w, src.h)
	for i, v := range src.pix {
		if v > level {
			out.pix[i] = 255
		}
	}
	return out
}

func countNonZero(p *plane) int {
	n := 0
	for _, v := range p.pix {
		if v != 0 {
			n++
		}
	}
	return n
}
