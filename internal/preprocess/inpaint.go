package preprocess

import (
	"container/heap"
	"image"
	"math"
)

// Fast-marching inpainting after Telea (2004). Masked pixels are filled in
// order of their distance from the mask boundary; each one becomes a weighted
// first-order extrapolation of the known pixels within radius.

const (
	flagKnown uint8 = iota
	flagBand
	flagInside
)

const farAway = 1e6

type inpainter struct {
	w, h   int
	radius int
	flags  []uint8
	dist   []float64
	out    *image.RGBA
	queue  narrowBand
	seq    int
}

func inpaintTelea(src *image.RGBA, mask *plane, radius int) *image.RGBA {
	out := cloneRGBA(src)
	if countNonZero(mask) == 0 {
		return out
	}

	w, h := mask.w, mask.h
	ip := &inpainter{
		w:      w,
		h:      h,
		radius: radius,
		flags:  make([]uint8, w*h),
		dist:   make([]float64, w*h),
		out:    out,
	}
	for i, v := range mask.pix {
		if v != 0 {
			ip.flags[i] = flagInside
			ip.dist[i] = farAway
		}
	}

	// Seed the narrow band with known pixels 4-adjacent to the mask.
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ip.flags[y*w+x] != flagInside {
				continue
			}
			ip.forNeighbors(x, y, func(nx, ny int) {
				n := ny*w + nx
				if ip.flags[n] == flagKnown {
					ip.flags[n] = flagBand
					ip.push(nx, ny, 0)
				}
			})
		}
	}

	for ip.queue.Len() > 0 {
		cur := heap.Pop(&ip.queue).(bandPoint)
		ip.flags[cur.y*w+cur.x] = flagKnown
		ip.forNeighbors(cur.x, cur.y, func(nx, ny int) {
			n := ny*w + nx
			if ip.flags[n] != flagInside {
				return
			}
			d := min(
				ip.solve(nx, ny-1, nx-1, ny),
				ip.solve(nx, ny+1, nx-1, ny),
				ip.solve(nx, ny-1, nx+1, ny),
				ip.solve(nx, ny+1, nx+1, ny),
			)
			ip.dist[n] = d
			ip.paint(nx, ny)
			ip.flags[n] = flagBand
			ip.push(nx, ny, d)
		})
	}
	return out
}

func (ip *inpainter) forNeighbors(x, y int, fn func(nx, ny int)) {
	if y > 0 {
		fn(x, y-1)
	}
	if x > 0 {
		fn(x-1, y)
	}
	if y < ip.h-1 {
		fn(x, y+1)
	}
	if x < ip.w-1 {
		fn(x+1, y)
	}
}

func (ip *inpainter) push(x, y int, d float64) {
	ip.seq++
	heap.Push(&ip.queue, bandPoint{x: x, y: y, dist: d, seq: ip.seq})
}

func (ip *inpainter) known(x, y int) bool {
	if x < 0 || y < 0 || x >= ip.w || y >= ip.h {
		return false
	}
	return ip.flags[y*ip.w+x] != flagInside
}

// solve is the upwind eikonal update from one vertical and one horizontal
// neighbour.
func (ip *inpainter) solve(x1, y1, x2, y2 int) float64 {
	k1, k2 := ip.known(x1, y1), ip.known(x2, y2)
	switch {
	case k1 && k2:
		a := ip.dist[y1*ip.w+x1]
		b := ip.dist[y2*ip.w+x2]
		if math.Abs(a-b) >= 1 {
			return 1 + min(a, b)
		}
		return (a + b + math.Sqrt(2-(a-b)*(a-b))) * 0.5
	case k1:
		return 1 + ip.dist[y1*ip.w+x1]
	case k2:
		return 1 + ip.dist[y2*ip.w+x2]
	default:
		return farAway
	}
}

func (ip *inpainter) gradDist(x, y int) (gx, gy float64) {
	d := ip.dist[y*ip.w+x]
	gx = ip.centralDiff(x, y, 1, 0, d, func(i int) float64 { return ip.dist[i] })
	gy = ip.centralDiff(x, y, 0, 1, d, func(i int) float64 { return ip.dist[i] })
	return gx, gy
}

// centralDiff differentiates along (dx, dy) using only known pixels, falling
// back to one-sided differences and finally zero.
func (ip *inpainter) centralDiff(x, y, dx, dy int, center float64, value func(i int) float64) float64 {
	fwd := ip.known(x+dx, y+dy)
	bwd := ip.known(x-dx, y-dy)
	switch {
	case fwd && bwd:
		return (value((y+dy)*ip.w+x+dx) - value((y-dy)*ip.w+x-dx)) * 0.5
	case fwd:
		return value((y+dy)*ip.w+x+dx) - center
	case bwd:
		return center - value((y-dy)*ip.w+x-dx)
	default:
		return 0
	}
}

func (ip *inpainter) paint(x, y int) {
	gx, gy := ip.gradDist(x, y)
	p := y*ip.w + x
	r2 := ip.radius * ip.radius

	var acc [3]float64
	var total float64
	for k := max(0, y-ip.radius); k <= min(ip.h-1, y+ip.radius); k++ {
		for l := max(0, x-ip.radius); l <= min(ip.w-1, x+ip.radius); l++ {
			q := k*ip.w + l
			if ip.flags[q] == flagInside {
				continue
			}
			rx, ry := float64(x-l), float64(y-k)
			lenSq := rx*rx + ry*ry
			if lenSq == 0 || lenSq > float64(r2) {
				continue
			}

			dst := 1 / (lenSq * math.Sqrt(lenSq))
			lev := 1 / (1 + math.Abs(ip.dist[q]-ip.dist[p]))
			dir := rx*gx + ry*gy
			if math.Abs(dir) <= 0.01 {
				dir = 1e-6
			}
			weight := math.Abs(dst * lev * dir)

			for c := 0; c < 3; c++ {
				value := func(i int) float64 {
					return float64(ip.out.Pix[(i/ip.w)*ip.out.Stride+(i%ip.w)*4+c])
				}
				center := value(q)
				gix := ip.centralDiff(l, k, 1, 0, center, value)
				giy := ip.centralDiff(l, k, 0, 1, center, value)
				acc[c] += weight * (center + gix*rx + giy*ry)
			}
			total += weight
		}
	}
	if total == 0 {
		return
	}

	off := y*ip.out.Stride + x*4
	for c := 0; c < 3; c++ {
		ip.out.Pix[off+c] = roundByte(acc[c] / total)
	}
}

type bandPoint struct {
	x, y int
	dist float64
	seq  int
}

// narrowBand is a min-heap on distance; equal distances pop in insertion
// order so results do not depend on heap internals.
type narrowBand []bandPoint

func (b narrowBand) Len() int { return len(b) }

func (b narrowBand) Less(i, j int) bool {
	if b[i].dist != b[j].dist {
		return b[i].dist < b[j].dist
	}
	return b[i].seq < b[j].seq
}

func (b narrowBand) Swap(i, j int) { b[i], b[j] = b[j], b[i] }

func (b *narrowBand) Push(x any) { *b = append(*b, x.(bandPoint)) }

func (b *narrowBand) Pop() any {
	old := *b
	n := len(old)
	item := old[n-1]
	*b = old[:n-1]
	return item
}
