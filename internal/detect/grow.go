package detect

import (
	"math"
	"sort"

	"github.com/KyungWonPark/Detection/internal/volume"
)

// GrowParams bounds region growing.
type GrowParams struct {
	ExtendThresh float64
	MaxIters     int
	MaxPix       int
	ExtendZ      bool
}

// activeMean lazily averages the movie over a fixed frame set per voxel.
type activeMean struct {
	mov    *volume.Movie
	frames []int
	memo   map[int]float64
}

func (a *activeMean) at(i int) float64 {
	if v, ok := a.memo[i]; ok {
		return v
	}
	var acc float64
	for _, t := range a.frames {
		acc += a.mov.Frame(t)[i]
	}
	v := acc / float64(len(a.frames))
	a.memo[i] = v
	return v
}

// Grow dilates seed one voxel layer per step, weighting every voxel by its
// mean over the active frames and keeping those above extendThresh times the
// largest weight. Growth stops when nothing passes, when the set stops
// growing, or at the iteration and pixel bounds. The returned weights are
// L2 normalized and the second value is the number of completed steps.
//
// With no active frames, or a seed already at MaxPix, the seed is returned,
// cut down to MaxPix voxels if it is larger.
func Grow(seed Footprint, active []int, mov *volume.Movie, p GrowParams) (Footprint, int) {
	shape := mov.Shape
	mean := &activeMean{mov: mov, frames: active, memo: make(map[int]float64)}

	if len(active) == 0 || seed.Len() >= p.MaxPix {
		out := seed.Clone()
		if out.Len() > p.MaxPix {
			keys := make([]float64, out.Len())
			for i, c := range out.Coords {
				if len(active) > 0 {
					keys[i] = mean.at(shape.Index(c))
				} else {
					keys[i] = -float64(shape.Index(c))
				}
			}
			out = pick(out, rank(keys, p.MaxPix))
		}
		normalize(out.Weights)
		return out, 0
	}

	fp := seed.Clone()
	volume.SortCoords(shape, fp.Coords)
	iters := 0

	for fp.Len() < p.MaxPix && iters < p.MaxIters {
		npix := fp.Len()
		ext := volume.Dilate(shape, fp.Coords, p.ExtendZ)

		lam := make([]float64, len(ext))
		peak := math.Inf(-1)
		for i, c := range ext {
			lam[i] = mean.at(shape.Index(c))
			if lam[i] > peak {
				peak = lam[i]
			}
		}
		cut := math.Max(peak*p.ExtendThresh, 0)

		var kept Footprint
		for i, c := range ext {
			if lam[i] > cut {
				kept.Coords = append(kept.Coords, c)
				kept.Weights = append(kept.Weights, lam[i])
			}
		}
		if kept.Len() == 0 {
			break
		}

		fp = kept
		if fp.Len() <= npix {
			break
		}
		iters++
	}

	if fp.Len() > p.MaxPix {
		fp = strongest(fp, p.MaxPix)
	}
	normalize(fp.Weights)
	return fp, iters
}

// strongest keeps the n largest weights, ties to the lower flat index, in flat
// index order.
func strongest(fp Footprint, n int) Footprint {
	return pick(fp, rank(fp.Weights, n))
}

// rank returns the positions of the n largest keys, ties to the earlier
// position, in ascending order.
func rank(keys []float64, n int) []int {
	order := make([]int, len(keys))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return keys[order[a]] > keys[order[b]]
	})
	order = order[:n]
	sort.Ints(order)
	return order
}

func pick(fp Footprint, pos []int) Footprint {
	out := Footprint{Coords: make([]volume.Coord, len(pos)), Weights: make([]float64, len(pos))}
	for i, j := range pos {
		out.Coords[i] = fp.Coords[j]
		out.Weights[i] = fp.Weights[j]
	}
	return out
}

func normalize(w []float64) {
	var ss float64
	for _, v := range w {
		ss += v * v
	}
	if ss == 0 {
		return
	}
	n := math.Sqrt(ss)
	for i := range w {
		w[i] /= n
	}
}
