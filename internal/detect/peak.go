package detect

import (
	"math"

	"github.com/KyungWonPark/Detection/internal/volume"
)

// Peak is a candidate location with its uniform seed footprint.
type Peak struct {
	Center volume.Coord
	Seed   Footprint
	Value  float64
}

// FindTop returns the global maximum of vmap and a seedXY x seedXY x seedZ
// box around it, clipped to the volume. Ties go to the lowest flat index.
func FindTop(vmap *volume.Volume, seedXY, seedZ int) Peak {
	idx, val := vmap.ArgMax()
	center := vmap.Shape.Coord(idx)

	coords := volume.Box(vmap.Shape, center, seedXY, seedZ)
	w := 1 / math.Sqrt(float64(len(coords)))
	weights := make([]float64, len(coords))
	for i := range weights {
		weights[i] = w
	}

	return Peak{Center: center, Seed: Footprint{Coords: coords, Weights: weights}, Value: val}
}

type saved struct {
	idx    []int
	values []float64
}

// FindTopN draws up to k peaks. After each draw the exclusion box around it
// is set to vmin so the next draw lands outside it. Drawing stops early if the
// maximum falls inside an earlier box or if its seed touches an earlier seed,
// so the seeds returned are disjoint and not adjacent. vmap is restored before
// return.
func FindTopN(vmap *volume.Volume, k, seedXY, seedZ, exclXY, exclZ int, vmin float64) []Peak {
	peaks := make([]Peak, 0, k)
	saves := make([]saved, 0, k)
	claimed := make(map[int]struct{})
	guard := make(map[int]struct{})

	for i := 0; i < k; i++ {
		peak := FindTop(vmap, seedXY, seedZ)
		if _, ok := claimed[vmap.Shape.Index(peak.Center)]; ok {
			break
		}
		if touches(vmap.Shape, peak.Seed.Coords, guard) {
			break
		}
		peaks = append(peaks, peak)

		// the seed box grown by one voxel on every side
		for _, idx := range volume.Indices(vmap.Shape, volume.Box(vmap.Shape, peak.Center, seedXY+2, seedZ+2)) {
			guard[idx] = struct{}{}
		}

		box := volume.Indices(vmap.Shape, volume.Box(vmap.Shape, peak.Center, exclXY, exclZ))
		s := saved{idx: box, values: make([]float64, len(box))}
		for j, idx := range box {
			s.values[j] = vmap.Data[idx]
			vmap.Data[idx] = vmin
			claimed[idx] = struct{}{}
		}
		saves = append(saves, s)
	}

	// boxes may overlap, so undo in reverse
	for i := len(saves) - 1; i >= 0; i-- {
		for j, idx := range saves[i].idx {
			vmap.Data[idx] = saves[i].values[j]
		}
	}

	return peaks
}

func touches(s volume.Shape, coords []volume.Coord, set map[int]struct{}) bool {
	for _, c := range coords {
		if _, ok := set[s.Index(c)]; ok {
			return true
		}
	}
	return false
}
