// Package neuropil builds the background masks around extracted sources.
package neuropil

import (
	"math"
	"sort"

	"github.com/KyungWonPark/Detection/internal/calc"
	"github.com/KyungWonPark/Detection/internal/config"
	"github.com/KyungWonPark/Detection/internal/detect"
	"github.com/KyungWonPark/Detection/internal/logger"
	"github.com/KyungWonPark/Detection/internal/volume"
	"gonum.org/v1/gonum/stat"
)

// Params configures mask growth. Per-axis arrays are (z, y, x).
type Params struct {
	MinNeuropilPixels int
	ExtendBy          [3]int
	ZMaxExtension     int
	MaxNpExtIters     int
	NpRingIterations  int

	// LamPercentile > 0 drops footprint voxels whose weight is below that
	// percentile of the weights in a FilterShape window from the cell mask
	LamPercentile float64
	FilterShape   [3]int

	NumWorkers int
}

// ParamsFromConfig maps the neuropil section of cfg.
func ParamsFromConfig(cfg *config.Config) Params {
	n := cfg.Neuropil
	p := Params{
		MinNeuropilPixels: n.MinNeuropilPixels,
		ZMaxExtension:     n.ZMaxExtension,
		MaxNpExtIters:     n.MaxNpExtIters,
		NpRingIterations:  n.NpRingIterations,
		LamPercentile:     n.LamPercentile,
		NumWorkers:        n.NumWorkers,
	}
	copy(p.ExtendBy[:], n.ExtendBy)
	copy(p.FilterShape[:], n.PercentileFilterShape)
	return p
}

// Builder computes neuropil masks for a set of sources.
type Builder struct {
	params Params
	pl     *calc.PipeLine
	log    *logger.Logger
}

// NewBuilder returns a builder spreading sources over NumWorkers goroutines.
func NewBuilder(p Params, log *logger.Logger) *Builder {
	return &Builder{params: p, pl: calc.Init(1, p.NumWorkers), log: log.With("neuropil")}
}

// lamMap returns the largest footprint weight per voxel over all sources.
func lamMap(sources []detect.Source, shape volume.Shape) *volume.Volume {
	lam := volume.NewVolume(shape)
	for _, s := range sources {
		for i, c := range s.PatchCoords {
			if s.Weights[i] > lam.At(c) {
				lam.Set(c, s.Weights[i])
			}
		}
	}
	return lam
}

// CellPix marks the voxels owned by some source. With a positive percentile
// a voxel only counts if its weight reaches the local percentile of the
// weight map; the window is clipped at the volume border.
func (b *Builder) CellPix(sources []detect.Source, shape volume.Shape) []bool {
	lam := lamMap(sources, shape)
	cell := make([]bool, shape.Size())
	if b.params.LamPercentile <= 0 {
		for i, v := range lam.Data {
			cell[i] = v > 0
		}
		return cell
	}

	var owned []int
	for i, v := range lam.Data {
		if v > 0 {
			owned = append(owned, i)
		}
	}
	b.pl.FanRanges(len(owned), func(start, end int) {
		window := make([]float64, 0, b.params.FilterShape[0]*b.params.FilterShape[1]*b.params.FilterShape[2])
		for _, i := range owned[start:end] {
			window = windowValues(lam, shape.Coord(i), b.params.FilterShape, window[:0])
			sort.Float64s(window)
			filt := stat.Quantile(b.params.LamPercentile/100, stat.Empirical, window, nil)
			cell[i] = lam.Data[i] >= filt
		}
	})
	return cell
}

func windowValues(lam *volume.Volume, c volume.Coord, size [3]int, out []float64) []float64 {
	s := lam.Shape
	z0, z1 := clip(c.Z, size[0], s.NZ)
	y0, y1 := clip(c.Y, size[1], s.NY)
	x0, x1 := clip(c.X, size[2], s.NX)
	for z := z0; z < z1; z++ {
		for y := y0; y < y1; y++ {
			row := s.Index(volume.Coord{Z: z, Y: y})
			out = append(out, lam.Data[row+x0:row+x1]...)
		}
	}
	return out
}

func clip(center, width, n int) (int, int) {
	lo, hi := center-width/2, center+(width+1)/2
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	return lo, hi
}

// Build returns every source completed with its background voxels. Masks
// never include a footprint voxel of any source nor the ring of
// NpRingIterations layers around the own footprint.
func (b *Builder) Build(sources []detect.Source, shape volume.Shape, offset volume.Coord) []detect.SourceWithNeuropil {
	cell := b.CellPix(sources, shape)
	claimed := lamMap(sources, shape)

	out := make([]detect.SourceWithNeuropil, len(sources))
	b.pl.Fan(len(sources), func(i int) {
		patch := b.mask(sources[i].PatchCoords, shape, cell, claimed)
		global := make([]volume.Coord, len(patch))
		for j, c := range patch {
			global[j] = c.Add(offset)
		}
		out[i] = detect.SourceWithNeuropil{Source: sources[i], Neuropil: global, NeuropilPatch: patch}
	})

	for _, s := range out {
		if len(s.Neuropil) < b.params.MinNeuropilPixels {
			b.log.Log(2, "source %d has %d neuropil pixels, fewer than %d", s.Index, len(s.Neuropil), b.params.MinNeuropilPixels)
		}
	}
	return out
}

// bounds is an inclusive per-axis range.
type bounds struct {
	lo, hi [3]int
}

func boundsOf(coords []volume.Coord) bounds {
	b := bounds{lo: [3]int{math.MaxInt, math.MaxInt, math.MaxInt}, hi: [3]int{-1, -1, -1}}
	for _, c := range coords {
		for a, v := range [3]int{c.Z, c.Y, c.X} {
			if v < b.lo[a] {
				b.lo[a] = v
			}
			if v > b.hi[a] {
				b.hi[a] = v
			}
		}
	}
	return b
}

// extend widens the current box by step on each side without leaving
// [0, n) or reaching further than maxExt beyond the footprint.
func extend(roi, cur bounds, axis, step, maxExt, n int) (int, int) {
	lo := max(0, roi.lo[axis]-maxExt, cur.lo[axis]-step)
	hi := min(n-1, roi.hi[axis]+maxExt, cur.hi[axis]+step)
	return lo, hi
}

func (b *Builder) mask(fp []volume.Coord, shape volume.Shape, cell []bool, claimed *volume.Volume) []volume.Coord {
	if len(fp) == 0 {
		return nil
	}
	p := b.params
	dims := [3]int{shape.NZ, shape.NY, shape.NX}

	ring := volume.DilateN(shape, fp, p.NpRingIterations)
	inRing := make(map[int]struct{}, len(ring))
	nRing := 0
	for _, c := range ring {
		i := shape.Index(c)
		inRing[i] = struct{}{}
		if !cell[i] {
			nRing++
		}
	}

	roi := boundsOf(fp)
	box := boundsOf(ring)
	for iter := 0; iter == 0 || iter < p.MaxNpExtIters; iter++ {
		var next bounds
		for a := 0; a < 3; a++ {
			maxExt := math.MaxInt32
			if a == 0 {
				maxExt = p.ZMaxExtension
			}
			next.lo[a], next.hi[a] = extend(roi, box, a, p.ExtendBy[a], maxExt, dims[a])
		}
		box = next

		free := 0
		for z := box.lo[0]; z <= box.hi[0]; z++ {
			for y := box.lo[1]; y <= box.hi[1]; y++ {
				for x := box.lo[2]; x <= box.hi[2]; x++ {
					if !cell[shape.Index(volume.Coord{Z: z, Y: y, X: x})] {
						free++
					}
				}
			}
		}
		if free-nRing >= p.MinNeuropilPixels {
			break
		}
	}

	var out []volume.Coord
	for z := box.lo[0]; z <= box.hi[0]; z++ {
		for y := box.lo[1]; y <= box.hi[1]; y++ {
			for x := box.lo[2]; x <= box.hi[2]; x++ {
				c := volume.Coord{Z: z, Y: y, X: x}
				i := shape.Index(c)
				if cell[i] || claimed.Data[i] > 0 {
					continue
				}
				if _, ok := inRing[i]; ok {
					continue
				}
				out = append(out, c)
			}
		}
	}
	return out
}
