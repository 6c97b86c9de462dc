package detect

import (
	"math"
	"sort"

	"github.com/KyungWonPark/Detection/internal/config"
	"github.com/KyungWonPark/Detection/internal/logger"
	"github.com/KyungWonPark/Detection/internal/volume"
	"github.com/gonum/matrix/mat64"
)

// Candidate is a peak being turned into a source. It only reads the movie;
// the subtraction is returned as a delta and applied by the caller.
type Candidate struct {
	Peak      Peak
	Footprint Footprint
	Trace     []float64
	Threshold float64
	Active    []int
	GrowSteps int
}

// project returns mov[:, fp] @ weights.
func project(mov *volume.Movie, fp Footprint) []float64 {
	cols := mov.Gather(volume.Indices(mov.Shape, fp.Coords))
	var trace mat64.Vector
	trace.MulVec(cols, mat64.NewVector(fp.Len(), fp.Weights))
	out := make([]float64, mov.NT())
	for t := range out {
		out[t] = trace.At(t, 0)
	}
	return out
}

func activeFrames(trace []float64, thresh float64) []int {
	var out []int
	for t, v := range trace {
		if v > thresh {
			out = append(out, t)
		}
	}
	return out
}

// activityThreshold is ActivityThresh, lowered to the given percentile of the
// trace when Percentile is set.
func activityThreshold(trace []float64, p Params) float64 {
	if p.Percentile <= 0 || len(trace) == 0 {
		return p.ActivityThresh
	}
	sorted := make([]float64, len(trace))
	copy(sorted, trace)
	sort.Float64s(sorted)
	return math.Min(p.ActivityThresh, percentile(sorted, p.Percentile))
}

// percentile interpolates linearly between the two closest ranks of sorted,
// pct in [0, 100].
func percentile(sorted []float64, pct float64) float64 {
	pos := float64(len(sorted)-1) * pct / 100
	lo := int(math.Floor(pos))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// newCandidate projects the movie on the seed footprint and picks the active
// frames.
func newCandidate(peak Peak, mov *volume.Movie, p Params) *Candidate {
	c := &Candidate{Peak: peak, Footprint: peak.Seed.Clone()}
	c.Trace = project(mov, c.Footprint)
	c.Threshold = activityThreshold(c.Trace, p)
	c.Active = activeFrames(c.Trace, c.Threshold)
	return c
}

// grow runs RoiExtIterations growth passes, recomputing the trace and active
// frames after each with the threshold fixed.
func (c *Candidate) grow(mov *volume.Movie, p Params, log *logger.Logger) {
	gp := GrowParams{
		ExtendThresh: p.ExtendThresh,
		MaxIters:     p.MaxExtIters,
		MaxPix:       p.MaxPix,
		ExtendZ:      p.ExtendZ,
	}
	for i := 0; i < p.RoiExtIterations; i++ {
		if len(c.Active) == 0 {
			log.Warning("no active frames", logger.Fields{"peak": c.Peak.Center, "pass": i})
		}
		var steps int
		c.Footprint, steps = Grow(c.Footprint, c.Active, mov, gp)
		c.GrowSteps += steps
		c.Trace = project(mov, c.Footprint)
		c.Active = activeFrames(c.Trace, c.Threshold)
	}
}

// delta returns the nt x npix matrix subtracted from the footprint columns:
// trace (outer) weights on the active frames, zero elsewhere.
func (c *Candidate) delta() *mat64.Dense {
	nt := len(c.Trace)
	masked := make([]float64, nt)
	for _, t := range c.Active {
		masked[t] = c.Trace[t]
	}
	var sub mat64.Dense
	sub.Outer(1, mat64.NewVector(nt, masked), mat64.NewVector(c.Footprint.Len(), c.Footprint.Weights))
	return &sub
}

// subtract removes sub from the footprint columns of mov.
func subtract(mov *volume.Movie, fp Footprint, sub *mat64.Dense) {
	idx := volume.Indices(mov.Shape, fp.Coords)
	for t := 0; t < mov.NT(); t++ {
		row := mov.Frame(t)
		d := sub.RawRowView(t)
		for j, i := range idx {
			row[i] -= d[j]
		}
	}
}

// updateScore refreshes vmap after a subtraction. Without overlap the
// footprint and one surrounding voxel layer are set to vmin. With overlap the
// footprint is rescored from the residual frames above threshold.
func updateScore(vmap *volume.Volume, mov *volume.Movie, c *Candidate, p Params, vmin float64) {
	shape := vmap.Shape
	if !p.AllowOverlap {
		for _, v := range volume.Dilate(shape, c.Footprint.Coords, true) {
			vmap.Set(v, vmin)
		}
		return
	}

	for _, v := range c.Footprint.Coords {
		i := shape.Index(v)
		var acc float64
		for t := 0; t < mov.NT(); t++ {
			m := mov.Frame(t)[i]
			if m <= c.Threshold {
				continue
			}
			if p.OverlapScore == config.OverlapLinear {
				acc += m
			} else {
				acc += m * m
			}
		}
		vmap.Data[i] = math.Sqrt(math.Max(acc, 0))
	}
}

// accept applies c to the residual movie and score volume and returns its
// source record.
func accept(c *Candidate, index int, mov *volume.Movie, vmap *volume.Volume, p Params, vmin float64) Source {
	subtract(mov, c.Footprint, c.delta())
	updateScore(vmap, mov, c, p, vmin)

	patch := c.Footprint.Clone()
	global := make([]volume.Coord, patch.Len())
	for i, v := range patch.Coords {
		global[i] = v.Add(p.Offset)
	}

	return Source{
		Index:        index,
		Coords:       global,
		PatchCoords:  patch.Coords,
		Weights:      patch.Weights,
		Med:          c.Peak.Center.Add(p.Offset),
		MedPatch:     c.Peak.Center,
		ActiveFrames: append([]int(nil), c.Active...),
		PeakVal:      c.Peak.Value,
		Threshold:    c.Threshold,
	}
}
