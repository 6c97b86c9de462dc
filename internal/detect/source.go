// Package detect extracts cell sources from a residual movie by greedy
// matching pursuit over a 3-D activity score volume.
package detect

import (
	"github.com/KyungWonPark/Detection/internal/config"
	"github.com/KyungWonPark/Detection/internal/volume"
)

// Params configures source extraction.
type Params struct {
	PeakThresh     float64
	ActivityThresh float64
	ExtendThresh   float64

	// Percentile > 0 lowers the activity threshold to that percentile of the
	// projected trace when it is smaller
	Percentile float64

	RoiExtIterations int
	MaxExtIters      int
	MaxPix           int
	MaxIter          int

	AllowOverlap bool
	OverlapScore string
	ExtendZ      bool

	SeedXY      int
	SeedZ       int
	ExclusionXY int
	ExclusionZ  int

	NumWorkers      int
	CheckpointEvery int

	// Offset of the patch in the full volume
	Offset volume.Coord
}

// ParamsFromConfig maps the detection section of cfg.
func ParamsFromConfig(cfg *config.Config) Params {
	d := cfg.Detection
	p := Params{
		PeakThresh:       d.PeakThresh,
		ActivityThresh:   d.ActivityThresh,
		ExtendThresh:     d.ExtendThresh,
		Percentile:       d.Percentile,
		RoiExtIterations: d.RoiExtIterations,
		MaxExtIters:      d.MaxExtIters,
		MaxPix:           d.MaxPix,
		MaxIter:          d.MaxIter,
		AllowOverlap:     d.AllowOverlap,
		OverlapScore:     d.OverlapScore,
		ExtendZ:          d.ExtendZ,
		SeedXY:           d.SeedXY,
		SeedZ:            d.SeedZ,
		ExclusionXY:      d.ExclusionXY,
		ExclusionZ:       d.ExclusionZ,
		NumWorkers:       d.NumWorkers,
		CheckpointEvery:  d.CheckpointEvery,
	}
	if len(d.Offset) == 3 {
		p.Offset = volume.Coord{Z: d.Offset[0], Y: d.Offset[1], X: d.Offset[2]}
	}
	return p
}

// DefaultParams returns the defaults of config.DefaultConfig.
func DefaultParams() Params {
	return ParamsFromConfig(config.DefaultConfig())
}

// Footprint is a set of voxels with strictly positive weights, ordered by
// flat index.
type Footprint struct {
	Coords  []volume.Coord
	Weights []float64
}

// Len returns the number of voxels.
func (f Footprint) Len() int {
	return len(f.Coords)
}

// Clone returns a deep copy.
func (f Footprint) Clone() Footprint {
	out := Footprint{
		Coords:  make([]volume.Coord, len(f.Coords)),
		Weights: make([]float64, len(f.Weights)),
	}
	copy(out.Coords, f.Coords)
	copy(out.Weights, f.Weights)
	return out
}

// Source is one accepted extraction. It is not modified after creation.
type Source struct {
	Index int

	// Coords are global; PatchCoords are relative to the extracted patch
	Coords      []volume.Coord
	PatchCoords []volume.Coord
	Weights     []float64

	Med      volume.Coord
	MedPatch volume.Coord

	ActiveFrames []int
	PeakVal      float64
	Threshold    float64
}

// Footprint returns the global voxels and weights.
func (s *Source) Footprint() ([]volume.Coord, []float64) {
	return s.Coords, s.Weights
}

// NeuropilCoords reports that no background mask has been computed.
func (s *Source) NeuropilCoords() ([]volume.Coord, bool) {
	return nil, false
}

// SourceWithNeuropil is a Source completed by the neuropil pass.
type SourceWithNeuropil struct {
	Source

	Neuropil      []volume.Coord
	NeuropilPatch []volume.Coord
}

// NeuropilCoords returns the global background voxels.
func (s *SourceWithNeuropil) NeuropilCoords() ([]volume.Coord, bool) {
	return s.Neuropil, true
}

// ROI is what trace extraction needs from a source.
type ROI interface {
	Footprint() ([]volume.Coord, []float64)
	NeuropilCoords() ([]volume.Coord, bool)
}

// Result is the outcome of an extraction run.
type Result struct {
	Sources []Source

	// Iterations counts examined peaks, including the one that ended the run
	Iterations int
}
