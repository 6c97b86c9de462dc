package calc

import (
	"math"

	"github.com/KyungWonPark/Detection/internal/volume"
)

// Accumulators are the running per-voxel images merged once per time batch.
type Accumulators struct {
	Mean  *volume.Volume
	Max   *volume.Volume
	Std2  *volume.Volume
	VMap2 *volume.Volume

	// NFrames is the number of frames merged so far
	NFrames int
}

// NewAccumulators returns zeroed accumulators for volumes of shape s.
func NewAccumulators(s volume.Shape) *Accumulators {
	a := &Accumulators{
		Mean:  volume.NewVolume(s),
		Max:   volume.NewVolume(s),
		Std2:  volume.NewVolume(s),
		VMap2: volume.NewVolume(s),
	}
	for i := range a.Max.Data {
		a.Max.Data[i] = math.Inf(-1)
	}
	return a
}

// AccMeanMax merges a raw batch into the running mean and max images and
// advances NFrames.
func (p *PipeLine) AccMeanMax(batch *volume.Movie, a *Accumulators) {
	nt := batch.NT()
	if nt == 0 {
		return
	}
	a.NFrames += nt
	seen := float64(a.NFrames)
	n := float64(nt)

	p.FanRanges(batch.Shape.Size(), func(start, end int) {
		mean := a.Mean.Data
		max := a.Max.Data
		sum := make([]float64, end-start)

		for t := 0; t < nt; t++ {
			row := batch.Frame(t)[start:end]
			for j, v := range row {
				sum[j] += v
				if v > max[start+j] {
					max[start+j] = v
				}
			}
		}

		for j := range sum {
			mean[start+j] = mean[start+j]*(seen-n)/seen + (sum[j]/n)*n/seen
		}
	})
}

// AccSumSquares adds the per-voxel sum of squares of batch into std2.
func (p *PipeLine) AccSumSquares(batch *volume.Movie, std2 *volume.Volume) {
	nt := batch.NT()
	p.FanRanges(batch.Shape.Size(), func(start, end int) {
		dst := std2.Data[start:end]
		for t := 0; t < nt; t++ {
			row := batch.Frame(t)[start:end]
			for j, v := range row {
				dst[j] += v * v
			}
		}
	})
}

// AccVMap adds sum_t (x * [x > thresh])^2 of filt into vmap2.
func (p *PipeLine) AccVMap(filt *volume.Movie, thresh float64, vmap2 *volume.Volume) {
	nt := filt.NT()
	p.FanRanges(filt.Shape.Size(), func(start, end int) {
		dst := vmap2.Data[start:end]
		for t := 0; t < nt; t++ {
			row := filt.Frame(t)[start:end]
			for j, v := range row {
				if v > thresh {
					dst[j] += v * v
				}
			}
		}
	})
}
