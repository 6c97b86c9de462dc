package calc

import (
	"math"

	"github.com/KyungWonPark/Detection/internal/volume"
)

// AdjustHPF clamps width to tBatch and shrinks it until it divides tBatch.
func AdjustHPF(tBatch, width int) int {
	if width > tBatch {
		width = tBatch
	}
	if width < 1 {
		width = 1
	}
	for tBatch%width != 0 {
		width--
	}
	return width
}

// HighPass subtracts from every frame the mean of its block of width frames.
// Blocks are consecutive and non-overlapping; the last one may be short.
func (p *PipeLine) HighPass(batch *volume.Movie, width int) {
	nt := batch.NT()
	if width < 1 {
		width = 1
	}

	p.FanRanges(batch.Shape.Size(), func(start, end int) {
		mean := make([]float64, end-start)

		for b := 0; b < nt; b += width {
			stop := b + width
			if stop > nt {
				stop = nt
			}
			for j := range mean {
				mean[j] = 0
			}
			for t := b; t < stop; t++ {
				row := batch.Frame(t)[start:end]
				for j, v := range row {
					mean[j] += v
				}
			}
			n := float64(stop - b)
			for j := range mean {
				mean[j] /= n
			}
			for t := b; t < stop; t++ {
				row := batch.Frame(t)[start:end]
				for j := range row {
					row[j] -= mean[j]
				}
			}
		}
	})
}

// Normalize divides every voxel by sqrt(max(1e-10, std2/nFrames)).
func (p *PipeLine) Normalize(batch *volume.Movie, std2 *volume.Volume, nFrames int) {
	nt := batch.NT()
	p.FanRanges(batch.Shape.Size(), func(start, end int) {
		sd := make([]float64, end-start)
		for j := range sd {
			sd[j] = math.Sqrt(math.Max(1e-10, std2.Data[start+j]/float64(nFrames)))
		}
		for t := 0; t < nt; t++ {
			row := batch.Frame(t)[start:end]
			for j := range row {
				row[j] /= sd[j]
			}
		}
	})
}
