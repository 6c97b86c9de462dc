// Package traces streams a movie once more to read out per-source signal and
// background traces.
package traces

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/KyungWonPark/Detection/internal/calc"
	"github.com/KyungWonPark/Detection/internal/detect"
	"github.com/KyungWonPark/Detection/internal/errs"
	dio "github.com/KyungWonPark/Detection/internal/io"
	"github.com/KyungWonPark/Detection/internal/logger"
	"github.com/KyungWonPark/Detection/internal/movie"
	"github.com/KyungWonPark/Detection/internal/volume"
	"github.com/gonum/matrix/mat64"
)

// Output file names.
const (
	SignalFile     = "F.npy"
	BackgroundFile = "Fneu.npy"
)

// Options configures an extraction.
type Options struct {
	BatchFrames int

	// SaveEvery > 0 writes the partial traces into SaveDir every SaveEvery
	// batches, skipping the first
	SaveEvery int
	SaveDir   string

	// NFrames > 0 limits extraction to the first NFrames frames
	NFrames int

	NumWorkers int
}

type roi struct {
	idx     []int
	weights []float64
	npil    []int
	hasNpil bool
}

func inside(shape volume.Shape, coords []volume.Coord) bool {
	for _, c := range coords {
		if !shape.Contains(c) {
			return false
		}
	}
	return true
}

func prepare(shape volume.Shape, rois []detect.ROI) ([]roi, error) {
	out := make([]roi, len(rois))
	for i, r := range rois {
		coords, lam := r.Footprint()
		if len(coords) == 0 || !inside(shape, coords) {
			return nil, fmt.Errorf("source %d footprint outside movie %s: %w", i, shape, errs.ErrShape)
		}
		var sum float64
		for _, w := range lam {
			sum += w
		}
		w := make([]float64, len(lam))
		for j := range lam {
			w[j] = lam[j] / sum
		}
		out[i] = roi{idx: volume.Indices(shape, coords), weights: w}
		if np, ok := r.NeuropilCoords(); ok && len(np) > 0 {
			if !inside(shape, np) {
				return nil, fmt.Errorf("source %d neuropil outside movie %s: %w", i, shape, errs.ErrShape)
			}
			out[i].npil = volume.Indices(shape, np)
			out[i].hasNpil = true
		}
	}
	return out, nil
}

// Extract returns the (source, t) signal traces F, with sum normalized
// footprint weights, and the background traces Fneu, the mean over the
// neuropil voxels. Footprints index the movie directly. Sources without a
// neuropil mask keep a zero background trace.
func Extract(ctx context.Context, src movie.Source, rois []detect.ROI, opts Options, log *logger.Logger) (*mat64.Dense, *mat64.Dense, error) {
	log = log.With("traces")
	if opts.BatchFrames < 1 {
		return nil, nil, fmt.Errorf("batch of %d frames: %w", opts.BatchFrames, errs.ErrConfiguration)
	}
	if len(rois) == 0 {
		return nil, nil, fmt.Errorf("no sources to extract: %w", errs.ErrShape)
	}
	if opts.NFrames > 0 && opts.NFrames < src.NT() {
		log.Log(1, "only extracting %d frames", opts.NFrames)
		src = src.Limit(opts.NFrames)
	}

	nt := src.NT()
	if nt < 1 {
		return nil, nil, fmt.Errorf("movie has %d frames: %w", nt, errs.ErrShape)
	}
	shape := src.Shape()
	prepared, err := prepare(shape, rois)
	if err != nil {
		return nil, nil, err
	}
	for i, r := range prepared {
		if !r.hasNpil {
			log.Warning("source has no neuropil mask, background trace left at zero", logger.Fields{"source": i})
		}
	}

	ns := len(rois)
	F := mat64.NewDense(ns, nt, nil)
	Fneu := mat64.NewDense(ns, nt, nil)
	pl := calc.Init(1, opts.NumWorkers)

	nBatches := (nt + opts.BatchFrames - 1) / opts.BatchFrames
	log.Log(1, "will extract in %d batches of %d", nBatches, opts.BatchFrames)
	if opts.SaveDir != "" && opts.SaveEvery > 0 {
		log.Log(1, "saving intermediate results to %s", opts.SaveDir)
	}

	for b := 0; b < nBatches; b++ {
		if err := ctx.Err(); err != nil {
			return F, Fneu, err
		}
		start := b * opts.BatchFrames
		end := start + opts.BatchFrames
		if end > nt {
			end = nt
		}
		log.Log(2, "extracting batch %04d of %04d", b, nBatches)
		batch, err := src.Batch(start, end)
		if err != nil {
			return F, Fneu, fmt.Errorf("loading frames %d:%d: %w", start, end, err)
		}

		pl.Fan(ns, func(i int) {
			r := prepared[i]
			sig := F.RawRowView(i)
			bg := Fneu.RawRowView(i)
			for t := 0; t < batch.NT(); t++ {
				frame := batch.Frame(t)
				var acc float64
				for j, v := range r.idx {
					acc += r.weights[j] * frame[v]
				}
				sig[start+t] = acc
				if !r.hasNpil {
					continue
				}
				var np float64
				for _, v := range r.npil {
					np += frame[v]
				}
				bg[start+t] = np / float64(len(r.npil))
			}
		})

		if opts.SaveDir != "" && opts.SaveEvery > 0 && b > 0 && b%opts.SaveEvery == 0 {
			log.Log(1, "batch %d: saving intermediate results to %s", b, opts.SaveDir)
			if err := Save(opts.SaveDir, F, Fneu); err != nil {
				log.Error("intermediate save failed", err, logger.Fields{"batch": b})
			}
		}
	}

	return F, Fneu, nil
}

// Save writes F and Fneu into dir.
func Save(dir string, F, Fneu *mat64.Dense) error {
	if err := dio.Mat64toNpy(filepath.Join(dir, SignalFile), F); err != nil {
		return err
	}
	return dio.Mat64toNpy(filepath.Join(dir, BackgroundFile), Fneu)
}

type patchROI struct {
	s *detect.SourceWithNeuropil
}

func (r patchROI) Footprint() ([]volume.Coord, []float64) {
	return r.s.PatchCoords, r.s.Weights
}

func (r patchROI) NeuropilCoords() ([]volume.Coord, bool) {
	return r.s.NeuropilPatch, true
}

// PatchROIs adapts sources for a movie of the patch they were extracted
// from, using patch coordinates. Sources used directly as ROIs index the
// full volume.
func PatchROIs(sources []detect.SourceWithNeuropil) []detect.ROI {
	out := make([]detect.ROI, len(sources))
	for i := range sources {
		out[i] = patchROI{s: &sources[i]}
	}
	return out
}
