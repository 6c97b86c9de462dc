package calc

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/KyungWonPark/Detection/internal/config"
	"github.com/KyungWonPark/Detection/internal/errs"
	dio "github.com/KyungWonPark/Detection/internal/io"
	"github.com/KyungWonPark/Detection/internal/logger"
	"github.com/KyungWonPark/Detection/internal/movie"
	"github.com/KyungWonPark/Detection/internal/volume"
)

// CorrmapParams configures a correlation map build.
type CorrmapParams struct {
	TBatchSize      int
	TemporalHPF     int
	Npil            Kernel
	Conv            Kernel
	IntensityThresh float64
	DoSDNorm        bool
	FixVmapEdges    bool

	// MprocBatchSize is the number of frames per spatial filtering task
	MprocBatchSize int

	// KeepFiltered returns the normalized, neuropil subtracted movie
	KeepFiltered bool

	// SaveDir receives batchNNNN/ accumulator snapshots and vmap.npy when set
	SaveDir string
}

// CorrmapResult holds the activity score volume and the running images.
type CorrmapResult struct {
	VMap *volume.Volume
	Mean *volume.Volume
	Max  *volume.Volume
	Std2 *volume.Volume

	// Filtered is set when KeepFiltered was requested
	Filtered *volume.Movie

	NFrames int
}

// CorrmapParamsFromConfig maps the corrmap section of cfg. Batch snapshots go
// to dir when SaveBatches is set.
func CorrmapParamsFromConfig(cfg *config.Config, dir string) CorrmapParams {
	c := cfg.Corrmap
	p := CorrmapParams{
		TBatchSize:      c.TBatchSize,
		TemporalHPF:     c.TemporalHPF,
		Npil:            Kernel{Type: c.NpilFiltType, Z: c.NpilFiltZ, XY: c.NpilFiltXY},
		Conv:            Kernel{Type: c.ConvFiltType, Z: c.ConvFiltZ, XY: c.ConvFiltXY},
		IntensityThresh: c.IntensityThres,
		DoSDNorm:        c.DoSDNorm,
		FixVmapEdges:    c.FixVmapEdges,
		MprocBatchSize:  c.MprocBatchSize,
	}
	if c.SaveBatches {
		p.SaveDir = dir
	}
	return p
}

// Validate checks the parameters against the frame shape.
func (c CorrmapParams) Validate(s volume.Shape) error {
	if c.TBatchSize < 1 {
		return fmt.Errorf("t_batch_size %d: %w", c.TBatchSize, errs.ErrConfiguration)
	}
	if c.TemporalHPF < 1 {
		return fmt.Errorf("temporal_hpf %d: %w", c.TemporalHPF, errs.ErrConfiguration)
	}
	if err := c.Npil.Validate(s); err != nil {
		return fmt.Errorf("neuropil filter: %w", err)
	}
	if err := c.Conv.Validate(s); err != nil {
		return fmt.Errorf("smoothing filter: %w", err)
	}
	return nil
}

// CorrmapBuilder streams a movie through the score pipeline batch by batch.
type CorrmapBuilder struct {
	pl     *PipeLine
	params CorrmapParams
	log    *logger.Logger
}

// NewCorrmapBuilder returns a builder running its kernels on pl.
func NewCorrmapBuilder(pl *PipeLine, params CorrmapParams, log *logger.Logger) *CorrmapBuilder {
	return &CorrmapBuilder{pl: pl, params: params, log: log.With("corrmap")}
}

// Build computes the activity score volume of src. Configuration errors are
// reported before the first batch is loaded.
func (b *CorrmapBuilder) Build(ctx context.Context, src movie.Source) (*CorrmapResult, error) {
	shape := src.Shape()
	nt := src.NT()
	if err := b.params.Validate(shape); err != nil {
		return nil, err
	}
	if nt < 1 {
		return nil, fmt.Errorf("movie has no frames: %w", errs.ErrShape)
	}

	tBatch := b.params.TBatchSize
	hpf := AdjustHPF(tBatch, b.params.TemporalHPF)
	if hpf != b.params.TemporalHPF {
		b.log.Warning("adjusted temporal hpf to evenly divide the batch", logger.Fields{
			"requested": b.params.TemporalHPF, "hpf": hpf, "tBatchSize": tBatch,
		})
	}
	b.log.Log(1, "using np filter %s (%.2f, %.2f) and conv filter %s (%.2f, %.2f)",
		b.params.Npil.Type, b.params.Npil.Z, b.params.Npil.XY, b.params.Conv.Type, b.params.Conv.Z, b.params.Conv.XY)

	nBatches := (nt + tBatch - 1) / tBatch
	acc := NewAccumulators(shape)

	var filtered *volume.Movie
	if b.params.KeepFiltered {
		filtered, _ = volume.NewMovie(nt, shape, nil)
	}

	// double buffered: the loader fills one slot while the other is processed
	ring := make([]*volume.Movie, 2)
	loader := Init(len(ring), 1)
	loadErr := make(chan error, 1)

	go func() {
		defer loader.Close()
		for i := 0; i < nBatches; i++ {
			if err := ctx.Err(); err != nil {
				loadErr <- err
				return
			}
			start := i * tBatch
			end := start + tBatch
			if end > nt {
				end = nt
			}

			dest := loader.Malloc()
			m, err := src.Batch(start, end)
			if err != nil {
				loader.Free(dest)
				loadErr <- fmt.Errorf("load frames [%d, %d): %w", start, end, err)
				return
			}
			ring[dest] = m
			loader.Push(dest)
		}
	}()

	batchIdx := 0
	frame := 0
	for {
		job, ok := loader.Pop()
		if !ok {
			break
		}
		batch := ring[job]

		b.log.Log(2, "running batch %d of %d", batchIdx+1, nBatches)
		b.processBatch(batch, acc, hpf)

		if filtered != nil {
			for t := 0; t < batch.NT(); t++ {
				copy(filtered.Frame(frame+t), batch.Frame(t))
			}
		}
		frame += batch.NT()
		ring[job] = nil
		loader.Free(job)

		if b.params.SaveDir != "" {
			dir := filepath.Join(b.params.SaveDir, fmt.Sprintf("batch%04d", batchIdx))
			if err := saveAccumulators(dir, acc); err != nil {
				b.log.Error("failed to save batch accumulators", err, logger.Fields{"dir": dir})
			}
		}
		batchIdx++
	}

	select {
	case err := <-loadErr:
		return nil, err
	default:
	}

	res := &CorrmapResult{
		VMap:     finalizeVMap(acc.VMap2, b.params.FixVmapEdges),
		Mean:     acc.Mean,
		Max:      acc.Max,
		Std2:     acc.Std2,
		Filtered: filtered,
		NFrames:  acc.NFrames,
	}

	if b.params.SaveDir != "" {
		path := filepath.Join(b.params.SaveDir, "vmap.npy")
		if err := dio.VolumeToNpy(path, res.VMap); err != nil {
			b.log.Error("failed to save vmap", err, logger.Fields{"path": path})
		}
	}

	b.log.Log(1, "built score volume from %d frames in %d batches", acc.NFrames, batchIdx)
	return res, nil
}

// processBatch runs one batch through the pipeline. The batch is left holding
// the normalized, neuropil subtracted frames.
func (b *CorrmapBuilder) processBatch(batch *volume.Movie, acc *Accumulators, hpf int) {
	p := b.params

	b.pl.AccMeanMax(batch, acc)
	b.pl.HighPass(batch, hpf)

	if p.DoSDNorm {
		b.pl.AccSumSquares(batch, acc.Std2)
		b.pl.Normalize(batch, acc.Std2, acc.NFrames)
	}

	filt := b.pl.SubConv(batch, p.Npil, p.Conv, p.MprocBatchSize)
	b.pl.AccVMap(filt, p.IntensityThresh, acc.VMap2)
}

// finalizeVMap returns sqrt(vmap2). With fixEdges and more than one plane the
// first and last planes are rescaled to the mean of their inner neighbour.
func finalizeVMap(vmap2 *volume.Volume, fixEdges bool) *volume.Volume {
	vmap := vmap2.Clone()
	for i, v := range vmap.Data {
		vmap.Data[i] = math.Sqrt(v)
	}

	nz := vmap.Shape.NZ
	if !fixEdges || nz < 2 {
		return vmap
	}

	rescale := func(z, inner int) {
		edge := vmap.PlaneMean(z)
		if edge == 0 {
			return
		}
		ratio := vmap.PlaneMean(inner) / edge
		plane := vmap.Plane(z)
		for i := range plane {
			plane[i] *= ratio
		}
	}
	rescale(0, 1)
	rescale(nz-1, nz-2)

	return vmap
}

func saveAccumulators(dir string, acc *Accumulators) error {
	for name, v := range map[string]*volume.Volume{
		"vmap2.npy":    acc.VMap2,
		"mean_img.npy": acc.Mean,
		"max_img.npy":  acc.Max,
		"std2_img.npy": acc.Std2,
	} {
		if err := dio.VolumeToNpy(filepath.Join(dir, name), v); err != nil {
			return err
		}
	}
	return nil
}
