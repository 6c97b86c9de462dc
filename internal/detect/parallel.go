package detect

import (
	"context"
	"fmt"

	"github.com/KyungWonPark/Detection/internal/calc"
	"github.com/KyungWonPark/Detection/internal/errs"
	"github.com/KyungWonPark/Detection/internal/logger"
	"github.com/KyungWonPark/Detection/internal/shmem"
	"github.com/KyungWonPark/Detection/internal/volume"
)

// Parallel extracts up to NumWorkers disjoint sources per round. Workers read
// the shared residual movie and return candidates; the orchestrator applies
// them one at a time in submission order.
type Parallel struct {
	params Params
	log    *logger.Logger
	ckpt   Checkpointer
	alloc  shmem.Allocator

	// inspect runs at the start of every worker task
	inspect func(worker int, peak Peak)
}

// NewParallel returns an extractor placing the residual movie in buffers
// from alloc. ckpt may be nil.
func NewParallel(p Params, log *logger.Logger, ckpt Checkpointer, alloc shmem.Allocator) *Parallel {
	if p.NumWorkers < 1 {
		p.NumWorkers = 1
	}
	return &Parallel{params: p, log: log.With("extract"), ckpt: ckpt, alloc: alloc}
}

type workerResult struct {
	cand *Candidate
	err  error
}

// Run has the contract of Sequential.Run. A failing worker ends the round and
// the run with ErrWorkerTask after checkpointing the sources accepted so far.
func (e *Parallel) Run(ctx context.Context, mov *volume.Movie, vmap *volume.Volume) (res *Result, err error) {
	if err := volume.SameShape(mov.Shape, vmap); err != nil {
		return nil, err
	}

	p := e.params
	e.log.Log(1, "loading movie patch to shared memory")
	buf, err := e.alloc.Alloc(len(mov.Raw()))
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := buf.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	copy(buf.Float64s(), mov.Raw())
	shared, err := volume.NewMovie(mov.NT(), mov.Shape, buf.Float64s())
	if err != nil {
		return nil, err
	}
	defer copy(mov.Raw(), shared.Raw())

	vmin := vmap.Min()
	pool := calc.Init(1, p.NumWorkers)
	res = &Result{}
	nRounds := (p.MaxIter + p.NumWorkers - 1) / p.NumWorkers

	e.log.Log(1, "starting extraction with peak_thresh %.3f and activity_thresh %.3f", p.PeakThresh, p.ActivityThresh)

	for round := 0; round < nRounds; round++ {
		if err = ctx.Err(); err != nil {
			break
		}

		var good []Peak
		for _, peak := range FindTopN(vmap, p.NumWorkers, p.SeedXY, p.SeedZ, p.ExclusionXY, p.ExclusionZ, vmin) {
			if peak.Value >= p.PeakThresh {
				good = append(good, peak)
			}
		}
		if left := p.MaxIter - len(res.Sources); len(good) > left {
			good = good[:left]
		}
		res.Iterations++
		if len(good) == 0 {
			e.log.Log(2, "round %04d: peak is too small, ending extraction", round)
			break
		}
		e.log.Log(1, "round %04d: running %02d sources in parallel", round, len(good))

		results := make([]workerResult, len(good))
		pool.Fan(len(good), func(i int) {
			results[i] = e.work(i, good[i], shared)
		})

		for i, r := range results {
			if r.err != nil {
				e.log.Error("worker failed, aborting round", r.err, logger.Fields{"round": round, "worker": i})
				e.checkpoint(res.Sources)
				return res, r.err
			}
		}

		before := len(res.Sources)
		for _, r := range results {
			if len(r.cand.Active) == 0 {
				e.log.Warning("accepting source with no active frames", logger.Fields{"index": len(res.Sources)})
			}
			src := accept(r.cand, len(res.Sources), shared, vmap, p, vmin)
			res.Sources = append(res.Sources, src)
			e.log.Log(2, "added cell %d at %v, peak %.3f, thresh %.3f, %d frames, %d pixels",
				len(res.Sources), src.MedPatch, src.PeakVal, src.Threshold, len(src.ActiveFrames), len(src.Coords))
		}

		if every := p.CheckpointEvery; every > 0 && before/every != len(res.Sources)/every {
			e.checkpoint(res.Sources)
		}
	}

	e.checkpoint(res.Sources)
	e.log.Log(1, "found %d cells in %d rounds", len(res.Sources), res.Iterations)
	return res, err
}

// work examines one peak against the shared movie without writing to it.
func (e *Parallel) work(worker int, peak Peak, shared *volume.Movie) (out workerResult) {
	defer func() {
		if r := recover(); r != nil {
			out = workerResult{err: fmt.Errorf("worker %d at %v: %v: %w", worker, peak.Center, r, errs.ErrWorkerTask)}
		}
	}()

	if e.inspect != nil {
		e.inspect(worker, peak)
	}
	cand := newCandidate(peak, shared, e.params)
	cand.grow(shared, e.params, e.log)
	return workerResult{cand: cand}
}

func (e *Parallel) checkpoint(sources []Source) {
	if e.ckpt == nil {
		return
	}
	if err := e.ckpt.Checkpoint(sources); err != nil {
		e.log.Error("checkpoint failed, continuing without it", err, logger.Fields{"sources": len(sources)})
	}
}
