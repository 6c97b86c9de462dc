package detect

import (
	"context"

	"github.com/KyungWonPark/Detection/internal/logger"
	"github.com/KyungWonPark/Detection/internal/volume"
)

// Checkpointer persists the sources accepted so far. Writes must be
// idempotent: every call overwrites the previous checkpoint.
type Checkpointer interface {
	Checkpoint(sources []Source) error
}

type state int

const (
	searching state = iota
	candidateFound
	growing
	accepted
	rejected
	done
)

func (s state) String() string {
	return [...]string{"searching", "candidate found", "growing", "accepted", "rejected", "done"}[s]
}

// Sequential extracts one source per iteration.
type Sequential struct {
	params Params
	log    *logger.Logger
	ckpt   Checkpointer
}

// NewSequential returns an extractor. ckpt may be nil.
func NewSequential(p Params, log *logger.Logger, ckpt Checkpointer) *Sequential {
	return &Sequential{params: p, log: log.With("extract"), ckpt: ckpt}
}

// Run extracts sources from mov, subtracting each from mov and updating vmap
// in place. It stops when the strongest remaining peak is below PeakThresh,
// after MaxIter sources, or when ctx is done between iterations.
func (s *Sequential) Run(ctx context.Context, mov *volume.Movie, vmap *volume.Volume) (*Result, error) {
	if err := volume.SameShape(mov.Shape, vmap); err != nil {
		return nil, err
	}

	p := s.params
	vmin := vmap.Min()
	res := &Result{}

	s.log.Log(1, "starting extraction with peak_thresh %.3f and activity_thresh %.3f", p.PeakThresh, p.ActivityThresh)

	var (
		st   = searching
		peak Peak
		cand *Candidate
		err  error
	)
	for st != done {
		switch st {
		case searching:
			if len(res.Sources) >= p.MaxIter {
				st = done
				break
			}
			if err = ctx.Err(); err != nil {
				st = done
				break
			}
			peak = FindTop(vmap, p.SeedXY, p.SeedZ)
			res.Iterations++
			if peak.Value < p.PeakThresh {
				st = rejected
			} else {
				st = candidateFound
			}

		case candidateFound:
			cand = newCandidate(peak, mov, p)
			st = growing

		case growing:
			cand.grow(mov, p, s.log)
			if len(cand.Active) == 0 {
				s.log.Warning("accepting source with no active frames", logger.Fields{"index": len(res.Sources)})
			}
			st = accepted

		case accepted:
			src := accept(cand, len(res.Sources), mov, vmap, p, vmin)
			res.Sources = append(res.Sources, src)
			s.log.Log(2, "added cell %d at %v, peak %.3f, %d frames, %d pixels",
				len(res.Sources), src.MedPatch, src.PeakVal, len(src.ActiveFrames), len(src.Coords))
			if p.CheckpointEvery > 0 && len(res.Sources)%p.CheckpointEvery == 0 {
				s.checkpoint(res.Sources)
			}
			st = searching

		case rejected:
			s.log.Log(2, "iter %04d: peak is too small (%.3f), ending extraction", res.Iterations-1, peak.Value)
			st = done
		}
	}

	s.checkpoint(res.Sources)
	s.log.Log(1, "found %d cells in %d iterations", len(res.Sources), res.Iterations)
	return res, err
}

func (s *Sequential) checkpoint(sources []Source) {
	if s.ckpt == nil {
		return
	}
	if err := s.ckpt.Checkpoint(sources); err != nil {
		s.log.Error("checkpoint failed, continuing without it", err, logger.Fields{"sources": len(sources)})
	}
}
