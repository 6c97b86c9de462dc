package detect

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/KyungWonPark/Detection/internal/calc"
	"github.com/KyungWonPark/Detection/internal/config"
	"github.com/KyungWonPark/Detection/internal/errs"
	dio "github.com/KyungWonPark/Detection/internal/io"
	"github.com/KyungWonPark/Detection/internal/logger"
	"github.com/KyungWonPark/Detection/internal/movie"
	"github.com/KyungWonPark/Detection/internal/shmem"
	"github.com/KyungWonPark/Detection/internal/volume"
)

type blob struct {
	center     volume.Coord
	sigma, amp float64
	start, end int
}

// blobMovie is gaussian noise plus in-plane gaussian blobs active on
// [start, end).
func blobMovie(nt int, s volume.Shape, noise float64, seed int64, blobs ...blob) *volume.Movie {
	rng := rand.New(rand.NewSource(seed))
	m, _ := volume.NewMovie(nt, s, nil)
	raw := m.Raw()
	for i := range raw {
		raw[i] = noise * rng.NormFloat64()
	}
	for _, b := range blobs {
		for t := b.start; t < b.end; t++ {
			frame := m.Frame(t)
			for y := 0; y < s.NY; y++ {
				for x := 0; x < s.NX; x++ {
					dy, dx := float64(y-b.center.Y), float64(x-b.center.X)
					frame[s.Index(volume.Coord{Z: b.center.Z, Y: y, X: x})] += b.amp * math.Exp(-(dy*dy+dx*dx)/(2*b.sigma*b.sigma))
				}
			}
		}
	}
	return m
}

// energy is a stand-in score: root of the summed squared positive samples.
func energy(m *volume.Movie) *volume.Volume {
	v := volume.NewVolume(m.Shape)
	for t := 0; t < m.NT(); t++ {
		for i, x := range m.Frame(t) {
			if x > 0 {
				v.Data[i] += x * x
			}
		}
	}
	for i := range v.Data {
		v.Data[i] = math.Sqrt(v.Data[i])
	}
	return v
}

func twoBlobs() (*volume.Movie, *volume.Volume) {
	s := volume.Shape{NZ: 2, NY: 24, NX: 24}
	mov := blobMovie(100, s, 0.3, 3,
		blob{center: volume.Coord{Z: 1, Y: 6, X: 6}, sigma: 1.5, amp: 6, start: 10, end: 40},
		blob{center: volume.Coord{Z: 1, Y: 17, X: 17}, sigma: 1.5, amp: 6, start: 60, end: 90},
	)
	return mov, energy(mov)
}

func testParams() Params {
	p := DefaultParams()
	p.PeakThresh = 15
	p.ActivityThresh = 3
	p.MaxPix = 60
	return p
}

type recorder struct {
	calls int
	last  []Source
}

func (r *recorder) Checkpoint(sources []Source) error {
	r.calls++
	r.last = append([]Source(nil), sources...)
	return nil
}

type countingAlloc struct {
	releases int32
}

type countingBuffer struct {
	shmem.Buffer
	owner *countingAlloc
}

func (b countingBuffer) Release() error {
	atomic.AddInt32(&b.owner.releases, 1)
	return b.Buffer.Release()
}

func (a *countingAlloc) Alloc(n int) (shmem.Buffer, error) {
	buf, err := shmem.Heap{}.Alloc(n)
	if err != nil {
		return nil, err
	}
	return countingBuffer{Buffer: buf, owner: a}, nil
}

func TestFindTopTiesAndSeed(t *testing.T) {
	s := volume.Shape{NZ: 2, NY: 5, NX: 5}
	v := volume.NewVolume(s)
	v.Data[9] = 3
	v.Data[30] = 3

	peak := FindTop(v, 3, 1)
	if got := s.Index(peak.Center); got != 9 {
		t.Fatalf("tie went to index %d, want 9", got)
	}
	if peak.Seed.Len() != 6 {
		t.Fatalf("seed clipped at the edge has %d voxels, want 6", peak.Seed.Len())
	}
	var ss float64
	for _, w := range peak.Seed.Weights {
		ss += w * w
	}
	if math.Abs(ss-1) > 1e-12 {
		t.Errorf("seed weights have squared norm %v", ss)
	}
}

func TestFindTopNRestoresScore(t *testing.T) {
	s := volume.Shape{NZ: 4, NY: 32, NX: 32}
	rng := rand.New(rand.NewSource(11))
	v := volume.NewVolume(s)
	for i := range v.Data {
		v.Data[i] = rng.Float64()
	}
	orig := v.Clone()
	vmin := v.Min()

	for _, k := range []int{1, 3, 8} {
		peaks := FindTopN(v, k, 3, 1, 10, 3, vmin)
		if len(peaks) != k {
			t.Fatalf("k=%d: got %d peaks", k, len(peaks))
		}
		if !reflect.DeepEqual(v.Data, orig.Data) {
			t.Fatalf("k=%d: score volume not restored", k)
		}
		for i := range peaks {
			box := volume.Box(s, peaks[i].Center, 10, 3)
			for j := i + 1; j < len(peaks); j++ {
				for _, c := range box {
					if c == peaks[j].Center {
						t.Errorf("k=%d: peak %d at %v inside the exclusion box of peak %d", k, j, c, i)
					}
				}
			}
		}
	}
}

func TestActivityThreshold(t *testing.T) {
	trace := []float64{4, 1, 3, 2}
	tests := []struct {
		pct, want float64
	}{
		{0, 5},
		{50, 2.5},
		{90, 3.7},
		{100, 4},
	}
	for _, tt := range tests {
		p := DefaultParams()
		p.ActivityThresh = 5
		p.Percentile = tt.pct
		if got := activityThreshold(trace, p); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("percentile %v: threshold %v, want %v", tt.pct, got, tt.want)
		}
	}
	if got := activityThreshold([]float64{0.5, 9}, Params{ActivityThresh: 1, Percentile: 99}); got != 1 {
		t.Errorf("threshold %v above the activity threshold", got)
	}
}

func TestFindTopNSmallExclusion(t *testing.T) {
	s := volume.Shape{NZ: 1, NY: 8, NX: 8}

	for _, excl := range []int{3, 4} {
		v := volume.NewVolume(s)
		v.Set(volume.Coord{Y: 4, X: 4}, 10)
		v.Set(volume.Coord{Y: 4, X: 6}, 9)
		orig := v.Clone()

		peaks := FindTopN(v, 2, 3, 1, excl, 1, 0)
		if len(peaks) != 1 {
			t.Errorf("exclusion %d: got %d peaks, want 1", excl, len(peaks))
		}
		if !reflect.DeepEqual(v.Data, orig.Data) {
			t.Errorf("exclusion %d: score volume not restored", excl)
		}
	}

	// a peak two voxels past the seed is kept
	v := volume.NewVolume(s)
	v.Set(volume.Coord{Y: 1, X: 1}, 10)
	v.Set(volume.Coord{Y: 1, X: 5}, 9)
	peaks := FindTopN(v, 2, 3, 1, 3, 1, 0)
	if len(peaks) != 2 {
		t.Fatalf("got %d peaks, want 2", len(peaks))
	}
	for _, a := range peaks[0].Seed.Coords {
		for _, b := range peaks[1].Seed.Coords {
			if abs(a.Y-b.Y) <= 1 && abs(a.X-b.X) <= 1 {
				t.Errorf("seed voxels %v and %v touch", a, b)
			}
		}
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func TestGrowBounds(t *testing.T) {
	mov, vmap := twoBlobs()
	peak := FindTop(vmap, 3, 1)
	active := make([]int, 0, 30)
	for f := 10; f < 40; f++ {
		active = append(active, f)
	}

	t.Run("max pix", func(t *testing.T) {
		fp, _ := Grow(peak.Seed, active, mov, GrowParams{ExtendThresh: 0.05, MaxIters: 20, MaxPix: 20, ExtendZ: true})
		if fp.Len() > 20 {
			t.Fatalf("footprint has %d voxels, want at most 20", fp.Len())
		}
		var ss float64
		for _, w := range fp.Weights {
			if w <= 0 {
				t.Fatalf("non positive weight %v", w)
			}
			ss += w * w
		}
		if math.Abs(ss-1) > 1e-9 {
			t.Errorf("weights have squared norm %v", ss)
		}
	})

	t.Run("seed at max pix", func(t *testing.T) {
		fp, steps := Grow(peak.Seed, active, mov, GrowParams{ExtendThresh: 0.2, MaxIters: 20, MaxPix: peak.Seed.Len()})
		if steps != 0 {
			t.Errorf("grew %d steps from a full seed", steps)
		}
		if !reflect.DeepEqual(fp.Coords, peak.Seed.Coords) {
			t.Errorf("full seed changed to %v", fp.Coords)
		}
	})

	t.Run("no active frames", func(t *testing.T) {
		fp, steps := Grow(peak.Seed, nil, mov, GrowParams{ExtendThresh: 0.2, MaxIters: 20, MaxPix: 250})
		if steps != 0 || !reflect.DeepEqual(fp.Coords, peak.Seed.Coords) {
			t.Errorf("grew %d steps to %d voxels without active frames", steps, fp.Len())
		}
	})

	t.Run("seed above max pix", func(t *testing.T) {
		start := 10
		if peak.Center.Y > 12 {
			start = 60
		}
		var frames []int
		for f := start; f < start+30; f++ {
			frames = append(frames, f)
		}
		fp, steps := Grow(peak.Seed, frames, mov, GrowParams{ExtendThresh: 0.2, MaxIters: 20, MaxPix: 4})
		if steps != 0 || fp.Len() != 4 {
			t.Fatalf("grew %d steps to %d voxels, want 0 steps and 4 voxels", steps, fp.Len())
		}
		inSeed := make(map[volume.Coord]bool)
		for _, c := range peak.Seed.Coords {
			inSeed[c] = true
		}
		hasCenter := false
		for _, c := range fp.Coords {
			if !inSeed[c] {
				t.Errorf("voxel %v is not in the seed", c)
			}
			hasCenter = hasCenter || c == peak.Center
		}
		if !hasCenter {
			t.Errorf("most active voxel %v dropped from %v", peak.Center, fp.Coords)
		}
	})

	t.Run("seed above max pix without active frames", func(t *testing.T) {
		fp, _ := Grow(peak.Seed, nil, mov, GrowParams{ExtendThresh: 0.2, MaxIters: 20, MaxPix: 4})
		if !reflect.DeepEqual(fp.Coords, peak.Seed.Coords[:4]) {
			t.Errorf("kept %v, want the first four seed voxels", fp.Coords)
		}
	})
}

func TestUpdateScoreOverlap(t *testing.T) {
	s := volume.Shape{NZ: 1, NY: 3, NX: 3}
	mov, _ := volume.NewMovie(3, s, nil)
	center := volume.Coord{Z: 0, Y: 1, X: 1}
	for f, x := range []float64{2, 0.5, 3} {
		mov.Frame(f)[s.Index(center)] = x
	}
	cand := &Candidate{
		Footprint: Footprint{Coords: []volume.Coord{center}, Weights: []float64{1}},
		Threshold: 1,
	}

	tests := []struct {
		name  string
		score string
		want  float64
	}{
		{"energy", config.OverlapEnergy, math.Sqrt(13)},
		{"linear", config.OverlapLinear, math.Sqrt(5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vmap := volume.NewVolume(s)
			p := DefaultParams()
			p.AllowOverlap = true
			p.OverlapScore = tt.score
			updateScore(vmap, mov, cand, p, -1)
			if got := vmap.At(center); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("score %v, want %v", got, tt.want)
			}
			if vmap.At(volume.Coord{Z: 0, Y: 0, X: 1}) != 0 {
				t.Error("score outside the footprint changed")
			}
		})
	}

	t.Run("no overlap", func(t *testing.T) {
		vmap := volume.NewVolume(s)
		p := DefaultParams()
		updateScore(vmap, mov, cand, p, -1)
		for _, c := range volume.Dilate(s, cand.Footprint.Coords, true) {
			if vmap.At(c) != -1 {
				t.Errorf("voxel %v not excluded", c)
			}
		}
		if vmap.At(volume.Coord{Z: 0, Y: 0, X: 0}) != 0 {
			t.Error("corner voxel excluded")
		}
	})
}

func TestSequentialDeterministic(t *testing.T) {
	mov, vmap := twoBlobs()
	p := testParams()

	run := func() (*Result, *volume.Movie, *volume.Volume) {
		m, v := mov.Clone(), vmap.Clone()
		res, err := NewSequential(p, logger.Nop(), nil).Run(context.Background(), m, v)
		if err != nil {
			t.Fatal(err)
		}
		return res, m, v
	}

	r1, m1, v1 := run()
	r2, m2, v2 := run()
	if len(r1.Sources) == 0 {
		t.Fatal("no sources found")
	}
	if !reflect.DeepEqual(r1, r2) {
		t.Error("sources differ between runs")
	}
	if !reflect.DeepEqual(m1.Raw(), m2.Raw()) || !reflect.DeepEqual(v1.Data, v2.Data) {
		t.Error("residuals differ between runs")
	}
}

func TestSequentialExcludesFootprints(t *testing.T) {
	mov, vmap := twoBlobs()
	vmin := vmap.Min()
	res, err := NewSequential(testParams(), logger.Nop(), nil).Run(context.Background(), mov, vmap)
	if err != nil {
		t.Fatal(err)
	}
	for _, src := range res.Sources {
		for _, c := range src.PatchCoords {
			if vmap.At(c) != vmin {
				t.Errorf("source %d voxel %v still scores %v", src.Index, c, vmap.At(c))
			}
		}
	}
}

func TestSequentialMaxIterAndCheckpoints(t *testing.T) {
	mov, vmap := twoBlobs()
	p := testParams()
	p.MaxIter = 1
	p.CheckpointEvery = 1
	rec := &recorder{}

	res, err := NewSequential(p, logger.Nop(), rec).Run(context.Background(), mov, vmap)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Sources) != 1 {
		t.Fatalf("got %d sources with max_iter 1", len(res.Sources))
	}
	if rec.calls != 2 || len(rec.last) != 1 {
		t.Errorf("checkpointed %d times with %d sources", rec.calls, len(rec.last))
	}
}

func TestSequentialCancelled(t *testing.T) {
	mov, vmap := twoBlobs()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := NewSequential(testParams(), logger.Nop(), nil).Run(ctx, mov, vmap)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(res.Sources) != 0 {
		t.Errorf("extracted %d sources after cancellation", len(res.Sources))
	}
}

func TestRunRejectsShapeMismatch(t *testing.T) {
	mov, _ := twoBlobs()
	vmap := volume.NewVolume(volume.Shape{NZ: 1, NY: 24, NX: 24})
	_, err := NewSequential(testParams(), logger.Nop(), nil).Run(context.Background(), mov, vmap)
	if !errors.Is(err, errs.ErrShape) {
		t.Fatalf("expected shape error, got %v", err)
	}
}

func TestParallelSingleWorkerMatchesSequential(t *testing.T) {
	mov, vmap := twoBlobs()
	p := testParams()
	p.NumWorkers = 1

	ms, vs := mov.Clone(), vmap.Clone()
	seq, err := NewSequential(p, logger.Nop(), nil).Run(context.Background(), ms, vs)
	if err != nil {
		t.Fatal(err)
	}

	mp, vp := mov.Clone(), vmap.Clone()
	par, err := NewParallel(p, logger.Nop(), nil, shmem.Heap{}).Run(context.Background(), mp, vp)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(seq, par) {
		t.Errorf("parallel found %d sources in %d iterations, sequential %d in %d",
			len(par.Sources), par.Iterations, len(seq.Sources), seq.Iterations)
	}
	if !reflect.DeepEqual(ms.Raw(), mp.Raw()) {
		t.Error("residual movies differ")
	}
	if !reflect.DeepEqual(vs.Data, vp.Data) {
		t.Error("score volumes differ")
	}
}

func TestParallelWorkerFailure(t *testing.T) {
	mov, vmap := twoBlobs()
	p := testParams()
	p.NumWorkers = 2
	alloc := &countingAlloc{}
	rec := &recorder{}

	e := NewParallel(p, logger.Nop(), rec, alloc)
	e.inspect = func(worker int, peak Peak) {
		if worker == 1 {
			panic("boom")
		}
	}

	res, err := e.Run(context.Background(), mov, vmap)
	if !errors.Is(err, errs.ErrWorkerTask) {
		t.Fatalf("expected worker error, got %v", err)
	}
	if len(res.Sources) != 0 {
		t.Errorf("accepted %d sources from a failed round", len(res.Sources))
	}
	if n := atomic.LoadInt32(&alloc.releases); n != 1 {
		t.Errorf("buffer released %d times", n)
	}
	if rec.calls == 0 {
		t.Error("no checkpoint written after the failure")
	}
}

func TestParallelTwoWorkers(t *testing.T) {
	mov, vmap := twoBlobs()
	p := testParams()
	p.NumWorkers = 2

	res, err := NewParallel(p, logger.Nop(), nil, shmem.Heap{}).Run(context.Background(), mov, vmap)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(res.Sources))
	}
	for i, src := range res.Sources {
		if src.Index != i {
			t.Errorf("source %d has index %d", i, src.Index)
		}
	}
}

func centroid(src Source) (float64, float64, float64) {
	var z, y, x, w float64
	for i, c := range src.PatchCoords {
		z += src.Weights[i] * float64(c.Z)
		y += src.Weights[i] * float64(c.Y)
		x += src.Weights[i] * float64(c.X)
		w += src.Weights[i]
	}
	return z / w, y / w, x / w
}

func TestExtractTwoBlobs(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline run")
	}

	s := volume.Shape{NZ: 3, NY: 64, NX: 64}
	truth := []blob{
		{center: volume.Coord{Z: 1, Y: 20, X: 20}, sigma: 2, amp: 8, start: 20, end: 60},
		{center: volume.Coord{Z: 1, Y: 44, X: 44}, sigma: 2, amp: 8, start: 120, end: 160},
	}
	mov := blobMovie(200, s, 1, 5, truth...)

	cp := calc.CorrmapParams{
		TBatchSize:     100,
		TemporalHPF:    100,
		Npil:           calc.Kernel{Type: config.FilterUniform, Z: 1, XY: 15},
		Conv:           calc.Kernel{Type: config.FilterUniform, Z: 1, XY: 3},
		FixVmapEdges:   true,
		MprocBatchSize: 25,
	}
	cm, err := calc.NewCorrmapBuilder(calc.Init(1, 4), cp, logger.Nop()).Build(context.Background(), movie.FromMovie(mov))
	if err != nil {
		t.Fatal(err)
	}

	p := DefaultParams()
	p.PeakThresh = 10
	p.ActivityThresh = 5
	res, err := NewSequential(p, logger.Nop(), nil).Run(context.Background(), mov.Clone(), cm.VMap)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(res.Sources))
	}

	for _, b := range truth {
		var match *Source
		for i := range res.Sources {
			_, y, x := centroid(res.Sources[i])
			if math.Hypot(y-float64(b.center.Y), x-float64(b.center.X)) <= 2 {
				match = &res.Sources[i]
			}
		}
		if match == nil {
			t.Errorf("no source within 2 voxels of %v", b.center)
			continue
		}
		hit := 0
		for _, f := range match.ActiveFrames {
			if f >= b.start && f < b.end {
				hit++
			}
		}
		if float64(hit) < 0.9*float64(b.end-b.start) {
			t.Errorf("source at %v active on %d of %d true frames", b.center, hit, b.end-b.start)
		}
	}
}

func TestNpyCheckpointRoundTrip(t *testing.T) {
	mov, vmap := twoBlobs()
	p := testParams()
	p.Offset = volume.Coord{Z: 3, Y: 40, X: 80}
	res, err := NewSequential(p, logger.Nop(), nil).Run(context.Background(), mov, vmap)
	if err != nil {
		t.Fatal(err)
	}

	for _, compress := range []bool{false, true} {
		ckpt := NpyCheckpoint{Dir: t.TempDir(), Compress: compress}
		if err := ckpt.Checkpoint(res.Sources); err != nil {
			t.Fatal(err)
		}
		got, err := ckpt.Load()
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, res.Sources) {
			t.Errorf("compress=%v: loaded sources differ from saved", compress)
		}

		withNpil := make([]SourceWithNeuropil, len(res.Sources))
		for i, s := range res.Sources {
			withNpil[i] = SourceWithNeuropil{
				Source:        s,
				Neuropil:      []volume.Coord{s.Med},
				NeuropilPatch: []volume.Coord{s.MedPatch},
			}
		}
		if err := ckpt.SaveNeuropil(withNpil); err != nil {
			t.Fatal(err)
		}
		shape, rows, err := dio.ReadInt64(ckpt.path(NeuropilFile))
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(shape, []int{len(withNpil), 7}) || rows[1] != int64(res.Sources[0].Med.Z) {
			t.Errorf("neuropil table shape %v", shape)
		}
	}
}
