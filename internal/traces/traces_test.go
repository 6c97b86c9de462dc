package traces

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/KyungWonPark/Detection/internal/detect"
	"github.com/KyungWonPark/Detection/internal/errs"
	"github.com/KyungWonPark/Detection/internal/logger"
	"github.com/KyungWonPark/Detection/internal/movie"
	"github.com/KyungWonPark/Detection/internal/volume"
)

func ramp(nt int, s volume.Shape) *volume.Movie {
	m, _ := volume.NewMovie(nt, s, nil)
	for t := 0; t < nt; t++ {
		for i := range m.Frame(t) {
			m.Frame(t)[i] = float64(100*t + i)
		}
	}
	return m
}

func TestExtract(t *testing.T) {
	s := volume.Shape{NZ: 2, NY: 3, NX: 3}
	mov := ramp(10, s)

	a := volume.Coord{Z: 0, Y: 1, X: 1}
	b := volume.Coord{Z: 1, Y: 0, X: 0}
	withNpil := detect.SourceWithNeuropil{
		Source:   detect.Source{Coords: []volume.Coord{a, b}, Weights: []float64{1, 3}},
		Neuropil: []volume.Coord{{Z: 0, Y: 0, X: 0}, {Z: 0, Y: 2, X: 2}},
	}
	plain := &detect.Source{Coords: []volume.Coord{b}, Weights: []float64{0.5}}

	dir := t.TempDir()
	opts := Options{BatchFrames: 3, SaveEvery: 1, SaveDir: dir, NFrames: 7, NumWorkers: 2}
	F, Fneu, err := Extract(context.Background(), movie.FromMovie(mov), []detect.ROI{&withNpil, plain}, opts, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}

	if r, c := F.Dims(); r != 2 || c != 7 {
		t.Fatalf("F is %dx%d, want 2x7", r, c)
	}
	ia, ib := s.Index(a), s.Index(b)
	for f := 0; f < 7; f++ {
		base := float64(100 * f)
		want := 0.25*(base+float64(ia)) + 0.75*(base+float64(ib))
		if got := F.At(0, f); math.Abs(got-want) > 1e-9 {
			t.Errorf("F[0, %d] = %v, want %v", f, got, want)
		}
		if got := F.At(1, f); math.Abs(got-(base+float64(ib))) > 1e-9 {
			t.Errorf("F[1, %d] = %v", f, got)
		}
		if got := Fneu.At(0, f); math.Abs(got-(base+4)) > 1e-9 {
			t.Errorf("Fneu[0, %d] = %v, want %v", f, got, base+4)
		}
		if Fneu.At(1, f) != 0 {
			t.Errorf("source without neuropil has background %v", Fneu.At(1, f))
		}
	}

	for _, name := range []string{SignalFile, BackgroundFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("intermediate %s not written: %v", name, err)
		}
	}
}

func TestExtractRejectsOutsideFootprint(t *testing.T) {
	s := volume.Shape{NZ: 1, NY: 3, NX: 3}
	src := &detect.Source{Coords: []volume.Coord{{Z: 1, Y: 0, X: 0}}, Weights: []float64{1}}
	_, _, err := Extract(context.Background(), movie.FromMovie(ramp(4, s)), []detect.ROI{src}, Options{BatchFrames: 2}, logger.Nop())
	if !errors.Is(err, errs.ErrShape) {
		t.Fatalf("expected shape error, got %v", err)
	}
}

func TestExtractRejectsBatchSize(t *testing.T) {
	s := volume.Shape{NZ: 1, NY: 3, NX: 3}
	src := &detect.Source{Coords: []volume.Coord{{}}, Weights: []float64{1}}
	_, _, err := Extract(context.Background(), movie.FromMovie(ramp(4, s)), []detect.ROI{src}, Options{}, logger.Nop())
	if !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestPatchROIs(t *testing.T) {
	s := volume.Shape{NZ: 1, NY: 3, NX: 3}
	offset := volume.Coord{Z: 4, Y: 10, X: 10}
	c := volume.Coord{Z: 0, Y: 1, X: 2}
	np := volume.Coord{Z: 0, Y: 0, X: 0}
	sources := []detect.SourceWithNeuropil{{
		Source: detect.Source{
			Coords:      []volume.Coord{c.Add(offset)},
			PatchCoords: []volume.Coord{c},
			Weights:     []float64{2},
		},
		Neuropil:      []volume.Coord{np.Add(offset)},
		NeuropilPatch: []volume.Coord{np},
	}}

	mov := ramp(3, s)
	F, Fneu, err := Extract(context.Background(), movie.FromMovie(mov), PatchROIs(sources), Options{BatchFrames: 2}, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for f := 0; f < 3; f++ {
		if got, want := F.At(0, f), mov.At(f, c); got != want {
			t.Errorf("F[0, %d] = %v, want %v", f, got, want)
		}
		if got, want := Fneu.At(0, f), mov.At(f, np); got != want {
			t.Errorf("Fneu[0, %d] = %v, want %v", f, got, want)
		}
	}

	if _, _, err := Extract(context.Background(), movie.FromMovie(mov), []detect.ROI{&sources[0]}, Options{BatchFrames: 2}, logger.Nop()); !errors.Is(err, errs.ErrShape) {
		t.Errorf("global coordinates on a patch movie gave %v", err)
	}
}
