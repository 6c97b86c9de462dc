package io

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/KyungWonPark/Detection/internal/errs"
	"github.com/KyungWonPark/Detection/internal/volume"
	"github.com/gonum/matrix/mat64"
)

func TestVolumeNpy(t *testing.T) {
	dir := t.TempDir()
	v := volume.NewVolume(volume.Shape{NZ: 2, NY: 3, NX: 4})
	for i := range v.Data {
		v.Data[i] = float64(i) * 0.5
	}

	for _, name := range []string{"vmap.npy", "vmap.npy.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, "sub", name)
			if err := VolumeToNpy(path, v); err != nil {
				t.Fatalf("write: %v", err)
			}
			// second write overwrites in place
			if err := VolumeToNpy(path, v); err != nil {
				t.Fatalf("rewrite: %v", err)
			}
			got, err := NpyToVolume(path)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if got.Shape != v.Shape {
				t.Fatalf("shape %v, want %v", got.Shape, v.Shape)
			}
			for i := range v.Data {
				if got.Data[i] != v.Data[i] {
					t.Fatalf("element %d: %v, want %v", i, got.Data[i], v.Data[i])
				}
			}
		})
	}
}

func TestNpytoMat64WrongRank(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.npy")
	if err := WriteFloat64(path, []int{1, 1, 2}, []float64{1, 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := NpytoMat64(path); !errors.Is(err, errs.ErrShape) {
		t.Fatalf("expected shape error, got %v", err)
	}
}

func TestInt64Npy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iscell.npy")
	if err := WriteInt64(path, []int{2, 2}, []int64{1, 1, 1, 1}); err != nil {
		t.Fatal(err)
	}
	shape, data, err := ReadInt64(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(shape) != 2 || shape[0] != 2 || shape[1] != 2 || len(data) != 4 {
		t.Fatalf("unexpected array %v %v", shape, data)
	}
}

func TestCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "F.csv")
	m := mat64.NewDense(3, 2, []float64{1, -2.5, 3e-7, 4, 5, 6})

	if err := Mat64toCSV(path, m); err != nil {
		t.Fatal(err)
	}
	got, err := CSVtoMat64(path)
	if err != nil {
		t.Fatal(err)
	}
	if !mat64.Equal(got, m) {
		t.Errorf("csv round trip mismatch:\n%v\n%v", mat64.Formatted(got), mat64.Formatted(m))
	}
}

func TestCSVBadValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	if err := os.WriteFile(path, []byte("1, 2\n3, x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := CSVtoMat64(path); !errors.Is(err, errs.ErrIO) {
		t.Fatalf("expected io error, got %v", err)
	}
}
