package io

import (
	"bytes"
	"fmt"
	stdio "io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/KyungWonPark/Detection/internal/errs"
	"github.com/KyungWonPark/Detection/internal/volume"
	"github.com/gonum/matrix/mat64"
	"github.com/klauspost/compress/zstd"
	"github.com/kshedden/gonpy"
)

// CompressedSuffix marks npy files stored zstd compressed.
const CompressedSuffix = ".zst"

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil)
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

type bufferCloser struct {
	*bytes.Buffer
}

func (bufferCloser) Close() error { return nil }

// npyWriter opens a gonpy writer on path. Compressed paths are buffered and
// flushed by the returned finish func.
func npyWriter(path string) (*gonpy.NpyWriter, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("create dir for %s: %v: %w", path, err, errs.ErrIO)
	}

	if !strings.HasSuffix(path, CompressedSuffix) {
		w, err := gonpy.NewFileWriter(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %v: %w", path, err, errs.ErrIO)
		}
		return w, func() error { return nil }, nil
	}

	buf := bufferCloser{new(bytes.Buffer)}
	w, err := gonpy.NewWriter(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %v: %w", path, err, errs.ErrIO)
	}
	finish := func() error {
		enc, _, err := codecs()
		if err != nil {
			return fmt.Errorf("zstd: %v: %w", err, errs.ErrIO)
		}
		if err := os.WriteFile(path, enc.EncodeAll(buf.Bytes(), nil), 0644); err != nil {
			return fmt.Errorf("write %s: %v: %w", path, err, errs.ErrIO)
		}
		return nil
	}
	return w, finish, nil
}

func npyReader(path string) (*gonpy.NpyReader, error) {
	if !strings.HasSuffix(path, CompressedSuffix) {
		r, err := gonpy.NewFileReader(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %v: %w", path, err, errs.ErrIO)
		}
		return r, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v: %w", path, err, errs.ErrIO)
	}
	_, dec, err := codecs()
	if err != nil {
		return nil, fmt.Errorf("zstd: %v: %w", err, errs.ErrIO)
	}
	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s: %v: %w", path, err, errs.ErrIO)
	}
	var src stdio.Reader = bytes.NewReader(data)
	r, err := gonpy.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", path, err, errs.ErrIO)
	}
	return r, nil
}

// WriteFloat64 writes data with the given shape to an npy file, zstd
// compressed when path ends in .zst. Existing files are overwritten.
func WriteFloat64(path string, shape []int, data []float64) error {
	w, finish, err := npyWriter(path)
	if err != nil {
		return err
	}
	w.Shape = shape
	w.Version = 2
	if err := w.WriteFloat64(data); err != nil {
		return fmt.Errorf("write %s: %v: %w", path, err, errs.ErrIO)
	}
	return finish()
}

// WriteInt64 is WriteFloat64 for integer arrays.
func WriteInt64(path string, shape []int, data []int64) error {
	w, finish, err := npyWriter(path)
	if err != nil {
		return err
	}
	w.Shape = shape
	w.Version = 2
	if err := w.WriteInt64(data); err != nil {
		return fmt.Errorf("write %s: %v: %w", path, err, errs.ErrIO)
	}
	return finish()
}

// ReadFloat64 reads a float64 npy file and its shape.
func ReadFloat64(path string) ([]int, []float64, error) {
	r, err := npyReader(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := r.GetFloat64()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %v: %w", path, err, errs.ErrIO)
	}
	return r.Shape, data, nil
}

// ReadInt64 reads an int64 npy file and its shape.
func ReadInt64(path string) ([]int, []int64, error) {
	r, err := npyReader(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := r.GetInt64()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %v: %w", path, err, errs.ErrIO)
	}
	return r.Shape, data, nil
}

// Mat64toNpy writes mat64 matrix to Python numpy npy binary file
func Mat64toNpy(path string, matrix *mat64.Dense) error {
	rows, cols := matrix.Dims()
	rawMat := matrix.RawMatrix()

	data := rawMat.Data
	if rawMat.Stride != cols {
		data = make([]float64, 0, rows*cols)
		for i := 0; i < rows; i++ {
			data = append(data, matrix.RawRowView(i)...)
		}
	}

	return WriteFloat64(path, []int{rows, cols}, data[:rows*cols])
}

// NpytoMat64 reads Python numpy npy binary file as mat64 matrix
func NpytoMat64(path string) (*mat64.Dense, error) {
	shape, data, err := ReadFloat64(path)
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 {
		return nil, fmt.Errorf("%s has shape %v, want 2 axes: %w", path, shape, errs.ErrShape)
	}

	return mat64.NewDense(shape[0], shape[1], data), nil
}

// VolumeToNpy writes a (z, y, x) volume.
func VolumeToNpy(path string, v *volume.Volume) error {
	return WriteFloat64(path, []int{v.Shape.NZ, v.Shape.NY, v.Shape.NX}, v.Data)
}

// NpyToVolume reads a (z, y, x) volume.
func NpyToVolume(path string) (*volume.Volume, error) {
	shape, data, err := ReadFloat64(path)
	if err != nil {
		return nil, err
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("%s has shape %v, want 3 axes: %w", path, shape, errs.ErrShape)
	}
	return &volume.Volume{Shape: volume.Shape{NZ: shape[0], NY: shape[1], NX: shape[2]}, Data: data}, nil
}

// MovieToNpy writes a movie as a (t, z, y, x) array.
func MovieToNpy(path string, m *volume.Movie) error {
	s := m.Shape
	return WriteFloat64(path, []int{m.NT(), s.NZ, s.NY, s.NX}, m.Raw())
}
