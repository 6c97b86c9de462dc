package movie

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/KyungWonPark/Detection/internal/errs"
	dio "github.com/KyungWonPark/Detection/internal/io"
	"github.com/KyungWonPark/Detection/internal/volume"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Axis orders of stored batch files.
const (
	AxisTZYX = "tzyx"
	AxisZTYX = "ztyx"
)

// NpyFiles is a movie split over consecutive 4-D npy batch files in one
// directory, read in name order. Decoded files are kept in an LRU cache.
type NpyFiles struct {
	paths  []string
	starts []int
	nt     int
	shape  volume.Shape
	ztyx   bool
	cache  *lru.Cache[string, *volume.Movie]
}

// OpenNpyFiles indexes every .npy (or .npy.zst when compressed) file in dir.
func OpenNpyFiles(dir string, axisOrder string, compressed bool, cacheSize int) (*NpyFiles, error) {
	if axisOrder != AxisTZYX && axisOrder != AxisZTYX {
		return nil, fmt.Errorf("unknown axis order %q: %w", axisOrder, errs.ErrConfiguration)
	}
	if cacheSize < 1 {
		cacheSize = 1
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %v: %w", dir, err, errs.ErrIO)
	}
	suffix := ".npy"
	if compressed {
		suffix += dio.CompressedSuffix
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no %s files in %s: %w", suffix, dir, errs.ErrIO)
	}
	sort.Strings(paths)

	cache, err := lru.New[string, *volume.Movie](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch cache: %w", err)
	}

	l := &NpyFiles{paths: paths, ztyx: axisOrder == AxisZTYX, cache: cache}
	for i, p := range paths {
		m, err := l.file(i)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			l.shape = m.Shape
		} else if m.Shape != l.shape {
			return nil, fmt.Errorf("%s frame shape %s, want %s: %w", p, m.Shape, l.shape, errs.ErrShape)
		}
		l.starts = append(l.starts, l.nt)
		l.nt += m.NT()
	}

	return l, nil
}

func (l *NpyFiles) NT() int             { return l.nt }
func (l *NpyFiles) Shape() volume.Shape { return l.shape }

// file returns batch file i in (t, z, y, x) order.
func (l *NpyFiles) file(i int) (*volume.Movie, error) {
	path := l.paths[i]
	if m, ok := l.cache.Get(path); ok {
		return m, nil
	}

	shape, data, err := dio.ReadFloat64(path)
	if err != nil {
		return nil, err
	}
	if len(shape) != 4 {
		return nil, fmt.Errorf("%s has shape %v, want 4 axes: %w", path, shape, errs.ErrShape)
	}

	nt, nz := shape[0], shape[1]
	if l.ztyx {
		nz, nt = shape[0], shape[1]
		data = swapZT(data, nz, nt, shape[2]*shape[3])
	}
	m, err := volume.NewMovie(nt, volume.Shape{NZ: nz, NY: shape[2], NX: shape[3]}, data)
	if err != nil {
		return nil, err
	}

	l.cache.Add(path, m)
	return m, nil
}

// swapZT reorders a (z, t, plane) array into (t, z, plane).
func swapZT(data []float64, nz, nt, plane int) []float64 {
	out := make([]float64, len(data))
	for z := 0; z < nz; z++ {
		for t := 0; t < nt; t++ {
			copy(out[(t*nz+z)*plane:(t*nz+z+1)*plane], data[(z*nt+t)*plane:(z*nt+t+1)*plane])
		}
	}
	return out
}

// Load copies frames [start, end) across file boundaries.
func (l *NpyFiles) Load(start, end int) (*volume.Movie, error) {
	out, err := volume.NewMovie(end-start, l.shape, nil)
	if err != nil {
		return nil, err
	}

	first := sort.Search(len(l.starts), func(i int) bool { return l.starts[i] > start }) - 1
	for i := first; i < len(l.paths) && l.starts[i] < end; i++ {
		m, err := l.file(i)
		if err != nil {
			return nil, err
		}
		from := start - l.starts[i]
		if from < 0 {
			from = 0
		}
		to := end - l.starts[i]
		if to > m.NT() {
			to = m.NT()
		}
		for t := from; t < to; t++ {
			copy(out.Frame(l.starts[i]+t-start), m.Frame(t))
		}
	}

	return out, nil
}
