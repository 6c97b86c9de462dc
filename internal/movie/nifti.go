package movie

import (
	"fmt"
	"os"
	"sync"

	"github.com/KyungWonPark/Detection/internal/errs"
	"github.com/KyungWonPark/Detection/internal/volume"
	"github.com/KyungWonPark/nifti"
)

// Nifti is a single 4-D NIfTI movie indexed (x, y, z, t) on disk. Its shape
// comes from configuration; the image is loaded on first use.
type Nifti struct {
	path  string
	nt    int
	shape volume.Shape

	once    sync.Once
	img     nifti.Nifti1Image
	loadErr error
}

// OpenNifti prepares a loader for path with shape (t, z, y, x).
func OpenNifti(path string, shape []int) (*Nifti, error) {
	if len(shape) != 4 {
		return nil, fmt.Errorf("nifti shape %v, want (t, z, y, x): %w", shape, errs.ErrConfiguration)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat %s: %v: %w", path, err, errs.ErrIO)
	}
	return &Nifti{
		path:  path,
		nt:    shape[0],
		shape: volume.Shape{NZ: shape[1], NY: shape[2], NX: shape[3]},
	}, nil
}

func (n *Nifti) NT() int             { return n.nt }
func (n *Nifti) Shape() volume.Shape { return n.shape }

// Load copies frames [start, end) into a (t, z, y, x) movie.
func (n *Nifti) Load(start, end int) (*volume.Movie, error) {
	n.once.Do(func() {
		n.img.LoadImage(n.path, true)
		d := n.img.GetDims()
		if d[0] != n.shape.NX || d[1] != n.shape.NY || d[2] != n.shape.NZ {
			n.loadErr = fmt.Errorf("%s holds (x, y, z) %v, want %s: %w", n.path, d[:3], n.shape, errs.ErrShape)
			return
		}
		if got := len(n.img.GetTimeSeries(0, 0, 0)); got < n.nt {
			n.loadErr = fmt.Errorf("%s holds %d frames, want %d: %w", n.path, got, n.nt, errs.ErrShape)
		}
	})
	if n.loadErr != nil {
		return nil, n.loadErr
	}
	if start < 0 || end > n.nt || start > end {
		return nil, fmt.Errorf("frames %d:%d of %d: %w", start, end, n.nt, errs.ErrShape)
	}

	out, err := volume.NewMovie(end-start, n.shape, nil)
	if err != nil {
		return nil, err
	}

	s := n.shape
	for t := start; t < end; t++ {
		frame := out.Frame(t - start)
		for z := 0; z < s.NZ; z++ {
			for y := 0; y < s.NY; y++ {
				for x := 0; x < s.NX; x++ {
					v := n.img.GetAt(uint32(x), uint32(y), uint32(z), uint32(t))
					frame[(z*s.NY+y)*s.NX+x] = float64(v)
				}
			}
		}
	}

	return out, nil
}
