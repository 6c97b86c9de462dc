package calc

import (
	"fmt"
	"math"

	"github.com/KyungWonPark/Detection/internal/config"
	"github.com/KyungWonPark/Detection/internal/errs"
	"github.com/KyungWonPark/Detection/internal/volume"
)

// Kernel names a spatial filter and its (z, xy) size. Uniform kernels use
// the rounded size as window width, gaussian kernels use it as sigma.
type Kernel struct {
	Type string
	Z    float64
	XY   float64
}

const (
	uniformKernel  = config.FilterUniform
	gaussianKernel = config.FilterGaussian
)

// Validate fails with ErrConfiguration when the kernel does not fit in s.
func (k Kernel) Validate(s volume.Shape) error {
	switch k.Type {
	case uniformKernel:
		wz, wxy := int(math.Round(k.Z)), int(math.Round(k.XY))
		if wz < 1 || wxy < 1 {
			return fmt.Errorf("uniform window (%v, %v) must be at least 1: %w", k.Z, k.XY, errs.ErrConfiguration)
		}
		if wz > s.NZ || wxy > s.NY || wxy > s.NX {
			return fmt.Errorf("uniform window (%d, %d, %d) larger than volume %s: %w", wz, wxy, wxy, s, errs.ErrConfiguration)
		}
	case gaussianKernel:
		if k.Z <= 0 || k.XY <= 0 {
			return fmt.Errorf("gaussian sigma (%v, %v) must be positive: %w", k.Z, k.XY, errs.ErrConfiguration)
		}
		if k.Z > float64(s.NZ) || k.XY > float64(s.NY) || k.XY > float64(s.NX) {
			return fmt.Errorf("gaussian sigma (%v, %v) larger than volume %s: %w", k.Z, k.XY, s, errs.ErrConfiguration)
		}
	default:
		return fmt.Errorf("unknown filter type %q: %w", k.Type, errs.ErrConfiguration)
	}
	return nil
}

// kernel1d holds weights for offsets lo, lo+1, ...
type kernel1d struct {
	lo int
	w  []float64
}

func (k kernel1d) identity() bool {
	return len(k.w) == 1 && k.lo == 0
}

func uniform1d(size float64) kernel1d {
	width := int(math.Round(size))
	if width < 1 {
		width = 1
	}
	w := make([]float64, width)
	for i := range w {
		w[i] = 1
	}
	return kernel1d{lo: -(width / 2), w: w}
}

func gaussian1d(sigma float64) kernel1d {
	radius := int(4*sigma + 0.5)
	w := make([]float64, 2*radius+1)
	for i := range w {
		x := float64(i - radius)
		w[i] = math.Exp(-x * x / (2 * sigma * sigma))
	}
	return kernel1d{lo: -radius, w: w}
}

// spatialFilter smooths one (z, y, x) frame in place. Out-of-bounds taps are
// dropped and the remaining weights renormalized, so a uniform kernel yields
// the mean over the in-bounds window.
type spatialFilter struct {
	shape volume.Shape
	kz    kernel1d
	ky    kernel1d
	kx    kernel1d
	line  []float64
	out   []float64
}

func newSpatialFilter(s volume.Shape, k Kernel) *spatialFilter {
	f := &spatialFilter{shape: s}
	switch k.Type {
	case gaussianKernel:
		f.kz, f.ky = gaussian1d(k.Z), gaussian1d(k.XY)
	default:
		f.kz, f.ky = uniform1d(k.Z), uniform1d(k.XY)
	}
	f.kx = f.ky

	n := s.NZ
	if s.NY > n {
		n = s.NY
	}
	if s.NX > n {
		n = s.NX
	}
	f.line = make([]float64, n)
	f.out = make([]float64, n)
	return f
}

func (f *spatialFilter) apply(frame []float64) {
	s := f.shape
	plane := s.PlaneSize()

	if !f.kx.identity() {
		for z := 0; z < s.NZ; z++ {
			for y := 0; y < s.NY; y++ {
				f.pass(frame, (z*s.NY+y)*s.NX, 1, s.NX, f.kx)
			}
		}
	}
	if !f.ky.identity() {
		for z := 0; z < s.NZ; z++ {
			for x := 0; x < s.NX; x++ {
				f.pass(frame, z*plane+x, s.NX, s.NY, f.ky)
			}
		}
	}
	if !f.kz.identity() {
		for i := 0; i < plane; i++ {
			f.pass(frame, i, plane, s.NZ, f.kz)
		}
	}
}

func (f *spatialFilter) pass(frame []float64, base, stride, n int, k kernel1d) {
	line := f.line[:n]
	out := f.out[:n]
	for i := range line {
		line[i] = frame[base+i*stride]
	}

	for i := 0; i < n; i++ {
		var acc, norm float64
		for j, wt := range k.w {
			src := i + k.lo + j
			if src < 0 || src >= n {
				continue
			}
			acc += wt * line[src]
			norm += wt
		}
		out[i] = acc / norm
	}

	for i, v := range out {
		frame[base+i*stride] = v
	}
}

// SubConv replaces every frame of batch with x - npil(x) and returns the
// smoothed conv(x - npil(x)) as a new movie. Frames are processed in tasks of
// framesPerTask frames.
func (p *PipeLine) SubConv(batch *volume.Movie, npil, conv Kernel, framesPerTask int) *volume.Movie {
	nt := batch.NT()
	filt, _ := volume.NewMovie(nt, batch.Shape, nil)
	if framesPerTask < 1 {
		framesPerTask = 1
	}
	nTasks := (nt + framesPerTask - 1) / framesPerTask

	p.Fan(nTasks, func(task int) {
		np := newSpatialFilter(batch.Shape, npil)
		cv := newSpatialFilter(batch.Shape, conv)
		bg := make([]float64, batch.Shape.Size())

		end := (task + 1) * framesPerTask
		if end > nt {
			end = nt
		}
		for t := task * framesPerTask; t < end; t++ {
			frame := batch.Frame(t)
			copy(bg, frame)
			np.apply(bg)
			for i := range frame {
				frame[i] -= bg[i]
			}

			dst := filt.Frame(t)
			copy(dst, frame)
			cv.apply(dst)
		}
	})

	return filt
}
