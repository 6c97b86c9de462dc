// Package volume holds the dense array types the detection pipeline works on:
// 3-D score volumes laid out (z, y, x) and 4-D movies laid out (t, z, y, x).
package volume

import (
	"fmt"
	"sort"

	"github.com/KyungWonPark/Detection/internal/errs"
)

// Shape is the (z, y, x) extent of a volume.
type Shape struct {
	NZ int
	NY int
	NX int
}

// Size returns the number of voxels.
func (s Shape) Size() int {
	return s.NZ * s.NY * s.NX
}

// PlaneSize returns the number of voxels in one z plane.
func (s Shape) PlaneSize() int {
	return s.NY * s.NX
}

// Index returns the flat row-major index of c.
func (s Shape) Index(c Coord) int {
	return (c.Z*s.NY+c.Y)*s.NX + c.X
}

// Coord is the inverse of Index.
func (s Shape) Coord(i int) Coord {
	x := i % s.NX
	i /= s.NX
	y := i % s.NY
	z := i / s.NY
	return Coord{Z: z, Y: y, X: x}
}

// Contains reports whether c lies inside the volume.
func (s Shape) Contains(c Coord) bool {
	return c.Z >= 0 && c.Z < s.NZ && c.Y >= 0 && c.Y < s.NY && c.X >= 0 && c.X < s.NX
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s.NZ, s.NY, s.NX)
}

// Coord is an integer voxel position.
type Coord struct {
	Z int
	Y int
	X int
}

// Add returns c + o.
func (c Coord) Add(o Coord) Coord {
	return Coord{Z: c.Z + o.Z, Y: c.Y + o.Y, X: c.X + o.X}
}

// Sub returns c - o.
func (c Coord) Sub(o Coord) Coord {
	return Coord{Z: c.Z - o.Z, Y: c.Y - o.Y, X: c.X - o.X}
}

// Volume is a dense (z, y, x) array of float64.
type Volume struct {
	Shape Shape
	Data  []float64
}

// NewVolume allocates a zeroed volume.
func NewVolume(s Shape) *Volume {
	return &Volume{Shape: s, Data: make([]float64, s.Size())}
}

// At returns the value at c.
func (v *Volume) At(c Coord) float64 {
	return v.Data[v.Shape.Index(c)]
}

// Set stores val at c.
func (v *Volume) Set(c Coord, val float64) {
	v.Data[v.Shape.Index(c)] = val
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume{Shape: v.Shape, Data: data}
}

// ArgMax returns the flat index and value of the largest element. Ties go to
// the lowest index.
func (v *Volume) ArgMax() (int, float64) {
	best := 0
	for i := 1; i < len(v.Data); i++ {
		if v.Data[i] > v.Data[best] {
			best = i
		}
	}
	return best, v.Data[best]
}

// Min returns the smallest element.
func (v *Volume) Min() float64 {
	m := v.Data[0]
	for _, val := range v.Data[1:] {
		if val < m {
			m = val
		}
	}
	return m
}

// Plane returns a view of z plane z.
func (v *Volume) Plane(z int) []float64 {
	n := v.Shape.PlaneSize()
	return v.Data[z*n : (z+1)*n]
}

// PlaneMean returns the mean of z plane z.
func (v *Volume) PlaneMean(z int) float64 {
	var acc float64
	plane := v.Plane(z)
	for _, val := range plane {
		acc += val
	}
	return acc / float64(len(plane))
}

// SameShape returns ErrShape unless every volume has shape s.
func SameShape(s Shape, vols ...*Volume) error {
	for _, v := range vols {
		if v.Shape != s || len(v.Data) != s.Size() {
			return fmt.Errorf("volume %s, want %s: %w", v.Shape, s, errs.ErrShape)
		}
	}
	return nil
}

// Indices converts coordinates to flat indices.
func Indices(s Shape, coords []Coord) []int {
	idx := make([]int, len(coords))
	for i, c := range coords {
		idx[i] = s.Index(c)
	}
	return idx
}

// SortCoords orders coordinates by flat index, which is (z, y, x)
// lexicographic order.
func SortCoords(s Shape, coords []Coord) {
	sort.Slice(coords, func(i, j int) bool {
		return s.Index(coords[i]) < s.Index(coords[j])
	})
}

// Dilate returns coords plus their face neighbours, clipped to s, unique and
// sorted by flat index. When withZ is false only in-plane neighbours are added.
func Dilate(s Shape, coords []Coord, withZ bool) []Coord {
	seen := make(map[int]struct{}, len(coords)*4)
	out := make([]Coord, 0, len(coords)*4)

	add := func(c Coord) {
		if !s.Contains(c) {
			return
		}
		i := s.Index(c)
		if _, ok := seen[i]; ok {
			return
		}
		seen[i] = struct{}{}
		out = append(out, c)
	}

	for _, c := range coords {
		add(c)
		if withZ {
			add(Coord{Z: c.Z - 1, Y: c.Y, X: c.X})
			add(Coord{Z: c.Z + 1, Y: c.Y, X: c.X})
		}
		add(Coord{Z: c.Z, Y: c.Y - 1, X: c.X})
		add(Coord{Z: c.Z, Y: c.Y + 1, X: c.X})
		add(Coord{Z: c.Z, Y: c.Y, X: c.X - 1})
		add(Coord{Z: c.Z, Y: c.Y, X: c.X + 1})
	}

	SortCoords(s, out)
	return out
}

// DilateN applies Dilate n times with z neighbours included.
func DilateN(s Shape, coords []Coord, n int) []Coord {
	out := coords
	for i := 0; i < n; i++ {
		out = Dilate(s, out, true)
	}
	return out
}

// Box returns every coordinate of the cuboid centred on c with the given
// widths, clipped to s, in flat index order. An odd width w spans c-w/2 to
// c+w/2; an even width has one more voxel below c than above.
func Box(s Shape, c Coord, xyWidth, zWidth int) []Coord {
	zs, ze := span(c.Z, zWidth)
	ys, ye := span(c.Y, xyWidth)
	xs, xe := span(c.X, xyWidth)

	out := make([]Coord, 0, (ze-zs)*(ye-ys)*(xe-xs))
	for z := zs; z < ze; z++ {
		for y := ys; y < ye; y++ {
			for x := xs; x < xe; x++ {
				p := Coord{Z: z, Y: y, X: x}
				if s.Contains(p) {
					out = append(out, p)
				}
			}
		}
	}
	return out
}

func span(center, width int) (int, int) {
	return center - width/2, center + (width+1)/2
}
