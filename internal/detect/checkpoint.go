package detect

import (
	"fmt"
	"path/filepath"

	"github.com/KyungWonPark/Detection/internal/errs"
	dio "github.com/KyungWonPark/Detection/internal/io"
	"github.com/KyungWonPark/Detection/internal/volume"
)

// Checkpoint file names. Sources are stored as flat tables keyed by index.
const (
	MetaFile     = "stats_meta.npy"
	CoordsFile   = "stats_coords.npy"
	ActiveFile   = "stats_active.npy"
	NeuropilFile = "stats_npil.npy"
	IsCellFile   = "iscell.npy"
)

const (
	metaCols   = 9
	coordsCols = 8
	npilCols   = 7
)

// NpyCheckpoint writes sources as npy tables into Dir:
//
//	stats_meta.npy    (n, 9)   index, med z y x, med patch z y x, peak, threshold
//	stats_coords.npy  (v, 8)   index, z y x, patch z y x, weight
//	stats_active.npy  (f, 2)   index, frame
//	iscell.npy        (n, 2)   all ones
type NpyCheckpoint struct {
	Dir string

	// Compress appends .zst and zstd compresses every table
	Compress bool
}

func (c NpyCheckpoint) path(name string) string {
	p := filepath.Join(c.Dir, name)
	if c.Compress {
		p += dio.CompressedSuffix
	}
	return p
}

// Checkpoint overwrites the tables with sources.
func (c NpyCheckpoint) Checkpoint(sources []Source) error {
	n := len(sources)
	meta := make([]float64, 0, n*metaCols)
	var coords []float64
	var active []int64
	iscell := make([]int64, 2*n)

	for i, s := range sources {
		meta = append(meta, float64(s.Index),
			float64(s.Med.Z), float64(s.Med.Y), float64(s.Med.X),
			float64(s.MedPatch.Z), float64(s.MedPatch.Y), float64(s.MedPatch.X),
			s.PeakVal, s.Threshold)
		for j, g := range s.Coords {
			pc := s.PatchCoords[j]
			coords = append(coords, float64(s.Index),
				float64(g.Z), float64(g.Y), float64(g.X),
				float64(pc.Z), float64(pc.Y), float64(pc.X),
				s.Weights[j])
		}
		for _, t := range s.ActiveFrames {
			active = append(active, int64(s.Index), int64(t))
		}
		iscell[2*i], iscell[2*i+1] = 1, 1
	}

	if err := dio.WriteFloat64(c.path(MetaFile), []int{n, metaCols}, meta); err != nil {
		return err
	}
	if err := dio.WriteFloat64(c.path(CoordsFile), []int{len(coords) / coordsCols, coordsCols}, coords); err != nil {
		return err
	}
	if err := dio.WriteInt64(c.path(ActiveFile), []int{len(active) / 2, 2}, active); err != nil {
		return err
	}
	return dio.WriteInt64(c.path(IsCellFile), []int{n, 2}, iscell)
}

// SaveNeuropil writes the checkpoint tables plus the background voxels:
//
//	stats_npil.npy    (v, 7)   index, z y x, patch z y x
func (c NpyCheckpoint) SaveNeuropil(sources []SourceWithNeuropil) error {
	plain := make([]Source, len(sources))
	var npil []int64
	for i, s := range sources {
		plain[i] = s.Source
		for j, g := range s.Neuropil {
			pc := s.NeuropilPatch[j]
			npil = append(npil, int64(s.Index),
				int64(g.Z), int64(g.Y), int64(g.X),
				int64(pc.Z), int64(pc.Y), int64(pc.X))
		}
	}
	if err := c.Checkpoint(plain); err != nil {
		return err
	}
	return dio.WriteInt64(c.path(NeuropilFile), []int{len(npil) / npilCols, npilCols}, npil)
}

// Load reads the sources of a checkpoint back in index order.
func (c NpyCheckpoint) Load() ([]Source, error) {
	mshape, meta, err := dio.ReadFloat64(c.path(MetaFile))
	if err != nil {
		return nil, err
	}
	if len(mshape) != 2 || mshape[1] != metaCols {
		return nil, fmt.Errorf("%s shape %v: %w", MetaFile, mshape, errs.ErrShape)
	}
	cshape, coords, err := dio.ReadFloat64(c.path(CoordsFile))
	if err != nil {
		return nil, err
	}
	if len(cshape) != 2 || cshape[1] != coordsCols {
		return nil, fmt.Errorf("%s shape %v: %w", CoordsFile, cshape, errs.ErrShape)
	}
	_, active, err := dio.ReadInt64(c.path(ActiveFile))
	if err != nil {
		return nil, err
	}

	n := mshape[0]
	sources := make([]Source, n)
	pos := make(map[int]int, n)
	for i := 0; i < n; i++ {
		row := meta[i*metaCols : (i+1)*metaCols]
		sources[i] = Source{
			Index:     int(row[0]),
			Med:       volume.Coord{Z: int(row[1]), Y: int(row[2]), X: int(row[3])},
			MedPatch:  volume.Coord{Z: int(row[4]), Y: int(row[5]), X: int(row[6])},
			PeakVal:   row[7],
			Threshold: row[8],
		}
		pos[sources[i].Index] = i
	}

	for r := 0; r < cshape[0]; r++ {
		row := coords[r*coordsCols : (r+1)*coordsCols]
		i, ok := pos[int(row[0])]
		if !ok {
			return nil, fmt.Errorf("%s row %d names unknown source %d: %w", CoordsFile, r, int(row[0]), errs.ErrShape)
		}
		s := &sources[i]
		s.Coords = append(s.Coords, volume.Coord{Z: int(row[1]), Y: int(row[2]), X: int(row[3])})
		s.PatchCoords = append(s.PatchCoords, volume.Coord{Z: int(row[4]), Y: int(row[5]), X: int(row[6])})
		s.Weights = append(s.Weights, row[7])
	}

	for r := 0; r+1 < len(active); r += 2 {
		if i, ok := pos[int(active[r])]; ok {
			sources[i].ActiveFrames = append(sources[i].ActiveFrames, int(active[r+1]))
		}
	}

	return sources, nil
}
