// Package config provides configuration loading and validation for the
// detection pipeline. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/KyungWonPark/Detection/internal/errs"
	"gopkg.in/yaml.v3"
)

// Filter kernel names.
const (
	FilterUniform  = "unif"
	FilterGaussian = "gaussian"
)

// Overlap score formulas used when allow_overlap is set.
const (
	OverlapEnergy = "energy"
	OverlapLinear = "linear"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	Movie struct {
		// Dir holds the batch files, or is the NIfTI file; falls back to $DATA
		Dir string `yaml:"dir"`

		// Format is npy or nifti
		Format string `yaml:"format"`

		// AxisOrder of stored arrays, tzyx or ztyx
		AxisOrder string `yaml:"axisOrder"`

		// Shape (t, z, y, x) of NIfTI movies
		Shape []int `yaml:"shape"`

		// Compressed batch files end in .npy.zst
		Compressed bool `yaml:"compressed"`

		// CacheSize is the number of decoded batch files kept in memory
		CacheSize int `yaml:"cacheSize"`
	} `yaml:"movie"`

	Corrmap struct {
		TBatchSize     int     `yaml:"tBatchSize"`
		TemporalHPF    int     `yaml:"temporalHpf"`
		NpilFiltXY     float64 `yaml:"npilFiltXY"`
		NpilFiltZ      float64 `yaml:"npilFiltZ"`
		NpilFiltType   string  `yaml:"npilFiltType"`
		ConvFiltXY     float64 `yaml:"convFiltXY"`
		ConvFiltZ      float64 `yaml:"convFiltZ"`
		ConvFiltType   string  `yaml:"convFiltType"`
		IntensityThres float64 `yaml:"intensityThresh"`
		DoSDNorm       bool    `yaml:"doSdnorm"`
		FixVmapEdges   bool    `yaml:"fixVmapEdges"`

		// MprocBatchSize is the number of frames per filtering task
		MprocBatchSize int `yaml:"mprocBatchsize"`

		// NumWorkers filtering the batch; 0 uses every core
		NumWorkers int `yaml:"numWorkers"`

		// SaveBatches writes the running accumulators after every batch
		SaveBatches bool `yaml:"saveBatches"`
	} `yaml:"corrmap"`

	Detection struct {
		PeakThresh       float64 `yaml:"peakThresh"`
		ActivityThresh   float64 `yaml:"activityThresh"`
		ExtendThresh     float64 `yaml:"extendThresh"`
		Percentile       float64 `yaml:"percentile"`
		RoiExtIterations int     `yaml:"roiExtIterations"`
		MaxExtIters      int     `yaml:"maxExtIters"`
		MaxPix           int     `yaml:"maxPix"`
		MaxIter          int     `yaml:"maxIter"`
		AllowOverlap     bool    `yaml:"allowOverlap"`
		OverlapScore     string  `yaml:"overlapScore"`
		ExtendZ          bool    `yaml:"extendZ"`
		SeedXY           int     `yaml:"seedXY"`
		SeedZ            int     `yaml:"seedZ"`
		ExclusionXY      int     `yaml:"exclusionXY"`
		ExclusionZ       int     `yaml:"exclusionZ"`

		// NumWorkers > 1 selects the parallel extractor
		NumWorkers int `yaml:"nWorkers"`

		// SharedMemory backs the parallel patch with a SysV segment
		SharedMemory bool `yaml:"sharedMemory"`

		CheckpointEvery int `yaml:"checkpointEvery"`

		// Offset of the patch inside the full volume (z, y, x)
		Offset []int `yaml:"offset"`
	} `yaml:"detection"`

	Neuropil struct {
		MinNeuropilPixels     int     `yaml:"minNeuropilPixels"`
		ExtendBy              []int   `yaml:"extendBy"`
		ZMaxExtension         int     `yaml:"zMaxExtension"`
		MaxNpExtIters         int     `yaml:"maxNpExtIters"`
		NpRingIterations      int     `yaml:"npRingIterations"`
		LamPercentile         float64 `yaml:"lamPercentile"`
		PercentileFilterShape []int   `yaml:"percentileFilterShape"`
		NumWorkers            int     `yaml:"numWorkers"`
	} `yaml:"neuropil"`

	Traces struct {
		BatchFrames int `yaml:"batchFrames"`
		SaveEvery   int `yaml:"saveEvery"`

		// NFrames limits extraction to the first frames; 0 means all
		NFrames int `yaml:"nFrames"`
	} `yaml:"traces"`

	Output struct {
		// Dir receives results; falls back to $RESULT
		Dir       string `yaml:"dir"`
		Verbosity int    `yaml:"verbosity"`
		Compress  bool   `yaml:"compress"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Movie.Format = "npy"
	cfg.Movie.AxisOrder = "tzyx"
	cfg.Movie.CacheSize = 2

	cfg.Corrmap.TBatchSize = 200
	cfg.Corrmap.TemporalHPF = 400
	cfg.Corrmap.NpilFiltXY = 5
	cfg.Corrmap.NpilFiltZ = 1
	cfg.Corrmap.NpilFiltType = FilterUniform
	cfg.Corrmap.ConvFiltXY = 1
	cfg.Corrmap.ConvFiltZ = 1
	cfg.Corrmap.ConvFiltType = FilterUniform
	cfg.Corrmap.IntensityThres = 0
	cfg.Corrmap.DoSDNorm = true
	cfg.Corrmap.FixVmapEdges = true
	cfg.Corrmap.MprocBatchSize = 50
	cfg.Corrmap.NumWorkers = runtime.NumCPU()

	cfg.Detection.PeakThresh = 2.5
	cfg.Detection.ActivityThresh = 2.5
	cfg.Detection.ExtendThresh = 0.2
	cfg.Detection.Percentile = 0
	cfg.Detection.RoiExtIterations = 2
	cfg.Detection.MaxExtIters = 20
	cfg.Detection.MaxPix = 250
	cfg.Detection.MaxIter = 10000
	cfg.Detection.AllowOverlap = false
	cfg.Detection.OverlapScore = OverlapEnergy
	cfg.Detection.ExtendZ = true
	cfg.Detection.SeedXY = 3
	cfg.Detection.SeedZ = 1
	cfg.Detection.ExclusionXY = 10
	cfg.Detection.ExclusionZ = 3
	cfg.Detection.NumWorkers = 1
	cfg.Detection.SharedMemory = true
	cfg.Detection.CheckpointEvery = 250
	cfg.Detection.Offset = []int{0, 0, 0}

	cfg.Neuropil.MinNeuropilPixels = 1000
	cfg.Neuropil.ExtendBy = []int{1, 3, 3}
	cfg.Neuropil.ZMaxExtension = 5
	cfg.Neuropil.MaxNpExtIters = 5
	cfg.Neuropil.NpRingIterations = 2
	cfg.Neuropil.LamPercentile = 70
	cfg.Neuropil.PercentileFilterShape = []int{3, 25, 25}
	cfg.Neuropil.NumWorkers = runtime.NumCPU()

	cfg.Traces.BatchFrames = 500
	cfg.Traces.SaveEvery = 100

	cfg.Output.Verbosity = 1

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
// Empty directories fall back to the DATA and RESULT environment variables.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %v: %w", err, errs.ErrConfiguration)
			}
		}
	}

	if cfg.Movie.Dir == "" {
		cfg.Movie.Dir = os.Getenv("DATA")
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = os.Getenv("RESULT")
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// Validate checks parameter ranges that do not depend on the movie shape.
// Window sizes are checked against the volume by the correlation map builder.
func (c *Config) Validate() error {
	bad := func(format string, args ...interface{}) error {
		return fmt.Errorf(format+": %w", append(args, errs.ErrConfiguration)...)
	}

	switch c.Movie.Format {
	case "npy", "nifti":
	default:
		return bad("unknown movie format %q", c.Movie.Format)
	}
	switch c.Movie.AxisOrder {
	case "tzyx", "ztyx":
	default:
		return bad("unknown axis order %q", c.Movie.AxisOrder)
	}
	if c.Movie.Format == "nifti" && len(c.Movie.Shape) != 4 {
		return bad("nifti movies need a 4 element shape, got %v", c.Movie.Shape)
	}

	if c.Corrmap.TBatchSize < 1 {
		return bad("tBatchSize %d", c.Corrmap.TBatchSize)
	}
	if c.Corrmap.TemporalHPF < 1 {
		return bad("temporalHpf %d", c.Corrmap.TemporalHPF)
	}
	for _, kind := range []string{c.Corrmap.NpilFiltType, c.Corrmap.ConvFiltType} {
		if kind != FilterUniform && kind != FilterGaussian {
			return bad("unknown filter type %q", kind)
		}
	}

	d := c.Detection
	if d.ExtendThresh < 0 || d.ExtendThresh > 1 {
		return bad("extendThresh %v outside [0, 1]", d.ExtendThresh)
	}
	if d.Percentile < 0 || d.Percentile > 100 {
		return bad("percentile %v outside [0, 100]", d.Percentile)
	}
	if d.MaxPix < 1 || d.MaxIter < 0 || d.RoiExtIterations < 0 || d.MaxExtIters < 0 {
		return bad("detection limits maxPix %d maxIter %d roiExtIterations %d maxExtIters %d",
			d.MaxPix, d.MaxIter, d.RoiExtIterations, d.MaxExtIters)
	}
	if d.OverlapScore != OverlapEnergy && d.OverlapScore != OverlapLinear {
		return bad("unknown overlap score %q", d.OverlapScore)
	}
	// concurrent seeds stay apart only when the exclusion window covers
	// two seeds and a gap
	if d.SeedXY < 1 || d.SeedZ < 1 || d.ExclusionXY < 2*d.SeedXY+1 || d.ExclusionZ < 2*d.SeedZ+1 {
		return bad("exclusion window %dx%d must be at least twice seed window %dx%d plus one",
			d.ExclusionXY, d.ExclusionZ, d.SeedXY, d.SeedZ)
	}
	if d.MaxPix < d.SeedXY*d.SeedXY*d.SeedZ {
		return bad("maxPix %d smaller than the %dx%dx%d seed", d.MaxPix, d.SeedXY, d.SeedXY, d.SeedZ)
	}
	if d.NumWorkers < 1 {
		return bad("nWorkers %d", d.NumWorkers)
	}
	if len(d.Offset) != 3 {
		return bad("offset needs 3 elements, got %v", d.Offset)
	}

	n := c.Neuropil
	if len(n.ExtendBy) != 3 || len(n.PercentileFilterShape) != 3 {
		return bad("neuropil extendBy and percentileFilterShape need 3 elements")
	}
	if n.LamPercentile < 0 || n.LamPercentile > 100 {
		return bad("lamPercentile %v outside [0, 100]", n.LamPercentile)
	}

	if c.Traces.BatchFrames < 1 {
		return bad("traces batchFrames %d", c.Traces.BatchFrames)
	}

	return nil
}
