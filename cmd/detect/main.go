package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/KyungWonPark/Detection/internal/calc"
	"github.com/KyungWonPark/Detection/internal/config"
	"github.com/KyungWonPark/Detection/internal/detect"
	"github.com/KyungWonPark/Detection/internal/io"
	"github.com/KyungWonPark/Detection/internal/logger"
	"github.com/KyungWonPark/Detection/internal/movie"
	"github.com/KyungWonPark/Detection/internal/neuropil"
	"github.com/KyungWonPark/Detection/internal/shmem"
	"github.com/KyungWonPark/Detection/internal/traces"
	"github.com/KyungWonPark/Detection/internal/volume"
)

func openMovie(cfg *config.Config) (movie.Source, error) {
	m := cfg.Movie
	switch m.Format {
	case "nifti":
		l, err := movie.OpenNifti(m.Dir, m.Shape)
		if err != nil {
			return movie.Source{}, err
		}
		return movie.FromLoader(l), nil
	default:
		l, err := movie.OpenNpyFiles(m.Dir, m.AxisOrder, m.Compressed, m.CacheSize)
		if err != nil {
			return movie.Source{}, err
		}
		return movie.FromLoader(l), nil
	}
}

type extractor interface {
	Run(ctx context.Context, mov *volume.Movie, vmap *volume.Volume) (*detect.Result, error)
}

// stopped reports how far a failed extraction got.
func stopped(res *detect.Result, dir string) string {
	return fmt.Sprintf("Extraction stopped after %d iterations with %d sources, see %s", res.Iterations, len(res.Sources), dir)
}

func main() {
	configPath := "detect.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	lg := logger.NewConsole(cfg.Output.Verbosity)
	RESULTDIR := cfg.Output.Dir
	if err := os.MkdirAll(RESULTDIR, 0755); err != nil {
		log.Fatal(err)
	}
	save := func(name string) string {
		p := filepath.Join(RESULTDIR, name)
		if cfg.Output.Compress {
			p += io.CompressedSuffix
		}
		return p
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	src, err := openMovie(cfg)
	if err != nil {
		log.Fatal(err)
	}
	lg.Info("movie opened", logger.Fields{"kind": src.Kind().String(), "frames": src.NT(), "shape": src.Shape().String()})

	// Correlation map
	cp := calc.CorrmapParamsFromConfig(cfg, filepath.Join(RESULTDIR, "corrmap"))
	cp.KeepFiltered = true
	pl := calc.Init(1, cfg.Corrmap.NumWorkers)
	lg.Log(1, "filtering on %d workers", pl.GetNP())
	builder := calc.NewCorrmapBuilder(pl, cp, lg)
	cm, err := builder.Build(ctx, src)
	if err != nil {
		log.Fatal(err)
	}
	for name, v := range map[string]*volume.Volume{"vmap.npy": cm.VMap, "mean_img.npy": cm.Mean, "max_img.npy": cm.Max} {
		if err := io.VolumeToNpy(save(name), v); err != nil {
			log.Fatal(err)
		}
	}
	if cfg.Corrmap.SaveBatches {
		if err := io.MovieToNpy(save("mov_sub.npy"), cm.Filtered); err != nil {
			log.Fatal(err)
		}
	}
	fmt.Println("Correlation map complete")

	// Source extraction
	p := detect.ParamsFromConfig(cfg)
	ckpt := detect.NpyCheckpoint{Dir: RESULTDIR, Compress: cfg.Output.Compress}
	var ex extractor
	if p.NumWorkers > 1 {
		var alloc shmem.Allocator = shmem.Heap{}
		if cfg.Detection.SharedMemory {
			alloc = shmem.SysV{}
		}
		ex = detect.NewParallel(p, lg, ckpt, alloc)
	} else {
		ex = detect.NewSequential(p, lg, ckpt)
	}

	vmap := cm.VMap.Clone()
	res, err := ex.Run(ctx, cm.Filtered, vmap)
	if err != nil {
		if res != nil {
			fmt.Println(stopped(res, RESULTDIR))
		}
		log.Fatal(err)
	}
	fmt.Printf("Extracted %d sources in %d iterations\n", len(res.Sources), res.Iterations)
	if len(res.Sources) == 0 {
		return
	}

	// Neuropil
	npb := neuropil.NewBuilder(neuropil.ParamsFromConfig(cfg), lg)
	sources := npb.Build(res.Sources, src.Shape(), p.Offset)
	if err := ckpt.SaveNeuropil(sources); err != nil {
		log.Fatal(err)
	}

	// Traces
	opts := traces.Options{
		BatchFrames: cfg.Traces.BatchFrames,
		SaveEvery:   cfg.Traces.SaveEvery,
		SaveDir:     RESULTDIR,
		NFrames:     cfg.Traces.NFrames,
		NumWorkers:  cfg.Neuropil.NumWorkers,
	}
	F, Fneu, err := traces.Extract(ctx, src, traces.PatchROIs(sources), opts, lg)
	if err != nil {
		log.Fatal(err)
	}
	if err := traces.Save(RESULTDIR, F, Fneu); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Detection complete")
	return
}
