package main

import (
	"flag"
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/sugarme/gotch"

	"github.com/sugarme/nlseg/config"
	"github.com/sugarme/nlseg/pretrained"
)

// flag variables
var (
	ConfigPath string
	DataPath   string
	ModelPath  string
	StoreURI   string
	CacheDir   string
	OutDir     string
	Cuda       bool
	Verbose    bool
	task       string
	Device     gotch.Device
)

// command line overrides, applied on top of the config file when set
var (
	LR        float64 // base learning rate
	BatchSize int     // train batch size
	Epochs    int     // number of epochs
)

func init() {
	flag.StringVar(&ConfigPath, "config", "./configs/cityscapes_nlnet.yaml", "specify config file")
	flag.StringVar(&DataPath, "input", "./input/cityscapes", "specify dataset root directory (or archive.zip@ with use_zipreader)")
	flag.StringVar(&ModelPath, "model", "", "specify checkpoint file to load")
	flag.StringVar(&StoreURI, "store", "", "specify pretrained weight store (directory or s3://bucket/prefix), overrides network.pretrained_store")
	flag.StringVar(&CacheDir, "cache", "./cache", "specify download cache for a s3 store")
	flag.StringVar(&OutDir, "output", "./checkpoint", "specify output directory")
	flag.BoolVar(&Cuda, "cuda", false, "specify whether using CUDA or not.")
	flag.BoolVar(&Verbose, "verbose", false, "specify debug logging")
	flag.StringVar(&task, "task", "train", "specify task to run: train, test, fuse or model")
	flag.Float64Var(&LR, "lr", 0, "override solver.lr.base_lr")
	flag.IntVar(&BatchSize, "batch", 0, "override train.batch_size")
	flag.IntVar(&Epochs, "epochs", 0, "override solver.max_epoch")
}

func main() {
	flag.Parse()

	if Verbose {
		log.SetLevel(log.DebugLevel)
	}

	DataPath = absPath(DataPath)
	OutDir = absPath(OutDir)
	if ModelPath != "" {
		ModelPath = absPath(ModelPath)
	}

	Device = gotch.CPU
	if Cuda {
		Device = gotch.NewCuda().CudaIfAvailable()
	}

	cfg, err := config.Load(absPath(ConfigPath))
	if err != nil {
		log.Fatal(err)
	}
	if LR > 0 {
		cfg.Set("solver.lr.base_lr", LR)
	}
	if BatchSize > 0 {
		cfg.Set("train.batch_size", BatchSize)
	}
	if Epochs > 0 {
		cfg.Set("solver.max_epoch", Epochs)
	}

	switch task {
	case "train":
		cfg.Set("phase", string(config.PhaseTrain))
		runTrain(cfg)
	case "test":
		cfg.Set("phase", string(config.PhaseTest))
		runTest(cfg)
	case "fuse":
		cfg.Set("phase", string(config.PhaseTest))
		runFuse(cfg)
	case "model":
		cfg.Set("phase", string(config.PhaseTest))
		runCheckModel(cfg)
	default:
		err := fmt.Errorf("Unknown 'task' name. Please specify valid 'task' flag to run.\n")
		panic(err)
	}
}

// newStore resolves the pretrained store from the flag, falling back to
// network.pretrained_store.
func newStore(cfg *config.Config) pretrained.Store {
	uri := StoreURI
	if uri == "" {
		var err error
		if uri, err = cfg.StringOr("./pretrained", "network.pretrained_store"); err != nil {
			log.Fatal(err)
		}
	}
	store, err := pretrained.NewStore(uri, absPath(CacheDir))
	if err != nil {
		log.Fatal(err)
	}
	return store
}

// helper to get absolute file path
func absPath(p string) string {
	fullpath, err := filepath.Abs(p)
	if err != nil {
		log.Fatal(err)
	}
	return fullpath
}
