package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/raulk/go-watchdog"
	"github.com/schollz/progressbar/v3"
	"go.dedis.ch/onet/v3/log"

	"github.com/aartaka/GEMMA/gwas"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the run configuration")
	flag.Parse()

	config, err := gwas.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if err := os.MkdirAll(config.OutDir, 0755); err != nil {
		log.Fatalf("creating output directory: %v", err)
	}

	runtime.GOMAXPROCS(config.LocalNumThreads)

	if config.MemoryLimit > 0 {
		err, stopFn := watchdog.HeapDriven(config.MemoryLimit, 40, watchdog.NewAdaptivePolicy(0.5))
		if err != nil {
			log.Fatalf("starting heap watchdog: %v", err)
		}
		defer stopFn()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ds, err := gwas.LoadDataset(config)
	if err != nil {
		log.Fatalf("loading dataset: %v", err)
	}
	log.LLvl1(time.Now().Format(time.StampMilli), "dataset loaded:",
		config.NumInds, "individuals,", ds.NumKept, "with observed phenotype,",
		config.NumSnps, "markers")

	runner, err := gwas.NewRunner(config, ds)
	if err != nil {
		log.Fatalf("preparing null model: %v", err)
	}

	var ids []string
	if config.SnpInfoFile != "" {
		if ids, err = gwas.ReadSnpInfo(config.SnpInfoFile, config.NumSnps); err != nil {
			log.Fatalf("loading marker info: %v", err)
		}
	}

	src, err := gwas.NewGenoFileStream(config.GenoBinFile, uint64(config.NumSnps), uint64(config.NumInds), ids)
	if err != nil {
		log.Fatalf("opening genotype stream: %v", err)
	}
	if err := src.SetColFilt(ds.Keep); err != nil {
		log.Fatalf("filtering genotype stream: %v", err)
	}

	sink, err := gwas.NewAssocWriter(config.OutDir, config.OutPrefix, config.AssocOptions().Tests)
	if err != nil {
		log.Fatalf("opening output files: %v", err)
	}
	defer sink.Close()

	bar := progressbar.Default(int64(config.NumSnps), "testing markers")

	start := time.Now()
	summary, err := runner.Run(ctx, src, sink, func(n int) { bar.Add(n) })
	if err != nil {
		log.Fatalf("association run: %v", err)
	}
	bar.Finish()

	log.LLvl1(time.Now().Format(time.StampMilli), "association scan done in", time.Since(start).String())
	log.LLvl1(time.Now().Format(time.StampMilli), "tested:", summary.Tested,
		"skipped:", summary.Skipped, "non-converged:", summary.NonConverged)
	for reason, count := range summary.SkipCounts {
		log.LLvl1(time.Now().Format(time.StampMilli), "  skipped as", reason+":", count)
	}
	log.LLvl1(time.Now().Format(time.StampMilli), "genomic control lambda:", summary.GCLambda)
}
