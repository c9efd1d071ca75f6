package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fumitoshi0524/g2pNet/data"
	"github.com/fumitoshi0524/g2pNet/nn"
	"github.com/fumitoshi0524/g2pNet/optim"
	"github.com/fumitoshi0524/g2pNet/train"
)

// runConfig couples the curriculum configuration with the model and
// optimizer hyperparameters so one JSON file describes a full run.
type runConfig struct {
	train.Config

	GraphemeDim   int
	PhonemeDim    int
	EncoderHidden int
	DecoderHidden int
	WithCTCHead   bool

	LR float64
}

func defaultRunConfig() runConfig {
	return runConfig{
		Config: train.Config{
			OutputDir:         "results",
			BatchSize:         32,
			BeamWidth:         16,
			BeamWidthValid:    4,
			MaxLenRatio:       2.0,
			EnableMetrics:     true,
			EnableCheckpoints: true,
			GradClipNorm:      5.0,
			Anneal:            "newbob",
			AnnealFactor:      0.8,
			AnnealThreshold:   0.0025,
			AnnealPatience:    0,
			Steps: []train.StepConfig{
				{
					Name:        "lexicon",
					Epochs:      50,
					TrainOrigin: "*",
					ValidOrigin: "*",
					TestOrigin:  "*",
					CTCEpochs:   10,
					CTCWeight:   0.5,
					SortMode:    "random",
				},
			},
		},
		GraphemeDim:   64,
		PhonemeDim:    512,
		EncoderHidden: 256,
		DecoderHidden: 512,
		WithCTCHead:   true,
		LR:            1e-3,
	}
}

func loadRunConfig(path string) (runConfig, error) {
	cfg := defaultRunConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func main() {
	dataPath := flag.String("data", "", "lexicon TSV: id, origin, word, phonemes [, homograph word, start, end]")
	configPath := flag.String("config", "", "JSON run configuration; defaults apply when omitted")
	outDir := flag.String("out", "", "override the configured output directory")
	flag.Parse()

	if *dataPath == "" {
		log.Fatal("missing required -data flag")
	}

	cfg, err := loadRunConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *outDir != "" {
		cfg.OutputDir = *outDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ds, err := data.LoadTSV(*dataPath)
	if err != nil {
		log.Fatalf("load dataset: %v", err)
	}
	log.Printf("loaded %d lexicon entries", ds.Len())

	genc, penc := data.BuildEncoders(ds)
	log.Printf("vocabulary: %d graphemes, %d phonemes", genc.Len(), penc.Len())

	model, err := nn.NewAttnRNN(nn.AttnRNNConfig{
		GraphemeVocab: genc.Len(),
		PhonemeVocab:  penc.Len(),
		GraphemeDim:   cfg.GraphemeDim,
		PhonemeDim:    cfg.PhonemeDim,
		EncoderHidden: cfg.EncoderHidden,
		DecoderHidden: cfg.DecoderHidden,
		WithCTCHead:   cfg.WithCTCHead,
	})
	if err != nil {
		log.Fatalf("build model: %v", err)
	}

	opt := optim.NewAdam(model.Parameters(), cfg.LR, 0.9, 0.999, 1e-8)

	driver := &train.Driver{
		Cfg:       &cfg.Config,
		Dataset:   ds,
		Model:     model,
		Optimizer: opt,
		Stepper:   model,
		Graphemes: genc,
		Phonemes:  penc,
		Logger:    train.NewStatsLogger(nil),
	}
	if err := driver.Run(); err != nil {
		log.Fatalf("training: %v", err)
	}
	log.Printf("training complete; results under %s", cfg.OutputDir)
}
