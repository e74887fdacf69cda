// Command facetrain trains the facial fat estimation model from the three
// study tables and exports it for on-device inference.
package main

import (
	"os"

	"github.com/alexflint/go-arg"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/simplego"
	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/visagelab/facetrain/pipeline"
)

type args struct {
	DataDir      string  `arg:"--data-dir,required" help:"directory holding metadata.csv, arkit_features.csv, labels.csv and images/"`
	OutputDir    string  `arg:"--output-dir" default:"./models" help:"directory for checkpoints, metrics and the exported model"`
	Epochs       int     `arg:"--epochs" default:"50" help:"number of training epochs"`
	BatchSize    int     `arg:"--batch-size" default:"32" help:"samples per batch"`
	LearningRate float64 `arg:"--learning-rate" default:"0.001" help:"Adam learning rate"`
	Quantize     bool    `arg:"--quantize" help:"round exported weights to 16-bit precision"`
	Device       string  `arg:"--device" default:"cpu" help:"compute backend: cpu or accelerated"`
	Seed         int64   `arg:"--seed" default:"42" help:"split and shuffle seed"`
}

func (args) Description() string {
	return "Trains the multi-modal facial fat model and exports a Core ML package."
}

func main() {
	klog.InitFlags(nil)

	var a args
	arg.MustParse(&a)

	cfg := pipeline.Config{
		DataDir:      a.DataDir,
		OutputDir:    a.OutputDir,
		Epochs:       a.Epochs,
		BatchSize:    a.BatchSize,
		LearningRate: a.LearningRate,
		Quantize:     a.Quantize,
		Device:       a.Device,
		Seed:         a.Seed,
	}

	caps := pipeline.DetectCapabilities()

	// Graph construction panics deep inside the backend on invalid
	// programs; TryCatch turns those into plain errors.
	err := exceptions.TryCatch[error](func() {
		must.M(pipeline.Run(cfg, caps))
	})
	if err != nil {
		klog.Errorf("training pipeline failed: %v", err)
		os.Exit(1)
	}
}
