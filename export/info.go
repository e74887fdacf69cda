package export

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/visagelab/facetrain/model"
)

// ModelInfo is the companion metadata the consuming app reads alongside
// the exported package.
type ModelInfo struct {
	Architecture    string   `json:"architecture"`
	InputImageSize  int      `json:"input_image_size"`
	MetadataFeats   int      `json:"metadata_features"`
	ARKitFeats      int      `json:"arkit_features"`
	Outputs         []string `json:"outputs"`
	Quantization    string   `json:"quantization"`
	Parameters      int64    `json:"parameters"`
}

// NewModelInfo describes the architecture; parameters comes from the
// checkpoint so it reflects the trained weights, not just the config.
func NewModelInfo(cfg model.Config, parameters int64, quantize bool) ModelInfo {
	quantization := "none"
	if quantize {
		quantization = "16-bit"
	}
	return ModelInfo{
		Architecture:   "multi_branch_fusion",
		InputImageSize: cfg.ImageSize,
		MetadataFeats:  cfg.MetadataFeatures,
		ARKitFeats:     cfg.MeasurementFeatures,
		Outputs:        model.OutputNames,
		Quantization:   quantization,
		Parameters:     parameters,
	}
}

// WriteModelInfo writes <outputDir>/model_info.json.
func WriteModelInfo(outputDir string, info ModelInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding model info")
	}
	path := filepath.Join(outputDir, "model_info.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}
