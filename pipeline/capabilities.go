package pipeline

import (
	coreml "github.com/gomlx/go-coreml/model"
)

// Capabilities records what optional pipeline stages the current
// environment supports. Training always runs; Core ML export is gated.
type Capabilities struct {
	CoreMLExport bool
	Reason       string // set when CoreMLExport is false
}

// DetectCapabilities probes the MIL builder with a trivial program. The
// builder is pure Go so this normally succeeds, but a broken install
// surfaces here instead of after a full training run.
func DetectCapabilities() Capabilities {
	b := coreml.NewBuilder("probe")
	x := b.Input("x", coreml.Float32, 1, 1)
	b.Output("y", b.Relu(x))
	if program := b.Build(); program == nil || b.Err() != nil {
		reason := "MIL builder probe failed"
		if err := b.Err(); err != nil {
			reason = err.Error()
		}
		return Capabilities{CoreMLExport: false, Reason: reason}
	}
	return Capabilities{CoreMLExport: true}
}
