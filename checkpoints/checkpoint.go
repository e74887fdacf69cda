// Package checkpoints persists model weights as JSON snapshots. A
// checkpoint is self-contained: the exporter rebuilds the inference graph
// from its weight tensors alone, without a live training context.
package checkpoints

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// WeightTensor is one named parameter with its shape and flattened
// float32 data, row-major.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures where training stood when the snapshot was taken.
type TrainingState struct {
	Epoch       int     `json:"epoch"`
	BestValLoss float64 `json:"best_val_loss"`
}

// Metadata identifies the producing build.
type Metadata struct {
	Framework string    `json:"framework"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is a complete weight snapshot plus training state.
type Checkpoint struct {
	Weights       []WeightTensor `json:"weights"`
	TrainingState TrainingState  `json:"training_state"`
	Metadata      Metadata       `json:"metadata"`
}

// FromContext snapshots every trainable variable in the context. Weight
// names are "<scope>/<name>" with the leading scope separator trimmed,
// e.g. "fusion/hidden/weights".
func FromContext(ctx *context.Context, state TrainingState) *Checkpoint {
	ckpt := &Checkpoint{
		TrainingState: state,
		Metadata: Metadata{
			Framework: "facetrain",
			Version:   "1.0",
			CreatedAt: time.Now().UTC(),
		},
	}
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		t := v.MustValue()
		ckpt.Weights = append(ckpt.Weights, WeightTensor{
			Name:  weightName(v.Scope(), v.Name()),
			Shape: t.Shape().Dimensions,
			Data:  tensors.MustCopyFlatData[float32](t),
		})
	})
	return ckpt
}

// RestoreContext writes the checkpoint's weights back into matching
// context variables. Unknown weights are an error; variables the
// checkpoint does not cover are left untouched.
func (c *Checkpoint) RestoreContext(ctx *context.Context) error {
	for _, w := range c.Weights {
		scope, name := splitWeightName(w.Name)
		v := ctx.GetVariableByScopeAndName(scope, name)
		if v == nil {
			return errors.Errorf("checkpoint weight %q has no matching variable", w.Name)
		}
		v.SetValue(tensors.FromFlatDataAndDimensions(w.Data, w.Shape...))
	}
	return nil
}

// Weight returns the named tensor, or nil when absent.
func (c *Checkpoint) Weight(name string) *WeightTensor {
	for i := range c.Weights {
		if c.Weights[i].Name == name {
			return &c.Weights[i]
		}
	}
	return nil
}

// ParameterCount sums the scalar count over all weight tensors.
func (c *Checkpoint) ParameterCount() int64 {
	var n int64
	for _, w := range c.Weights {
		n += int64(len(w.Data))
	}
	return n
}

// Save writes the checkpoint as indented JSON.
func (c *Checkpoint) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding checkpoint")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing checkpoint %s", path)
	}
	return nil
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading checkpoint %s", path)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, errors.Wrapf(err, "decoding checkpoint %s", path)
	}
	return &ckpt, nil
}

func weightName(scope, name string) string {
	scope = strings.TrimPrefix(scope, context.ScopeSeparator)
	if scope == "" {
		return name
	}
	return scope + "/" + name
}

func splitWeightName(full string) (scope, name string) {
	i := strings.LastIndex(full, "/")
	if i < 0 {
		return context.ScopeSeparator, full
	}
	return context.ScopeSeparator + full[:i], full[i+1:]
}
