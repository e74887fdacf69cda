// Package export rebuilds the trained network as a Core ML MIL program
// and writes it out as an .mlpackage. The graph is reconstructed from a
// weight checkpoint, so export needs no live training context.
//
// Training runs NHWC with dense weights stored [in, out] and conv kernels
// stored HWIO; Core ML wants NCHW, dense weights [out, in] and conv
// kernels OIHW, so every tensor is re-laid-out on the way in.
package export

import (
	"path/filepath"
	"strings"

	coreml "github.com/gomlx/go-coreml/model"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/visagelab/facetrain/checkpoints"
	"github.com/visagelab/facetrain/model"
)

// PackageName is the .mlpackage directory name.
const PackageName = "FacialAnalysis.mlpackage"

// Input feature names of the exported model.
const (
	InputImage        = "image"
	InputMetadata     = "metadata"
	InputMeasurements = "arkit_features"
)

// BuildProgram assembles the MIL program for single-sample inference from
// the checkpoint's weights. When quantize is set, weights are rounded to
// 16-bit precision first.
func BuildProgram(ckpt *checkpoints.Checkpoint, cfg model.Config, quantize bool) (*coreml.Program, []coreml.FeatureSpec, []coreml.FeatureSpec, error) {
	if quantize {
		ckpt = quantizeWeights(ckpt)
	}

	b := coreml.NewBuilder("main")
	g := &milGraph{b: b, ckpt: ckpt}

	image := b.Input(InputImage, coreml.Float32, 1, int64(cfg.ImageChannels), int64(cfg.ImageSize), int64(cfg.ImageSize))
	metadata := b.Input(InputMetadata, coreml.Float32, 1, int64(cfg.MetadataFeatures))
	measurements := b.Input(InputMeasurements, coreml.Float32, 1, int64(cfg.MeasurementFeatures))

	// Image branch.
	x := g.convSame(image, model.ScopeImageConv)
	x = b.Relu(x)
	x = b.GlobalAvgPool2D(x)
	x = b.Reshape(x, []int64{1, int64(cfg.ImageFilters)})
	imageEmb := g.dense(x, model.ScopeImageEmbed)

	metaEmb := g.tabularBranch(metadata, model.ScopeMetadataHidden, model.ScopeMetadataOut)
	measEmb := g.tabularBranch(measurements, model.ScopeMeasureHidden, model.ScopeMeasureOut)

	fused := b.Concat([]*coreml.Value{imageEmb, metaEmb, measEmb}, 1)
	fused = b.Relu(g.dense(fused, model.ScopeFusionHidden))
	fused = b.Relu(g.dense(fused, model.ScopeFusionOut))

	angle := g.head(fused, model.ScopeAngleHidden, model.ScopeAngleOut)
	logits := g.head(fused, model.ScopeCategoryHidden, model.ScopeCategoryOut)
	confidence := b.Sigmoid(g.head(fused, model.ScopeConfHidden, model.ScopeConfOut))

	b.Output("angle", angle)
	b.Output("category_logits", logits)
	b.Output("confidence", confidence)

	if g.err != nil {
		return nil, nil, nil, g.err
	}
	if err := b.Err(); err != nil {
		return nil, nil, nil, errors.Wrap(err, "building MIL program")
	}

	inputs := []coreml.FeatureSpec{
		{Name: InputImage, DType: coreml.Float32, Shape: []int64{1, int64(cfg.ImageChannels), int64(cfg.ImageSize), int64(cfg.ImageSize)}},
		{Name: InputMetadata, DType: coreml.Float32, Shape: []int64{1, int64(cfg.MetadataFeatures)}},
		{Name: InputMeasurements, DType: coreml.Float32, Shape: []int64{1, int64(cfg.MeasurementFeatures)}},
	}
	outputs := []coreml.FeatureSpec{
		{Name: "angle", DType: coreml.Float32, Shape: []int64{1, 1}},
		{Name: "category_logits", DType: coreml.Float32, Shape: []int64{1, int64(cfg.NumCategories)}},
		{Name: "confidence", DType: coreml.Float32, Shape: []int64{1, 1}},
	}
	return b.Build(), inputs, outputs, nil
}

// CoreML writes the checkpoint as <outputDir>/FacialAnalysis.mlpackage and
// returns its path.
func CoreML(ckpt *checkpoints.Checkpoint, cfg model.Config, outputDir string, quantize bool) (string, error) {
	program, inputs, outputs, err := BuildProgram(ckpt, cfg, quantize)
	if err != nil {
		return "", err
	}

	opts := coreml.DefaultBlobOptions()
	m := coreml.ToModel(program, inputs, outputs, opts.SerializeOptions)

	path := filepath.Join(outputDir, PackageName)
	if err := coreml.SaveMLPackageWithBlobs(m, path, opts); err != nil {
		return "", errors.Wrapf(err, "saving %s", path)
	}
	klog.Infof("exported Core ML package: %s (quantize=%v)", path, quantize)
	return path, nil
}

// milGraph carries the builder plus the first weight-lookup error so the
// assembly code can stay linear.
type milGraph struct {
	b    *coreml.Builder
	ckpt *checkpoints.Checkpoint
	err  error
}

func (g *milGraph) weight(scope, name string) *checkpoints.WeightTensor {
	full := scope + "/" + name
	w := g.ckpt.Weight(full)
	if w == nil && g.err == nil {
		g.err = errors.Errorf("checkpoint is missing weight %q", full)
	}
	return w
}

// dense emits a linear layer. Checkpoint weights are [in, out]; MIL's
// linear op wants [out, in].
func (g *milGraph) dense(x *coreml.Value, scope string) *coreml.Value {
	w := g.weight(scope, "weights")
	bias := g.weight(scope, "biases")
	if g.err != nil {
		return x
	}
	in, out := w.Shape[0], w.Shape[1]
	wv := g.b.Const(constName(scope, "weights"), coreml.Float32, []int64{int64(out), int64(in)}, transpose2D(w.Data, in, out))
	bv := g.b.Const(constName(scope, "biases"), coreml.Float32, []int64{int64(out)}, bias.Data)
	return g.b.Linear(x, wv, bv)
}

// convSame emits a stride-1 same-padded convolution. Checkpoint kernels
// are HWIO; MIL wants OIHW.
func (g *milGraph) convSame(x *coreml.Value, scope string) *coreml.Value {
	w := g.weight(scope, "weights")
	bias := g.weight(scope, "biases")
	if g.err != nil {
		return x
	}
	kh, kw, ci, co := w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
	wv := g.b.Const(constName(scope, "weights"), coreml.Float32,
		[]int64{int64(co), int64(ci), int64(kh), int64(kw)}, hwioToOIHW(w.Data, kh, kw, ci, co))
	bv := g.b.Const(constName(scope, "biases"), coreml.Float32, []int64{int64(co)}, bias.Data)
	return g.b.ConvWithBias(x, wv, bv, []int64{1, 1}, []int64{1, 1}, coreml.ConvPadSame, nil, nil, 1)
}

func (g *milGraph) tabularBranch(x *coreml.Value, hiddenScope, outScope string) *coreml.Value {
	h := g.b.Relu(g.dense(x, hiddenScope))
	return g.dense(h, outScope)
}

func (g *milGraph) head(x *coreml.Value, hiddenScope, outScope string) *coreml.Value {
	h := g.b.Relu(g.dense(x, hiddenScope))
	return g.dense(h, outScope)
}

// constName flattens a variable scope into a legal MIL constant name.
func constName(scope, name string) string {
	return strings.ReplaceAll(scope, "/", "_") + "_" + name
}

// quantizeWeights rounds every weight through IEEE half precision,
// returning a copy. Shapes and names are preserved.
func quantizeWeights(ckpt *checkpoints.Checkpoint) *checkpoints.Checkpoint {
	out := &checkpoints.Checkpoint{
		Weights:       make([]checkpoints.WeightTensor, len(ckpt.Weights)),
		TrainingState: ckpt.TrainingState,
		Metadata:      ckpt.Metadata,
	}
	for i, w := range ckpt.Weights {
		data := make([]float32, len(w.Data))
		for j, v := range w.Data {
			data[j] = float16.Fromfloat32(v).Float32()
		}
		out.Weights[i] = checkpoints.WeightTensor{Name: w.Name, Shape: w.Shape, Data: data}
	}
	return out
}

// transpose2D converts row-major [in, out] to [out, in].
func transpose2D(data []float32, in, out int) []float32 {
	t := make([]float32, len(data))
	for i := 0; i < in; i++ {
		for o := 0; o < out; o++ {
			t[o*in+i] = data[i*out+o]
		}
	}
	return t
}

// hwioToOIHW re-lays-out a conv kernel from [kh, kw, ci, co] to
// [co, ci, kh, kw].
func hwioToOIHW(data []float32, kh, kw, ci, co int) []float32 {
	t := make([]float32, len(data))
	for h := 0; h < kh; h++ {
		for w := 0; w < kw; w++ {
			for i := 0; i < ci; i++ {
				for o := 0; o < co; o++ {
					src := ((h*kw+w)*ci+i)*co + o
					dst := ((o*ci+i)*kh+h)*kw + w
					t[dst] = data[src]
				}
			}
		}
	}
	return t
}
