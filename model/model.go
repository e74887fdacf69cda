// Package model defines the multi-modal network as a gomlx graph function
// plus a declarative architecture Config. The Config is the single
// description of the architecture: the trainer builds the training graph
// from it and the exporter rebuilds the equivalent inference graph from it,
// so the two can never drift apart.
package model

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"

	"github.com/visagelab/facetrain/features"
)

// Config declares the architecture dimensions. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	ImageSize     int // input side length, pixels
	ImageChannels int
	ImageFilters  int // conv filters in the image stem
	ImageEmbed    int // image branch output width

	MetadataFeatures    int
	MeasurementFeatures int
	TabularHidden       int // hidden width of both tabular branches
	TabularEmbed        int // tabular branch output width

	FusionHidden int
	FusionOutput int

	HeadHidden       int // angle and category head hidden width
	ConfidenceHidden int
	NumCategories    int

	TabularDropout float64
	FusionDropout  float64
}

// DefaultConfig mirrors the deployed architecture: a small convolutional
// image stem standing in for the MobileNetV2 backbone, 64-wide tabular
// embeddings and a 512/256 fusion trunk.
func DefaultConfig() Config {
	return Config{
		ImageSize:     224,
		ImageChannels: 3,
		ImageFilters:  32,
		ImageEmbed:    1280,

		MetadataFeatures:    features.MetadataFeatures,
		MeasurementFeatures: features.MeasurementFeatures,
		TabularHidden:       32,
		TabularEmbed:        64,

		FusionHidden: 512,
		FusionOutput: 256,

		HeadHidden:       128,
		ConfidenceHidden: 64,
		NumCategories:    3,

		TabularDropout: 0.2,
		FusionDropout:  0.3,
	}
}

// Canonical variable scopes. Checkpoints key weights by
// "<scope>/weights" and "<scope>/biases"; the exporter looks them up by the
// same names.
const (
	ScopeImageConv      = "image_backbone/conv"
	ScopeImageEmbed     = "image_backbone/embed"
	ScopeMetadataHidden = "metadata_embedding/hidden"
	ScopeMetadataOut    = "metadata_embedding/out"
	ScopeMeasureHidden  = "arkit_embedding/hidden"
	ScopeMeasureOut     = "arkit_embedding/out"
	ScopeFusionHidden   = "fusion/hidden"
	ScopeFusionOut      = "fusion/out"
	ScopeAngleHidden    = "angle_head/hidden"
	ScopeAngleOut       = "angle_head/out"
	ScopeCategoryHidden = "category_head/hidden"
	ScopeCategoryOut    = "category_head/out"
	ScopeConfHidden     = "confidence_head/hidden"
	ScopeConfOut        = "confidence_head/out"
)

// DenseLayer describes one fully-connected layer of the architecture.
type DenseLayer struct {
	Scope   string
	In, Out int
}

// DenseLayers lists every dense layer in forward order. The exporter walks
// this list to rebuild the graph; ParameterCount sums it.
func (c Config) DenseLayers() []DenseLayer {
	fusionIn := c.ImageEmbed + 2*c.TabularEmbed
	return []DenseLayer{
		{ScopeImageEmbed, c.ImageFilters, c.ImageEmbed},
		{ScopeMetadataHidden, c.MetadataFeatures, c.TabularHidden},
		{ScopeMetadataOut, c.TabularHidden, c.TabularEmbed},
		{ScopeMeasureHidden, c.MeasurementFeatures, c.TabularHidden},
		{ScopeMeasureOut, c.TabularHidden, c.TabularEmbed},
		{ScopeFusionHidden, fusionIn, c.FusionHidden},
		{ScopeFusionOut, c.FusionHidden, c.FusionOutput},
		{ScopeAngleHidden, c.FusionOutput, c.HeadHidden},
		{ScopeAngleOut, c.HeadHidden, 1},
		{ScopeCategoryHidden, c.FusionOutput, c.HeadHidden},
		{ScopeCategoryOut, c.HeadHidden, c.NumCategories},
		{ScopeConfHidden, c.FusionOutput, c.ConfidenceHidden},
		{ScopeConfOut, c.ConfidenceHidden, 1},
	}
}

// ParameterCount returns the number of learnable scalars in the
// architecture (conv stem plus all dense layers, weights and biases).
func (c Config) ParameterCount() int64 {
	// Conv stem: KxKxCin kernels per filter plus one bias per filter.
	count := int64(convKernelSize*convKernelSize*c.ImageChannels*c.ImageFilters + c.ImageFilters)
	for _, l := range c.DenseLayers() {
		count += int64(l.In*l.Out + l.Out)
	}
	return count
}

// OutputNames lists the model outputs in declaration order, shared with the
// exported artifact.
var OutputNames = []string{"angle", "category_logits", "confidence"}

const convKernelSize = 3

// Forward builds the multi-branch graph on the given context. Inputs:
// image [batch, size, size, channels], metadata [batch, MetadataFeatures],
// measurements [batch, MeasurementFeatures]. Returns angle [batch, 1],
// category logits [batch, NumCategories] and confidence [batch, 1] in
// [0,1]. Dropout is active only when the context builds the graph in
// training mode.
func Forward(ctx *context.Context, cfg Config, image, metadata, measurements *graph.Node) (angle, logits, confidence *graph.Node) {
	// Image branch: conv stem, global average pool, embed.
	x := layers.Convolution(scoped(ctx, ScopeImageConv), image).
		Filters(cfg.ImageFilters).
		KernelSize(convKernelSize).
		PadSame().
		Done()
	x = activations.Relu(x)
	x = graph.ReduceMean(x, 1, 2) // pool over height and width: [batch, filters]
	imageEmb := layers.Dense(scoped(ctx, ScopeImageEmbed), x, true, cfg.ImageEmbed)

	metaEmb := tabularBranch(ctx, cfg, metadata, ScopeMetadataHidden, ScopeMetadataOut)
	measEmb := tabularBranch(ctx, cfg, measurements, ScopeMeasureHidden, ScopeMeasureOut)

	fused := graph.Concatenate([]*graph.Node{imageEmb, metaEmb, measEmb}, -1)
	fused = activations.Relu(layers.Dense(scoped(ctx, ScopeFusionHidden), fused, true, cfg.FusionHidden))
	fused = layers.DropoutStatic(ctx, fused, cfg.FusionDropout)
	fused = activations.Relu(layers.Dense(scoped(ctx, ScopeFusionOut), fused, true, cfg.FusionOutput))
	fused = layers.DropoutStatic(ctx, fused, cfg.FusionDropout)

	angle = head(ctx, fused, ScopeAngleHidden, ScopeAngleOut, cfg.HeadHidden, 1)
	logits = head(ctx, fused, ScopeCategoryHidden, ScopeCategoryOut, cfg.HeadHidden, cfg.NumCategories)
	confidence = graph.Sigmoid(head(ctx, fused, ScopeConfHidden, ScopeConfOut, cfg.ConfidenceHidden, 1))
	return angle, logits, confidence
}

func tabularBranch(ctx *context.Context, cfg Config, in *graph.Node, hiddenScope, outScope string) *graph.Node {
	h := activations.Relu(layers.Dense(scoped(ctx, hiddenScope), in, true, cfg.TabularHidden))
	h = layers.DropoutStatic(ctx, h, cfg.TabularDropout)
	return layers.Dense(scoped(ctx, outScope), h, true, cfg.TabularEmbed)
}

func head(ctx *context.Context, in *graph.Node, hiddenScope, outScope string, hidden, out int) *graph.Node {
	h := activations.Relu(layers.Dense(scoped(ctx, hiddenScope), in, true, hidden))
	return layers.Dense(scoped(ctx, outScope), h, true, out)
}

// scoped descends the context through a "/"-separated scope path.
func scoped(ctx *context.Context, scope string) *context.Context {
	for _, part := range strings.Split(scope, "/") {
		ctx = ctx.In(part)
	}
	return ctx
}
