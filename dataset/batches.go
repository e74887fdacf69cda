package dataset

import (
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// ImageLoader decodes one image file into a flat float32 HWC tensor of the
// loader's fixed target size. Implemented by vision.Processor.
type ImageLoader interface {
	Load(path string) ([]float32, error)
	Zero() []float32
	Size() int
}

// Batch carries one mini-batch as device-ready tensors plus the merged-row
// indices it was built from.
type Batch struct {
	Images       *tensors.Tensor // [n, size, size, 3] float32
	Metadata     *tensors.Tensor // [n, 6] float32
	Measurements *tensors.Tensor // [n, 10] float32
	Angles       *tensors.Tensor // [n] float32
	Categories   *tensors.Tensor // [n] int32
	Indices      []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Indices) }

// Batches serves mini-batches over a fixed subset of the merged samples.
// With shuffle enabled the order is re-drawn each epoch from a generator
// seeded at construction, so a full run is reproducible given the seed.
type Batches struct {
	samples   []Sample
	indices   []int
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	loader    ImageLoader
	order     []int
	pos       int

	zeroImageWarned bool
}

// NewBatches builds a batch source over samples[indices]. A batch size
// below 1 is treated as 1; callers validate user input before it gets here.
func NewBatches(samples []Sample, indices []int, batchSize int, shuffle bool, seed int64, loader ImageLoader) *Batches {
	if batchSize < 1 {
		batchSize = 1
	}
	order := append([]int(nil), indices...)
	return &Batches{
		samples:   samples,
		indices:   indices,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		loader:    loader,
		order:     order,
	}
}

// Samples returns the number of samples served per epoch.
func (b *Batches) Samples() int { return len(b.indices) }

// NumBatches returns the number of batches per epoch, counting a trailing
// partial batch.
func (b *Batches) NumBatches() int {
	if b.batchSize <= 0 {
		return 0
	}
	return (len(b.indices) + b.batchSize - 1) / b.batchSize
}

// Reset rewinds to the start of an epoch, reshuffling when enabled.
func (b *Batches) Reset() {
	b.pos = 0
	if b.shuffle {
		b.rng.Shuffle(len(b.order), func(i, j int) {
			b.order[i], b.order[j] = b.order[j], b.order[i]
		})
	}
}

// Next returns the next batch of the epoch, or ok=false when exhausted.
func (b *Batches) Next() (batch *Batch, ok bool) {
	if b.pos >= len(b.order) {
		return nil, false
	}
	end := b.pos + b.batchSize
	if end > len(b.order) {
		end = len(b.order)
	}
	idx := b.order[b.pos:end]
	b.pos = end

	n := len(idx)
	size := b.loader.Size()
	imageLen := size * size * 3

	images := make([]float32, 0, n*imageLen)
	metadata := make([]float32, 0, n*len(b.samples[idx[0]].Metadata))
	measurements := make([]float32, 0, n*len(b.samples[idx[0]].Measurements))
	angles := make([]float32, 0, n)
	categories := make([]int32, 0, n)

	for _, i := range idx {
		s := b.samples[i]
		images = append(images, b.loadImage(s)...)
		metadata = append(metadata, s.Metadata...)
		measurements = append(measurements, s.Measurements...)
		angles = append(angles, s.Angle)
		categories = append(categories, int32(s.Category))
	}

	return &Batch{
		Images:       tensors.FromFlatDataAndDimensions(images, n, size, size, 3),
		Metadata:     tensors.FromFlatDataAndDimensions(metadata, n, len(b.samples[idx[0]].Metadata)),
		Measurements: tensors.FromFlatDataAndDimensions(measurements, n, len(b.samples[idx[0]].Measurements)),
		Angles:       tensors.FromFlatDataAndDimensions(angles, n),
		Categories:   tensors.FromFlatDataAndDimensions(categories, n),
		Indices:      append([]int(nil), idx...),
	}, true
}

// loadImage decodes the sample's image, substituting a zero-valued image for
// a missing file or a decode failure so the batch never fails on one row.
func (b *Batches) loadImage(s Sample) []float32 {
	if s.ImagePath == "" {
		return b.loader.Zero()
	}
	data, err := b.loader.Load(s.ImagePath)
	if err != nil {
		if !b.zeroImageWarned {
			klog.Warningf("substituting zero image for undecodable file(s), first: %s: %v", s.ImagePath, err)
			b.zeroImageWarned = true
		}
		return b.loader.Zero()
	}
	return data
}
