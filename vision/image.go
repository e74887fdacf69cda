// Package vision turns image files into the flat float32 tensors the image
// branch consumes: center-cropped to square, bilinearly resized to the
// target side and scaled to [0,1], laid out HWC.
package vision

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
)

// Processor decodes and normalizes images to a fixed square size.
type Processor struct {
	size int
}

// NewProcessor returns a processor producing size x size x 3 tensors.
func NewProcessor(size int) *Processor {
	return &Processor{size: size}
}

// Size returns the target side length.
func (p *Processor) Size() int { return p.size }

// Zero returns an all-zero image tensor, the substitute for missing files.
func (p *Processor) Zero() []float32 {
	return make([]float32, p.size*p.size*3)
}

// Load decodes one PNG or JPEG file and returns the normalized HWC tensor.
func (p *Processor) Load(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open image %s", path)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode image %s", path)
	}
	return p.convert(img), nil
}

// convert center-crops to square, resizes bilinearly and scales to [0,1].
func (p *Processor) convert(img image.Image) []float32 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	// Center square crop.
	side := w
	if h < side {
		side = h
	}
	x0 := bounds.Min.X + (w-side)/2
	y0 := bounds.Min.Y + (h-side)/2

	out := make([]float32, p.size*p.size*3)
	scale := float64(side) / float64(p.size)
	for ty := 0; ty < p.size; ty++ {
		sy := (float64(ty) + 0.5) * scale
		y1, fy := bilinearCoords(sy, side)
		for tx := 0; tx < p.size; tx++ {
			sx := (float64(tx) + 0.5) * scale
			x1, fx := bilinearCoords(sx, side)

			r, g, b := samplePixel(img, x0+x1, y0+y1, x0+min(x1+1, side-1), y0+min(y1+1, side-1), fx, fy)
			o := (ty*p.size + tx) * 3
			out[o] = r
			out[o+1] = g
			out[o+2] = b
		}
	}
	return out
}

// bilinearCoords maps a source coordinate to its floor index and fractional
// weight, clamped to the crop.
func bilinearCoords(s float64, side int) (int, float64) {
	s -= 0.5
	if s < 0 {
		s = 0
	}
	i := int(s)
	if i > side-1 {
		i = side - 1
	}
	return i, s - float64(i)
}

func samplePixel(img image.Image, x0, y0, x1, y1 int, fx, fy float64) (r, g, b float32) {
	r00, g00, b00 := rgbAt(img, x0, y0)
	r10, g10, b10 := rgbAt(img, x1, y0)
	r01, g01, b01 := rgbAt(img, x0, y1)
	r11, g11, b11 := rgbAt(img, x1, y1)

	lerp2 := func(v00, v10, v01, v11 float64) float32 {
		top := v00 + (v10-v00)*fx
		bot := v01 + (v11-v01)*fx
		return float32(top + (bot-top)*fy)
	}
	return lerp2(r00, r10, r01, r11), lerp2(g00, g10, g01, g11), lerp2(b00, b10, b01, b11)
}

// rgbAt reads one pixel scaled to [0,1].
func rgbAt(img image.Image, x, y int) (float64, float64, float64) {
	r, g, b, _ := img.At(x, y).RGBA()
	return float64(r) / 65535.0, float64(g) / 65535.0, float64(b) / 65535.0
}
