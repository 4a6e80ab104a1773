package imageprocessor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// ErrEmptyImage is returned when a file decodes to an image without pixels.
var ErrEmptyImage = errors.New("decoded image is empty")

// Tensor is a dense float32 input for the classifier, NHWC with BGR channels.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Scorer is the pretrained network: it maps one input tensor to class probabilities.
type Scorer interface {
	Score(ctx context.Context, input Tensor) ([]float32, error)
	Close() error
}

// Decode reads an image in any of the supported formats, honouring EXIF orientation.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	return img, nil
}

// ToTensor resizes img to size×size with bilinear interpolation and lays the
// pixels out as a [1, size, size, 3] tensor in BGR order with values in 0..255.
func ToTensor(img image.Image, size int) Tensor {
	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	bounds := resized.Bounds()

	data := make([]float32, size*size*3)
	i := 0
	for y := bounds.Min.Y; y < bounds.Min.Y+size; y++ {
		for x := bounds.Min.X; x < bounds.Min.X+size; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			data[i] = float32(b >> 8)
			data[i+1] = float32(g >> 8)
			data[i+2] = float32(r >> 8)
			i += 3
		}
	}

	return Tensor{
		Shape: []int64{1, int64(size), int64(size), 3},
		Data:  data,
	}
}

// Argmax returns the index and value of the largest probability.
// Ties resolve to the lowest index.
func Argmax(probs []float32) (int, float32, error) {
	if len(probs) == 0 {
		return -1, 0, errors.New("empty probability vector")
	}
	maxIdx := 0
	maxVal := probs[0]
	for i, p := range probs[1:] {
		if p > maxVal {
			maxVal = p
			maxIdx = i + 1
		}
	}
	return maxIdx, maxVal, nil
}

// ConfidencePercent converts a probability to floor(p*100), clamped to [0, 100].
func ConfidencePercent(p float32) int {
	v := math.Floor(float64(p) * 100)
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	}
	return int(v)
}

// CheckOutput verifies a scorer returned one probability per class.
func CheckOutput(probs []float32, numClasses int) error {
	if len(probs) != numClasses {
		return fmt.Errorf("scorer returned %d values, want %d", len(probs), numClasses)
	}
	return nil
}
