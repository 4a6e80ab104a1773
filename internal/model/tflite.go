package model

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/mattn/go-tflite"

	"github.com/example/icba-classifier/internal/imageprocessor"
)

// TFLiteScorer runs a TensorFlow Lite conversion of the classifier.
type TFLiteScorer struct {
	mu          sync.Mutex
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
	numClasses  int
}

var _ imageprocessor.Scorer = (*TFLiteScorer)(nil)

// NewTFLiteScorer loads the model and allocates its tensors.
func NewTFLiteScorer(modelPath string, numClasses int) (*TFLiteScorer, error) {
	model := tflite.NewModelFromFile(modelPath)
	if model == nil {
		return nil, fmt.Errorf("failed to load tflite model %s", modelPath)
	}

	options := tflite.NewInterpreterOptions()
	options.SetNumThread(runtime.NumCPU())

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("failed to create tflite interpreter")
	}

	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("failed to allocate tflite tensors: status %v", status)
	}

	return &TFLiteScorer{
		model:       model,
		options:     options,
		interpreter: interpreter,
		numClasses:  numClasses,
	}, nil
}

// Score runs one forward pass.
func (s *TFLiteScorer) Score(ctx context.Context, input imageprocessor.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	in := s.interpreter.GetInputTensor(0)
	dst := in.Float32s()
	if len(input.Data) != len(dst) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input.Data), len(dst))
	}
	copy(dst, input.Data)

	if status := s.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("inference failed: status %v", status)
	}

	out := s.interpreter.GetOutputTensor(0).Float32s()
	probs := make([]float32, len(out))
	copy(probs, out)
	if err := imageprocessor.CheckOutput(probs, s.numClasses); err != nil {
		return nil, err
	}
	return probs, nil
}

// Close frees the interpreter and model.
func (s *TFLiteScorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.interpreter.Delete()
	s.options.Delete()
	s.model.Delete()
	return nil
}
