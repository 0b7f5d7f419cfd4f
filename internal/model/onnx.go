package model

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/dermascan-api/internal/inference"
	"github.com/Brownie44l1/dermascan-api/internal/preprocess"
)

// The ONNX Runtime environment is process wide; sessions share it.
var environment struct {
	mu   sync.Mutex
	refs int
}

func acquireEnvironment(libraryPath string) error {
	environment.mu.Lock()
	defer environment.mu.Unlock()

	if environment.refs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	environment.refs++
	return nil
}

func releaseEnvironment() {
	environment.mu.Lock()
	defer environment.mu.Unlock()

	environment.refs--
	if environment.refs == 0 {
		ort.DestroyEnvironment()
	}
}

// ONNXBackend runs the exported network through ONNX Runtime. The input and
// output tensors are bound to the session once, so Predict serializes calls.
type ONNXBackend struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	Metadata     Metadata
}

// LoadONNX creates a session for the artifact at modelPath.
func LoadONNX(modelPath string, meta Metadata, libraryPath string) (*ONNXBackend, error) {
	const op = "model.load_onnx"

	if _, err := os.Stat(modelPath); err != nil {
		return nil, inference.New(inference.KindModelLoad, op, err)
	}
	if err := meta.Validate(); err != nil {
		return nil, inference.New(inference.KindModelLoad, op, err)
	}
	if err := acquireEnvironment(libraryPath); err != nil {
		return nil, inference.New(inference.KindModelLoad, op, err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		releaseEnvironment()
		return nil, inference.New(inference.KindModelLoad, op, fmt.Errorf("failed to create input tensor: %w", err))
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		releaseEnvironment()
		return nil, inference.New(inference.KindModelLoad, op, fmt.Errorf("failed to create output tensor: %w", err))
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		outputTensor.Destroy()
		inputTensor.Destroy()
		releaseEnvironment()
		return nil, inference.New(inference.KindModelLoad, op, fmt.Errorf("failed to create ONNX session: %w", err))
	}

	return &ONNXBackend{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		Metadata:     meta,
	}, nil
}

func (b *ONNXBackend) Predict(t *preprocess.Tensor) (float32, error) {
	const op = "model.predict"

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return 0, inference.Errorf(inference.KindInference, op, "backend closed")
	}

	input := b.inputTensor.GetData()
	if !sameShape(t.Shape, b.Metadata.InputShape) || len(t.Data) != len(input) {
		return 0, inference.Errorf(inference.KindInference, op,
			"tensor shape %v does not match model input %v", t.Shape, b.Metadata.InputShape)
	}
	copy(input, t.Data)

	if err := b.session.Run(); err != nil {
		return 0, inference.New(inference.KindInference, op, fmt.Errorf("inference failed: %w", err))
	}

	output := b.outputTensor.GetData()
	if b.Metadata.PositiveIndex >= len(output) {
		return 0, inference.Errorf(inference.KindInference, op,
			"model produced %d values, positive index is %d", len(output), b.Metadata.PositiveIndex)
	}
	return output[b.Metadata.PositiveIndex], nil
}

func (b *ONNXBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return nil
	}
	b.session.Destroy()
	b.inputTensor.Destroy()
	b.outputTensor.Destroy()
	b.session = nil
	releaseEnvironment()
	return nil
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
