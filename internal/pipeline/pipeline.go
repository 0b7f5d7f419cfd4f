// Package pipeline runs one image through preprocessing, the model and the
// classifier.
package pipeline

import (
	"context"
	"errors"
	"math"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan-api/internal/classifier"
	"github.com/Brownie44l1/dermascan-api/internal/inference"
	"github.com/Brownie44l1/dermascan-api/internal/model"
	"github.com/Brownie44l1/dermascan-api/internal/preprocess"
)

// ModelSpec locates the artifact and its runtime.
type ModelSpec struct {
	Path         string
	MetadataPath string
	LibraryPath  string
}

// Runner owns a loaded backend. It is not shared between workers.
type Runner struct {
	backend     model.Backend
	opts        preprocess.Options
	fingerprint string
	logger      *zap.Logger
}

// NewRunner wraps an already loaded backend.
func NewRunner(backend model.Backend, opts preprocess.Options, logger *zap.Logger) *Runner {
	return &Runner{backend: backend, opts: opts, logger: logger}
}

// Load reads the metadata sidecar and opens an ONNX session for spec.
func Load(spec ModelSpec, logger *zap.Logger) (*Runner, error) {
	started := time.Now()

	meta, err := model.LoadMetadata(spec.MetadataPath)
	if err != nil {
		return nil, err
	}
	opts, err := meta.PreprocessOptions()
	if err != nil {
		return nil, inference.New(inference.KindModelLoad, "pipeline.load", err)
	}

	fingerprint, err := model.Fingerprint(spec.Path)
	if err != nil {
		return nil, err
	}

	backend, err := model.LoadONNX(spec.Path, meta, spec.LibraryPath)
	if err != nil {
		return nil, err
	}

	logger.Info("model loaded",
		zap.String("path", spec.Path),
		zap.String("fingerprint", fingerprint),
		zap.Int64s("input_shape", meta.InputShape),
		zap.String("normalization", meta.Normalization),
		zap.Duration("elapsed", time.Since(started)),
	)

	r := NewRunner(backend, opts, logger)
	r.fingerprint = fingerprint
	return r, nil
}

// Fingerprint identifies the loaded artifact; empty for injected backends.
func (r *Runner) Fingerprint() string {
	return r.fingerprint
}

// Run classifies the image stored at imagePath.
func (r *Runner) Run(ctx context.Context, imagePath string) (*classifier.Result, error) {
	const op = "pipeline.run"

	if err := ctx.Err(); err != nil {
		return nil, inference.New(inference.KindTimeout, op, err)
	}

	if _, err := os.Stat(imagePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, inference.Errorf(inference.KindImageDecode, op, "Image not found: %s", imagePath)
		}
		return nil, inference.New(inference.KindImageDecode, op, err)
	}

	tensor, err := preprocess.FromFile(imagePath, r.opts)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, inference.New(inference.KindTimeout, op, err)
	}

	probability, err := r.backend.Predict(tensor)
	if err != nil {
		var kinded *inference.Error
		if !errors.As(err, &kinded) {
			err = inference.New(inference.KindInference, op, err)
		}
		return nil, err
	}
	if err := CheckProbability(probability); err != nil {
		return nil, err
	}

	result := classifier.Classify(probability)
	r.logger.Debug("image classified",
		zap.String("image_path", imagePath),
		zap.Float32("probability", probability),
		zap.String("prediction", result.Prediction),
	)
	return &result, nil
}

// Close releases the backend.
func (r *Runner) Close() error {
	return r.backend.Close()
}

// CheckProbability rejects values a sigmoid output can never produce.
func CheckProbability(p float32) error {
	v := float64(p)
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
		return inference.Errorf(inference.KindInference, "pipeline.check_probability",
			"model returned invalid probability %v", p)
	}
	return nil
}
