// Package model owns the trained network: loading the artifact, describing
// its input contract, and scoring preprocessed tensors.
package model

import (
	"github.com/Brownie44l1/dermascan-api/internal/hashutil"
	"github.com/Brownie44l1/dermascan-api/internal/inference"
	"github.com/Brownie44l1/dermascan-api/internal/preprocess"
)

// Backend scores one tensor and returns P(Melanoma). A Backend is loaded
// once and released with Close.
type Backend interface {
	Predict(t *preprocess.Tensor) (float32, error)
	Close() error
}

// Fingerprint identifies the artifact contents.
func Fingerprint(path string) (string, error) {
	sum, err := hashutil.Blake3File(path)
	if err != nil {
		return "", inference.New(inference.KindModelLoad, "model.fingerprint", err)
	}
	return sum, nil
}
