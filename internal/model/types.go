package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Brownie44l1/dermascan-api/internal/inference"
	"github.com/Brownie44l1/dermascan-api/internal/preprocess"
)

// Metadata is the JSON sidecar shipped next to the exported ONNX artifact.
type Metadata struct {
	InputName     string   `json:"input_name"`
	OutputName    string   `json:"output_name"`
	InputShape    []int64  `json:"input_shape"`
	OutputShape   []int64  `json:"output_shape"`
	ImageSize     int      `json:"image_size"`
	Layout        string   `json:"layout"`
	Normalization string   `json:"normalization"`
	Interpolation string   `json:"interpolation"`
	PositiveIndex int      `json:"positive_index"`
	Classes       []string `json:"classes,omitempty"`
}

// DefaultMetadata describes the fine-tuned EfficientNet export: one sigmoid
// unit over a (1,224,224,3) batch of raw [0,255] pixels.
func DefaultMetadata() Metadata {
	return Metadata{
		InputName:     "input",
		OutputName:    "output",
		InputShape:    []int64{1, preprocess.DefaultSize, preprocess.DefaultSize, preprocess.Channels},
		OutputShape:   []int64{1, 1},
		ImageSize:     preprocess.DefaultSize,
		Layout:        string(preprocess.LayoutNHWC),
		Normalization: string(preprocess.NormalizeNone),
		Interpolation: "bicubic",
	}
}

// LoadMetadata reads the sidecar at path, filling unset fields from
// DefaultMetadata. An empty path or a missing file yields the defaults.
func LoadMetadata(path string) (Metadata, error) {
	meta := DefaultMetadata()
	if path == "" {
		return meta, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return Metadata{}, inference.New(inference.KindModelLoad, "model.read_metadata", err)
	}

	var parsed Metadata
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Metadata{}, inference.New(inference.KindModelLoad, "model.parse_metadata", err)
	}
	meta.merge(parsed)

	if err := meta.Validate(); err != nil {
		return Metadata{}, inference.New(inference.KindModelLoad, "model.validate_metadata", err)
	}
	return meta, nil
}

func (m *Metadata) merge(o Metadata) {
	if o.InputName != "" {
		m.InputName = o.InputName
	}
	if o.OutputName != "" {
		m.OutputName = o.OutputName
	}
	if len(o.InputShape) > 0 {
		m.InputShape = o.InputShape
	}
	if len(o.OutputShape) > 0 {
		m.OutputShape = o.OutputShape
	}
	if o.ImageSize > 0 {
		m.ImageSize = o.ImageSize
	}
	if o.Layout != "" {
		m.Layout = o.Layout
	}
	if o.Normalization != "" {
		m.Normalization = o.Normalization
	}
	if o.Interpolation != "" {
		m.Interpolation = o.Interpolation
	}
	if o.PositiveIndex > 0 {
		m.PositiveIndex = o.PositiveIndex
	}
	if len(o.Classes) > 0 {
		m.Classes = o.Classes
	}
}

// Validate checks that the declared input shape agrees with the image size
// and layout, and that the positive index addresses an output element.
func (m Metadata) Validate() error {
	opts, err := m.PreprocessOptions()
	if err != nil {
		return err
	}

	size := int64(m.ImageSize)
	want := []int64{1, size, size, preprocess.Channels}
	if opts.Layout == preprocess.LayoutNCHW {
		want = []int64{1, preprocess.Channels, size, size}
	}
	if len(m.InputShape) != len(want) {
		return fmt.Errorf("input shape %v, want %v", m.InputShape, want)
	}
	for i := range want {
		if m.InputShape[i] != want[i] {
			return fmt.Errorf("input shape %v, want %v", m.InputShape, want)
		}
	}

	outputs := elements(m.OutputShape)
	if outputs < 1 {
		return fmt.Errorf("invalid output shape %v", m.OutputShape)
	}
	if m.PositiveIndex < 0 || m.PositiveIndex >= outputs {
		return fmt.Errorf("positive index %d outside output of %d values", m.PositiveIndex, outputs)
	}
	return nil
}

// PreprocessOptions derives the preprocessing contract from the metadata.
func (m Metadata) PreprocessOptions() (preprocess.Options, error) {
	interp, err := preprocess.ParseInterpolation(m.Interpolation)
	if err != nil {
		return preprocess.Options{}, err
	}
	opts := preprocess.Options{
		Size:          m.ImageSize,
		Layout:        preprocess.Layout(m.Layout),
		Normalization: preprocess.Normalization(m.Normalization),
		Interpolation: interp,
	}
	return opts, opts.Validate()
}

func elements(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0
		}
		n *= int(d)
	}
	return n
}
