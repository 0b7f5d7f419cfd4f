// Package protocol defines the JSON document a worker writes for each
// request and the checks a caller applies before trusting it.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/Brownie44l1/dermascan-api/internal/classifier"
	"github.com/Brownie44l1/dermascan-api/internal/inference"
)

// SchemaVersion is written by this worker. Documents without a version are
// read as version 1.
const SchemaVersion = 1

// Message is either a verdict or an error, never both.
type Message struct {
	SchemaVersion int      `json:"schemaVersion,omitempty"`
	Prediction    string   `json:"prediction,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	RiskLevel     string   `json:"riskLevel,omitempty"`
	Details       string   `json:"details,omitempty"`
	Error         string   `json:"error,omitempty"`
	Kind          string   `json:"kind,omitempty"`
}

// ResultMessage wraps a verdict.
func ResultMessage(r classifier.Result) Message {
	confidence := r.Confidence
	return Message{
		SchemaVersion: SchemaVersion,
		Prediction:    r.Prediction,
		Confidence:    &confidence,
		RiskLevel:     r.RiskLevel,
		Details:       r.Details,
	}
}

// ErrorMessage wraps a failure, keeping its kind.
func ErrorMessage(err error) Message {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Message{
		SchemaVersion: SchemaVersion,
		Error:         msg,
		Kind:          string(inference.KindOf(err)),
	}
}

// Write emits m as a single line.
func Write(w io.Writer, m Message) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(m)
}

// Decode parses one worker document. A well-formed error document is
// returned as a kinded error; anything malformed is KindInvalidWorkerResponse.
func Decode(raw []byte) (*classifier.Result, error) {
	m, err := parse(raw)
	if err != nil {
		return nil, inference.New(inference.KindInvalidWorkerResponse, "protocol.decode", err)
	}

	if m.Error != "" {
		return nil, &inference.Error{
			Kind: inference.ParseKind(m.Kind),
			Op:   "worker",
			Err:  errors.New(m.Error),
		}
	}

	result := classifier.Result{
		Prediction: m.Prediction,
		Confidence: *m.Confidence,
		RiskLevel:  m.RiskLevel,
		Details:    m.Details,
	}
	return &result, nil
}

func parse(raw []byte) (*Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty worker output")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("worker output is not a JSON object: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after worker document")
	}

	if m.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %d", m.SchemaVersion)
	}

	hasResult := m.Prediction != "" || m.Confidence != nil || m.RiskLevel != "" || m.Details != ""
	hasError := m.Error != ""
	switch {
	case hasResult && hasError:
		return nil, errors.New("worker document carries both a result and an error")
	case !hasResult && !hasError:
		return nil, errors.New("worker document carries neither a result nor an error")
	case hasError:
		return &m, nil
	}

	if !classifier.ValidLabel(m.Prediction) {
		return nil, fmt.Errorf("unknown prediction %q", m.Prediction)
	}
	if m.Confidence == nil {
		return nil, errors.New("missing confidence")
	}
	if c := *m.Confidence; math.IsNaN(c) || math.IsInf(c, 0) || c < 0 || c > 100 {
		return nil, fmt.Errorf("confidence %v outside [0,100]", c)
	}
	if m.RiskLevel != classifier.RiskLevel(m.Prediction) {
		return nil, fmt.Errorf("risk level %q inconsistent with prediction %q", m.RiskLevel, m.Prediction)
	}
	return &m, nil
}
