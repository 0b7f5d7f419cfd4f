package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan-api/internal/inference"
	"github.com/Brownie44l1/dermascan-api/internal/logging"
	"github.com/Brownie44l1/dermascan-api/internal/protocol"
)

func decodeLine(t *testing.T, out *bytes.Buffer) protocol.Message {
	t.Helper()
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line on stdout, got %q", out.String())
	}
	var m protocol.Message
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("stdout is not JSON: %v", err)
	}
	return m
}

func existingFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.png")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	return path
}

func TestRunOnceUsage(t *testing.T) {
	var out bytes.Buffer
	opened := false
	code := RunOnce(context.Background(), "predict", nil, &out, func() (Predictor, error) {
		opened = true
		return &stubPredictor{}, nil
	}, zap.NewNop())

	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if opened {
		t.Fatal("model should not load on a usage error")
	}
	m := decodeLine(t, &out)
	if m.Error != "Usage: predict <image_path>" || m.Kind != string(inference.KindInvalidUpload) {
		t.Fatalf("unexpected document: %+v", m)
	}
	if !strings.Contains(out.String(), "<image_path>") {
		t.Fatalf("usage text should not be HTML-escaped: %q", out.String())
	}
}

func TestRunOnceMissingImage(t *testing.T) {
	var out bytes.Buffer
	missing := filepath.Join(t.TempDir(), "nope.png")
	code := RunOnce(context.Background(), "predict", []string{missing}, &out, func() (Predictor, error) {
		t.Fatal("model should not load for a missing image")
		return nil, nil
	}, zap.NewNop())

	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	m := decodeLine(t, &out)
	if m.Error != "Image not found: "+missing || m.Kind != string(inference.KindImageDecode) {
		t.Fatalf("unexpected document: %+v", m)
	}
}

func TestRunOnceModelLoadFailure(t *testing.T) {
	var out bytes.Buffer
	code := RunOnce(context.Background(), "predict", []string{existingFile(t)}, &out, func() (Predictor, error) {
		return nil, inference.New(inference.KindModelLoad, "model.load", errors.New("no such file"))
	}, zap.NewNop())

	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if m := decodeLine(t, &out); m.Kind != string(inference.KindModelLoad) {
		t.Fatalf("expected ModelLoadError, got %+v", m)
	}
}

func TestRunOnceSuccess(t *testing.T) {
	var out bytes.Buffer
	stub := &stubPredictor{}
	code := RunOnce(context.Background(), "predict", []string{existingFile(t)}, &out, func() (Predictor, error) {
		return stub, nil
	}, zap.NewNop())

	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	m := decodeLine(t, &out)
	if m.Prediction != "Melanoma" || m.Confidence == nil || *m.Confidence != 90 || m.Error != "" {
		t.Fatalf("unexpected document: %+v", m)
	}
	if !stub.closed.Load() {
		t.Fatal("expected model to be released")
	}

	// The document must round-trip through the server-side decoder.
	if _, err := protocol.Decode(out.Bytes()); err != nil {
		t.Fatalf("server rejected worker output: %v", err)
	}
}

func TestRunOncePanicBecomesErrorDocument(t *testing.T) {
	var out bytes.Buffer
	code := RunOnce(context.Background(), "predict", []string{existingFile(t)}, &out, func() (Predictor, error) {
		return &stubPredictor{panics: true}, nil
	}, zap.NewNop())

	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if m := decodeLine(t, &out); m.Kind != string(inference.KindInference) {
		t.Fatalf("expected InferenceError, got %+v", m)
	}
}

func TestRunOnceStdoutHoldsOnlyTheDocument(t *testing.T) {
	for _, env := range []string{"test", "dev", "prod"} {
		t.Run(env, func(t *testing.T) {
			r, w, err := os.Pipe()
			if err != nil {
				t.Fatalf("pipe: %v", err)
			}
			orig := os.Stdout
			os.Stdout = w
			defer func() { os.Stdout = orig }()

			logger, err := logging.NewLogger(env)
			if err != nil {
				os.Stdout = orig
				t.Fatalf("NewLogger(%q) failed: %v", env, err)
			}
			missing := filepath.Join(t.TempDir(), "nope.png")
			code := RunOnce(context.Background(), "predict", []string{missing}, os.Stdout, func() (Predictor, error) {
				return &stubPredictor{}, nil
			}, logger)
			_ = logger.Sync()

			os.Stdout = orig
			w.Close()
			raw, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("read pipe: %v", err)
			}

			if code != 1 {
				t.Fatalf("expected exit 1, got %d", code)
			}
			var out bytes.Buffer
			out.Write(raw)
			if m := decodeLine(t, &out); m.Kind != string(inference.KindImageDecode) {
				t.Fatalf("expected ImageDecodeError, got %+v", m)
			}
			if _, err := protocol.Decode(raw); err == nil || !inference.Is(err, inference.KindImageDecode) {
				t.Fatalf("server should decode the worker error, got %v", err)
			}
		})
	}
}
