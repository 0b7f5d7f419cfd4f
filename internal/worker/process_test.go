//go:build unix

package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan-api/internal/classifier"
	"github.com/Brownie44l1/dermascan-api/internal/inference"
)

func writeScript(t *testing.T, body string) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return []string{"/bin/sh", path}
}

func newRunner(t *testing.T, body string, timeout time.Duration) *ProcessRunner {
	t.Helper()
	r, err := NewProcessRunner(writeScript(t, body), 2, timeout, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}
	return r
}

func TestProcessRunnerSuccess(t *testing.T) {
	r := newRunner(t, `echo "loading model" >&2
echo '{"schemaVersion":1,"prediction":"Benign","confidence":87.5,"riskLevel":"low","details":"ok"}'`, 5*time.Second)

	result, err := r.Predict(context.Background(), "/tmp/a.png")
	if err != nil {
		t.Fatalf("expected verdict, got %v", err)
	}
	if result.Prediction != classifier.LabelBenign || result.Confidence != 87.5 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestProcessRunnerPassesImagePath(t *testing.T) {
	r := newRunner(t, `if [ "$1" = "/uploads/x.png" ]; then
  echo '{"prediction":"Melanoma","confidence":70,"riskLevel":"high","details":"d"}'
else
  echo '{"error":"wrong path","kind":"ImageDecodeError"}'; exit 1
fi`, 5*time.Second)

	if _, err := r.Predict(context.Background(), "/uploads/x.png"); err != nil {
		t.Fatalf("expected image path as last argument, got %v", err)
	}
}

func TestProcessRunnerGarbageOutput(t *testing.T) {
	r := newRunner(t, `echo "Traceback (most recent call last)"`, 5*time.Second)

	_, err := r.Predict(context.Background(), "/tmp/a.png")
	if !inference.Is(err, inference.KindInvalidWorkerResponse) {
		t.Fatalf("expected InvalidWorkerResponse, got %v", err)
	}
}

func TestProcessRunnerErrorDocument(t *testing.T) {
	r := newRunner(t, `echo '{"schemaVersion":1,"error":"cannot identify image file","kind":"ImageDecodeError"}'
exit 1`, 5*time.Second)

	_, err := r.Predict(context.Background(), "/tmp/a.png")
	if !inference.Is(err, inference.KindImageDecode) {
		t.Fatalf("expected ImageDecodeError, got %v", err)
	}
}

func TestProcessRunnerSuccessWithNonZeroExit(t *testing.T) {
	r := newRunner(t, `echo '{"prediction":"Benign","confidence":60,"riskLevel":"low","details":"d"}'
exit 3`, 5*time.Second)

	_, err := r.Predict(context.Background(), "/tmp/a.png")
	if !inference.Is(err, inference.KindInvalidWorkerResponse) {
		t.Fatalf("expected InvalidWorkerResponse, got %v", err)
	}
}

func TestProcessRunnerTimeoutKillsWorker(t *testing.T) {
	r := newRunner(t, `sleep 10`, 100*time.Millisecond)

	started := time.Now()
	_, err := r.Predict(context.Background(), "/tmp/a.png")
	if !inference.Is(err, inference.KindTimeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("worker was not killed promptly: %v", elapsed)
	}
}

func TestProcessRunnerMissingBinary(t *testing.T) {
	r, err := NewProcessRunner([]string{filepath.Join(t.TempDir(), "missing")}, 1, time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}

	_, err = r.Predict(context.Background(), "/tmp/a.png")
	if !inference.Is(err, inference.KindUnavailable) {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestNewProcessRunnerRequiresCommand(t *testing.T) {
	if _, err := NewProcessRunner(nil, 1, time.Second, zap.NewNop()); err == nil {
		t.Fatal("expected error for empty command")
	}
}
