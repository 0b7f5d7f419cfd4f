package inference

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrappedError(t *testing.T) {
	base := New(KindImageDecode, "preprocess.decode", errors.New("unexpected EOF"))
	wrapped := fmt.Errorf("pipeline: %w", base)

	if got := KindOf(wrapped); got != KindImageDecode {
		t.Fatalf("expected %s, got %s", KindImageDecode, got)
	}
	if !Is(wrapped, KindImageDecode) {
		t.Fatal("expected Is to match wrapped kind")
	}
}

func TestKindOfForeignErrorDefaultsToInference(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInference {
		t.Fatalf("expected %s, got %s", KindInference, got)
	}
}

func TestErrorUnwrapKeepsCause(t *testing.T) {
	err := New(KindTimeout, "worker.dispatch", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected errors.Is to reach the cause")
	}
	if err.Error() != "worker.dispatch: context deadline exceeded" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestNewNilError(t *testing.T) {
	if New(KindInference, "op", nil) != nil {
		t.Fatal("expected nil for nil cause")
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"ImageDecodeError", KindImageDecode},
		{"Timeout", KindTimeout},
		{"ModelLoadError", KindModelLoad},
		{"", KindInference},
		{"SomethingElse", KindInference},
	}

	for _, tt := range tests {
		if got := ParseKind(tt.in); got != tt.want {
			t.Errorf("ParseKind(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
