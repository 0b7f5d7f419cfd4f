package storage

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan-api/internal/inference"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	return buf.Bytes()
}

func newStorage(t *testing.T, maxBytes int64) *LocalStorage {
	t.Helper()
	s, err := NewLocalStorage(t.TempDir(), maxBytes, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return s
}

func TestSaveStoresUnderGeneratedName(t *testing.T) {
	s := newStorage(t, 0)
	content := pngBytes(t)

	first, err := s.Save("../../etc/lesion.PNG", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("expected upload to be stored, got %v", err)
	}
	second, err := s.Save("lesion.png", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("expected upload to be stored, got %v", err)
	}

	if first.Path == second.Path {
		t.Fatal("same client filename must not collide")
	}
	if filepath.Dir(first.Path) != s.Dir() || !strings.HasSuffix(first.Name, ".png") {
		t.Fatalf("unexpected stored location %s", first.Path)
	}
	if first.ContentType != "image/png" || first.Size != int64(len(content)) {
		t.Fatalf("unexpected upload metadata: %+v", first)
	}
	stored, err := os.ReadFile(first.Path)
	if err != nil || !bytes.Equal(stored, content) {
		t.Fatalf("stored content mismatch: %v", err)
	}
}

func TestSaveRejections(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  []byte
		maxBytes int64
		want     error
	}{
		{name: "gif extension", filename: "lesion.gif", content: []byte("GIF89a"), want: ErrInvalidType},
		{name: "no extension", filename: "lesion", content: []byte("x"), want: ErrInvalidType},
		{name: "empty filename", filename: "", content: []byte("x"), want: ErrNoFile},
		{name: "empty file", filename: "lesion.png", content: nil, want: ErrNoFile},
		{name: "too large", filename: "lesion.jpg", content: bytes.Repeat([]byte{0xff}, 65), maxBytes: 64, want: ErrTooLarge},
		{name: "text disguised as png", filename: "lesion.png", content: []byte("hello world"), want: ErrUnsupportedData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStorage(t, tt.maxBytes)
			_, err := s.Save(tt.filename, bytes.NewReader(tt.content))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !inference.Is(err, inference.KindInvalidUpload) {
				t.Fatalf("expected InvalidUpload kind, got %v", inference.KindOf(err))
			}
			entries, _ := os.ReadDir(s.Dir())
			if len(entries) != 0 {
				t.Fatalf("rejected upload left %d files behind", len(entries))
			}
		})
	}
}

func TestExtension(t *testing.T) {
	for name, want := range map[string]bool{
		"a.png": true, "a.JPG": true, "a.jpeg": true, "a.gif": false, "a.png.exe": false,
	} {
		if _, ok := Extension(name); ok != want {
			t.Errorf("Extension(%q) = %v, want %v", name, ok, want)
		}
	}
}

func TestSweepRemovesExpiredUploads(t *testing.T) {
	s := newStorage(t, 0)

	old, err := s.Save("old.png", bytes.NewReader(pngBytes(t)))
	if err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	fresh, err := s.Save("fresh.png", bytes.NewReader(pngBytes(t)))
	if err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	now := time.Now()
	past := now.Add(-2 * time.Hour)
	if err := os.Chtimes(old.Path, past, past); err != nil {
		t.Fatalf("failed to age file: %v", err)
	}

	removed, err := s.Sweep(now, time.Hour)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(old.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expired upload still present")
	}
	if _, err := os.Stat(fresh.Path); err != nil {
		t.Fatalf("fresh upload removed: %v", err)
	}
}

func TestRemoveStaysInsideDir(t *testing.T) {
	s := newStorage(t, 0)
	outside := filepath.Join(t.TempDir(), "keep.png")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	if err := s.Remove(outside); err == nil {
		t.Fatal("expected refusal for a path outside the upload dir")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("file outside upload dir was touched: %v", err)
	}
}
