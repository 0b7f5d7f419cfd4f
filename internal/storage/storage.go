// Package storage keeps uploaded lesion images on local disk under names the
// client cannot influence.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan-api/internal/inference"
)

const DefaultMaxBytes int64 = 16 << 20

var (
	ErrNoFile          = errors.New("No file selected")
	ErrInvalidType     = errors.New("Invalid file type")
	ErrTooLarge        = errors.New("file exceeds the upload size limit")
	ErrUnsupportedData = errors.New("file content is not a PNG or JPEG image")
)

var allowedExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
}

var allowedMIME = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
}

// Upload is a stored file. Content is kept so callers can hash it without
// reading the file back.
type Upload struct {
	Name        string
	Path        string
	Size        int64
	ContentType string
	Content     []byte
}

type LocalStorage struct {
	dir      string
	maxBytes int64
	logger   *zap.Logger
}

func NewLocalStorage(dir string, maxBytes int64, logger *zap.Logger) (*LocalStorage, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &LocalStorage{
		dir:      abs,
		maxBytes: maxBytes,
		logger:   logger.Named("storage"),
	}, nil
}

func (s *LocalStorage) Dir() string {
	return s.dir
}

func (s *LocalStorage) MaxBytes() int64 {
	return s.maxBytes
}

// Extension returns the lower-cased extension of filename when it is one of
// png, jpg or jpeg.
func Extension(filename string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(filename))
	_, ok := allowedExtensions[ext]
	return ext, ok
}

// Save validates and stores one upload. Every rejection is KindInvalidUpload.
func (s *LocalStorage) Save(filename string, r io.Reader) (*Upload, error) {
	const op = "storage.save"

	if strings.TrimSpace(filename) == "" {
		return nil, inference.New(inference.KindInvalidUpload, op, ErrNoFile)
	}
	ext, ok := Extension(filename)
	if !ok {
		return nil, inference.New(inference.KindInvalidUpload, op, ErrInvalidType)
	}

	content, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return nil, inference.New(inference.KindInvalidUpload, op, fmt.Errorf("failed to read upload: %w", err))
	}
	if int64(len(content)) > s.maxBytes {
		return nil, inference.New(inference.KindInvalidUpload, op, ErrTooLarge)
	}
	if len(content) == 0 {
		return nil, inference.New(inference.KindInvalidUpload, op, ErrNoFile)
	}

	mtype := mimetype.Detect(content)
	if _, ok := allowedMIME[mtype.String()]; !ok {
		return nil, inference.New(inference.KindInvalidUpload, op,
			fmt.Errorf("%w: detected %s", ErrUnsupportedData, mtype.String()))
	}

	name := uuid.NewString() + ext
	dest := filepath.Join(s.dir, name)
	if err := os.WriteFile(dest, content, os.FileMode(0644)); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	s.logger.Debug("stored upload",
		zap.String("name", name),
		zap.String("original_name", filepath.Base(filename)),
		zap.String("content_type", mtype.String()),
		zap.Int("size", len(content)),
	)

	return &Upload{
		Name:        name,
		Path:        dest,
		Size:        int64(len(content)),
		ContentType: mtype.String(),
		Content:     content,
	}, nil
}

func (s *LocalStorage) Remove(path string) error {
	if !strings.HasPrefix(path, s.dir+string(os.PathSeparator)) {
		return fmt.Errorf("refusing to remove %s outside %s", path, s.dir)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Sweep removes uploads last modified before now minus retention and
// returns how many were removed.
func (s *LocalStorage) Sweep(now time.Time, retention time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := Extension(entry.Name()); !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("failed to remove expired upload", zap.String("name", entry.Name()), zap.Error(err))
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// RunJanitor sweeps every interval until ctx is done. A zero retention keeps
// uploads forever and returns immediately.
func (s *LocalStorage) RunJanitor(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = retention / 2
		if interval < time.Minute {
			interval = time.Minute
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := s.Sweep(now, retention)
			if err != nil {
				s.logger.Warn("upload sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Info("removed expired uploads", zap.Int("count", removed))
			}
		}
	}
}
