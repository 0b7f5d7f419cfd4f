// Package repository persists scan history in SQLite.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("scan not found")

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ScanRecord is one completed prediction.
type ScanRecord struct {
	ID              string    `json:"id"`
	ImagePath       string    `json:"imagePath"`
	ImageHash       string    `json:"imageHash"`
	Prediction      string    `json:"prediction"`
	Confidence      float64   `json:"confidence"`
	RiskLevel       string    `json:"riskLevel"`
	Details         string    `json:"details"`
	Recommendations []string  `json:"recommendations"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ScanRepository wraps the SQLite connection. Writes are serialized.
type ScanRepository struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewScanRepository opens dsn (a file path or ":memory:") and creates the
// schema if needed.
func NewScanRepository(dsn string) (*ScanRepository, error) {
	db, err := sql.Open("sqlite3", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	repo := &ScanRepository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return repo, nil
}

// withPragmas appends the connection options, keeping any query string the
// caller already put on dsn.
func withPragmas(dsn string) string {
	const pragmas = "_journal_mode=WAL&_busy_timeout=5000"
	if strings.Contains(dsn, "?") {
		return dsn + "&" + pragmas
	}
	return dsn + "?" + pragmas
}

func (r *ScanRepository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scans (
		id TEXT PRIMARY KEY,
		image_path TEXT NOT NULL,
		image_hash TEXT NOT NULL DEFAULT '',
		prediction TEXT NOT NULL,
		confidence REAL NOT NULL,
		risk_level TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		recommendations TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scans_created_at ON scans(created_at);
	CREATE INDEX IF NOT EXISTS idx_scans_image_hash ON scans(image_hash);
	`

	_, err := r.db.Exec(schema)
	return err
}

func (r *ScanRepository) Close() error {
	return r.db.Close()
}

func (r *ScanRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Insert stores rec. ID and CreatedAt must already be set.
func (r *ScanRepository) Insert(ctx context.Context, rec *ScanRecord) error {
	if rec.ID == "" {
		return errors.New("scan id is required")
	}

	recommendations, err := json.Marshal(rec.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to encode recommendations: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scans (id, image_path, image_hash, prediction, confidence, risk_level, details, recommendations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ImagePath, rec.ImageHash, rec.Prediction, rec.Confidence, rec.RiskLevel, rec.Details,
		string(recommendations), rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert scan: %w", err)
	}
	return nil
}

const selectColumns = `id, image_path, image_hash, prediction, confidence, risk_level, details, recommendations, created_at`

func (r *ScanRepository) Get(ctx context.Context, id string) (*ScanRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM scans WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scan: %w", err)
	}
	return rec, nil
}

// List returns the newest scans first. limit is clamped to
// [1, MaxListLimit]; zero or less means DefaultListLimit.
func (r *ScanRepository) List(ctx context.Context, limit int) ([]*ScanRecord, error) {
	limit = ClampLimit(limit)

	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM scans ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scans: %w", err)
	}
	defer rows.Close()

	records := make([]*ScanRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ScanRecord, error) {
	var (
		rec             ScanRecord
		recommendations string
	)
	err := row.Scan(&rec.ID, &rec.ImagePath, &rec.ImageHash, &rec.Prediction, &rec.Confidence,
		&rec.RiskLevel, &rec.Details, &recommendations, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recommendations), &rec.Recommendations); err != nil {
		return nil, fmt.Errorf("failed to decode recommendations: %w", err)
	}
	if rec.Recommendations == nil {
		rec.Recommendations = []string{}
	}
	return &rec, nil
}
