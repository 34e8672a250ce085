// Package ledger records download outcomes in a SQLite database kept next
// to the downloaded archives, so that a later run can skip products that
// are already on disk.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/hrsi-client/pkg/resultlist"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// FileName is the ledger database name inside an output directory.
const FileName = "downloads.db"

// Status is the last known state of a product download.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is one product's download history. The download URL is the key.
type Record struct {
	URL       string `gorm:"primaryKey"`
	Title     string
	Path      string
	Status    Status `gorm:"index"`
	Attempts  int
	ElapsedMS int64
	Error     string
	RunID     string `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides the gorm default.
func (Record) TableName() string {
	return "downloads"
}

// Ledger is a SQLite-backed download ledger.
type Ledger struct {
	db *gorm.DB
}

// Open opens or creates the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Find returns the record for url, or nil if there is none.
func (l *Ledger) Find(ctx context.Context, url string) (*Record, error) {
	var rec Record
	err := l.db.WithContext(ctx).First(&rec, "url = ?", url).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Completed returns the archive path of a completed download of url.
func (l *Ledger) Completed(ctx context.Context, url string) (string, bool, error) {
	rec, err := l.Find(ctx, url)
	if err != nil || rec == nil || rec.Status != StatusCompleted {
		return "", false, err
	}
	return rec.Path, true, nil
}

// RecordSuccess stores a completed download.
func (l *Ledger) RecordSuccess(ctx context.Context, ref resultlist.ProductReference, path string, attempts int, elapsed time.Duration, runID string) error {
	return l.upsert(ctx, &Record{
		URL:       ref.URL,
		Title:     ref.Title,
		Path:      path,
		Status:    StatusCompleted,
		Attempts:  attempts,
		ElapsedMS: elapsed.Milliseconds(),
		RunID:     runID,
	})
}

// RecordFailure stores a failed download. A previous path is kept.
func (l *Ledger) RecordFailure(ctx context.Context, ref resultlist.ProductReference, attempts int, cause error, runID string) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.upsert(ctx, &Record{
		URL:      ref.URL,
		Title:    ref.Title,
		Status:   StatusFailed,
		Attempts: attempts,
		Error:    msg,
		RunID:    runID,
	})
}

// List returns every record, most recently updated first.
func (l *Ledger) List(ctx context.Context) ([]Record, error) {
	var records []Record
	err := l.db.WithContext(ctx).Order("updated_at DESC").Find(&records).Error
	return records, err
}

// CountByStatus returns the number of records with status.
func (l *Ledger) CountByStatus(ctx context.Context, status Status) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&Record{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

func (l *Ledger) upsert(ctx context.Context, rec *Record) error {
	columns := []string{"title", "status", "attempts", "elapsed_ms", "error", "run_id", "updated_at"}
	if rec.Status == StatusCompleted {
		columns = append(columns, "path")
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("record %s download: %w", rec.Status, err)
	}
	return nil
}
