package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/yourorg/pickup-eta/internal/model"
	"github.com/yourorg/pickup-eta/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

type SQLiteStore struct {
	db *sql.DB
}

var _ storage.Store = (*SQLiteStore)(nil)

func New(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(schemaSQL)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, rec model.AccuracyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accuracy_records
			(vendor_id, prediction_id, model, predicted_minutes, actual_minutes, absolute_error_minutes, reported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.VendorID, rec.PredictionID, rec.Model,
		rec.PredictedMinutes, rec.ActualMinutes, rec.AbsoluteErrorMinutes,
		rec.ReportedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append accuracy record: %w", err)
	}
	return nil
}

// List returns matching records ordered by report time, oldest first.
func (s *SQLiteStore) List(ctx context.Context, filter storage.Filter) ([]model.AccuracyRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.VendorID != "" {
		where = append(where, "vendor_id = ?")
		args = append(args, filter.VendorID)
	}
	if filter.Model != "" {
		where = append(where, "model = ?")
		args = append(args, filter.Model)
	}
	if !filter.Since.IsZero() {
		where = append(where, "reported_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	query := `SELECT vendor_id, prediction_id, model, predicted_minutes, actual_minutes,
		absolute_error_minutes, reported_at FROM accuracy_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY reported_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accuracy records: %w", err)
	}
	defer rows.Close()

	var out []model.AccuracyRecord
	for rows.Next() {
		var (
			r          model.AccuracyRecord
			reportedAt int64
		)
		if err := rows.Scan(&r.VendorID, &r.PredictionID, &r.Model, &r.PredictedMinutes,
			&r.ActualMinutes, &r.AbsoluteErrorMinutes, &reportedAt); err != nil {
			return nil, fmt.Errorf("failed to scan accuracy record: %w", err)
		}
		r.ReportedAt = time.Unix(0, reportedAt).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accuracy records: %w", err)
	}

	// Newest-first for LIMIT; callers expect oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
