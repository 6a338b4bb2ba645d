package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/tvoe/clipshare/internal/domain"
)

// MediaRepository handles media record persistence
type MediaRepository struct {
	db *DB
}

// NewMediaRepository creates a new media repository
func NewMediaRepository(db *DB) *MediaRepository {
	return &MediaRepository{db: db}
}

// Insert stores a record and assigns its catalog id
func (r *MediaRepository) Insert(ctx context.Context, record *domain.MediaRecord) (int64, error) {
	query := `
		INSERT INTO media_records (
			stored_name, relative_path, origin, size_bytes,
			duration_seconds, width, height, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	var id int64
	err := r.db.Pool.QueryRow(ctx, query,
		record.StoredName,
		record.RelativePath,
		record.Origin,
		record.SizeBytes,
		record.DurationSeconds,
		record.Width,
		record.Height,
		record.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert media record: %w", classify(err))
	}

	record.ID = id
	return id, nil
}

// FindByID retrieves a media record by id
func (r *MediaRepository) FindByID(ctx context.Context, id int64) (*domain.MediaRecord, error) {
	query := `
		SELECT id, stored_name, relative_path, origin, size_bytes,
			duration_seconds, width, height, created_at
		FROM media_records
		WHERE id = $1
	`

	var record domain.MediaRecord
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&record.ID,
		&record.StoredName,
		&record.RelativePath,
		&record.Origin,
		&record.SizeBytes,
		&record.DurationSeconds,
		&record.Width,
		&record.Height,
		&record.CreatedAt,
	)
	if err != nil {
		if err = classify(err); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get media record: %w", err)
	}

	return &record, nil
}

// FindPathByID returns only the relative path of a media record
func (r *MediaRepository) FindPathByID(ctx context.Context, id int64) (string, error) {
	var path string
	err := r.db.Pool.QueryRow(ctx, `SELECT relative_path FROM media_records WHERE id = $1`, id).Scan(&path)
	if err != nil {
		if err = classify(err); errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get media path: %w", err)
	}

	return path, nil
}
