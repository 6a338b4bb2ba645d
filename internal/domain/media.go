package domain

import (
	"time"
)

// MediaOrigin records which flow produced a media record
type MediaOrigin string

const (
	MediaOriginUpload MediaOrigin = "UPLOAD"
	MediaOriginTrim   MediaOrigin = "TRIM"
	MediaOriginMerge  MediaOrigin = "MERGE"
)

// MediaRecord is one stored artifact: an original upload, a trimmed clip or a merged output.
// Records are never mutated after they are committed to the catalog.
type MediaRecord struct {
	ID              int64       `json:"id" db:"id"`
	StoredName      string      `json:"storedName" db:"stored_name"`
	RelativePath    string      `json:"relativePath" db:"relative_path"`
	Origin          MediaOrigin `json:"origin" db:"origin"`
	SizeBytes       int64       `json:"sizeBytes" db:"size_bytes"`
	DurationSeconds *float64    `json:"durationSeconds,omitempty" db:"duration_seconds"`
	Width           *int        `json:"width,omitempty" db:"width"`
	Height          *int        `json:"height,omitempty" db:"height"`
	CreatedAt       time.Time   `json:"createdAt" db:"created_at"`
}

// NewMediaRecord creates a record that has not been inserted yet
func NewMediaRecord(storedName, relativePath string, origin MediaOrigin, size int64) *MediaRecord {
	return &MediaRecord{
		StoredName:   storedName,
		RelativePath: relativePath,
		Origin:       origin,
		SizeBytes:    size,
		CreatedAt:    time.Now().UTC(),
	}
}

// WithProbe attaches probed stream facts to the record
func (m *MediaRecord) WithProbe(duration time.Duration, width, height int) *MediaRecord {
	if duration > 0 {
		seconds := duration.Seconds()
		m.DurationSeconds = &seconds
	}
	if width > 0 && height > 0 {
		m.Width = &width
		m.Height = &height
	}
	return m
}
