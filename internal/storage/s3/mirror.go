package s3

import (
	"context"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/tvoe/clipshare/internal/metrics"
)

// objectStore is the subset of Client used by Mirror
type objectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Upload(ctx context.Context, key, srcPath string) (*UploadResult, error)
}

// Mirror copies committed artifacts to a bucket under a key prefix.
// The local store stays authoritative; mirror failures never affect a commit.
type Mirror struct {
	store   objectStore
	prefix  string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewMirror creates a mirror writing through client
func NewMirror(client *Client, prefix string, logger *zap.Logger, m *metrics.Metrics) *Mirror {
	return newMirror(client, prefix, logger, m)
}

func newMirror(store objectStore, prefix string, logger *zap.Logger, m *metrics.Metrics) *Mirror {
	return &Mirror{
		store:   store,
		prefix:  prefix,
		logger:  logger.With(zap.String("component", "s3-mirror")),
		metrics: m,
	}
}

// Key returns the object key for a catalog path
func (m *Mirror) Key(relativePath string) string {
	return path.Join(m.prefix, relativePath)
}

// Mirror uploads one artifact unless it is already present
func (m *Mirror) Mirror(ctx context.Context, relativePath, absolutePath string) error {
	key := m.Key(relativePath)

	exists, err := m.store.Exists(ctx, key)
	if err != nil {
		m.metrics.IncrementMirrorFailures()
		return err
	}
	if exists {
		m.logger.Debug("artifact already mirrored", zap.String("key", key))
		return nil
	}

	start := time.Now()
	result, err := m.store.Upload(ctx, key, absolutePath)
	if err != nil {
		m.metrics.IncrementMirrorFailures()
		return err
	}

	m.metrics.AddMirrorBytes(float64(result.Size))
	m.metrics.RecordMirrorDuration(time.Since(start).Seconds())
	m.logger.Info("artifact mirrored",
		zap.String("key", key),
		zap.Int64("bytes", result.Size),
	)
	return nil
}
