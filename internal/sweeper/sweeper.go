// Package sweeper runs periodic maintenance: abandoned manifests, expired share tokens
// and the storage free-space gauge.
package sweeper

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tvoe/clipshare/internal/config"
	"github.com/tvoe/clipshare/internal/ffmpeg"
	"github.com/tvoe/clipshare/internal/metrics"
)

const (
	lowDiskThreshold = 10 * 1024 * 1024 * 1024
	jobTimeout       = time.Minute
)

// TokenPurger removes expired share tokens
type TokenPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Sweeper schedules maintenance jobs on a cron
type Sweeper struct {
	cron           *cron.Cron
	manifestDir    string
	manifestMaxAge time.Duration
	storageRoot    string
	tokens         TokenPurger
	logger         *zap.Logger
	metrics        *metrics.Metrics
}

// New creates a sweeper and registers its jobs. Schedules use six fields, seconds first.
func New(cfg config.SweepConfig, manifestDir, storageRoot string, tokens TokenPurger, logger *zap.Logger, m *metrics.Metrics) (*Sweeper, error) {
	s := &Sweeper{
		cron:           cron.New(cron.WithSeconds()),
		manifestDir:    manifestDir,
		manifestMaxAge: cfg.ManifestMaxAge,
		storageRoot:    storageRoot,
		tokens:         tokens,
		logger:         logger.With(zap.String("component", "sweeper")),
		metrics:        m,
	}

	jobs := []struct {
		name     string
		schedule string
		fn       func(context.Context)
	}{
		{"manifests", cfg.ManifestSchedule, s.SweepManifests},
		{"tokens", cfg.TokenSchedule, s.PurgeTokens},
		{"disk", cfg.DiskSchedule, s.CheckDisk},
	}
	for _, job := range jobs {
		fn := job.fn
		if _, err := s.cron.AddFunc(job.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			fn(ctx)
		}); err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", job.name, job.schedule, err)
		}
	}

	return s, nil
}

// Start runs every job once, then hands them to the scheduler
func (s *Sweeper) Start(ctx context.Context) {
	s.SweepManifests(ctx)
	s.PurgeTokens(ctx)
	s.CheckDisk(ctx)
	s.cron.Start()
	s.logger.Info("sweeper started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop stops scheduling and waits for running jobs or ctx
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	s.logger.Info("sweeper stopped")
}

// SweepManifests removes concat manifests left behind by a crashed process
func (s *Sweeper) SweepManifests(ctx context.Context) {
	removed, err := ffmpeg.SweepManifests(s.manifestDir, s.manifestMaxAge)
	if err != nil {
		s.logger.Warn("manifest sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.metrics.AddManifestsSwept(float64(removed))
		s.logger.Info("removed abandoned manifests", zap.Int("count", removed))
	}
}

// PurgeTokens deletes expired share tokens
func (s *Sweeper) PurgeTokens(ctx context.Context) {
	n, err := s.tokens.PurgeExpired(ctx)
	if err != nil {
		s.logger.Warn("token purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("purged expired share tokens", zap.Int64("count", n))
	}
}

// CheckDisk updates the free-space gauge for the storage root
func (s *Sweeper) CheckDisk(ctx context.Context) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.storageRoot, &stat); err != nil {
		s.logger.Warn("failed to get disk stats", zap.Error(err))
		return
	}

	freeBytes := float64(stat.Bavail) * float64(stat.Bsize)
	s.metrics.SetDiskFreeBytes(freeBytes)

	if freeBytes < lowDiskThreshold {
		s.logger.Warn("low disk space",
			zap.Float64("freeGB", freeBytes/1024/1024/1024),
		)
	}
}
