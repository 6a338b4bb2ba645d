// Package media coordinates trim, merge and upload flows between the catalog,
// the artifact store and the transcode executor.
package media

import (
	"context"
	"errors"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tvoe/clipshare/internal/db"
	"github.com/tvoe/clipshare/internal/domain"
	"github.com/tvoe/clipshare/internal/ffmpeg"
	"github.com/tvoe/clipshare/internal/metrics"
	"github.com/tvoe/clipshare/internal/naming"
)

// DefaultExtensions are the upload container formats accepted by Ingest
var DefaultExtensions = []string{"mkv", "webm", "mp4", "avi"}

const mirrorTimeout = 10 * time.Minute

// Catalog stores media records
type Catalog interface {
	Insert(ctx context.Context, record *domain.MediaRecord) (int64, error)
	FindByID(ctx context.Context, id int64) (*domain.MediaRecord, error)
	FindPathByID(ctx context.Context, id int64) (string, error)
}

// ArtifactStore holds the bytes behind media records
type ArtifactStore interface {
	RelativeFor(storedName string) string
	Resolve(relativePath string) (string, error)
	Exists(relativePath string) bool
	Size(relativePath string) (int64, error)
	Save(relativePath string, body io.Reader, limit int64) (int64, error)
	Discard(relativePath string)
}

// Executor launches transcode jobs
type Executor interface {
	RunTrim(ctx context.Context, spec ffmpeg.TrimSpec) (*ffmpeg.JobHandle, error)
	RunMerge(ctx context.Context, spec ffmpeg.MergeSpec) (*ffmpeg.JobHandle, error)
}

// Prober reads stream facts from a committed output
type Prober interface {
	Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error)
}

// Mirror copies a committed artifact to secondary storage
type Mirror interface {
	Mirror(ctx context.Context, relativePath, absolutePath string) error
}

// Options configures a Service. Prober and Mirror are optional.
type Options struct {
	ManifestDir       string
	UploadMaxBytes    int64
	AllowedExtensions []string
	Prober            Prober
	Mirror            Mirror
}

// TrimRequest cuts [Start, End) out of a stored video
type TrimRequest struct {
	SourceID int64
	Start    time.Duration
	End      time.Duration
}

// MergeRequest concatenates stored videos in the given order
type MergeRequest struct {
	SourceIDs []int64
}

// IngestRequest stores a new upload
type IngestRequest struct {
	OriginalName string
	Size         int64
	Body         io.Reader
}

// Service is the media job coordinator
type Service struct {
	catalog     Catalog
	store       ArtifactStore
	executor    Executor
	prober      Prober
	mirror      Mirror
	manifestDir string
	maxUpload   int64
	extensions  map[string]struct{}
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewService creates a new coordinator
func NewService(catalog Catalog, store ArtifactStore, executor Executor, opts Options, logger *zap.Logger, m *metrics.Metrics) *Service {
	exts := opts.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}

	return &Service{
		catalog:     catalog,
		store:       store,
		executor:    executor,
		prober:      opts.Prober,
		mirror:      opts.Mirror,
		manifestDir: opts.ManifestDir,
		maxUpload:   opts.UploadMaxBytes,
		extensions:  allowed,
		logger:      logger.With(zap.String("component", "media")),
		metrics:     m,
	}
}

// Get returns a committed media record
func (s *Service) Get(ctx context.Context, id int64) (*domain.MediaRecord, error) {
	if id <= 0 {
		return nil, domain.Validationf("video id must be positive")
	}
	record, err := s.catalog.FindByID(ctx, id)
	if err != nil {
		return nil, s.catalogError(id, err)
	}
	return record, nil
}

// Trim produces a new record holding the [Start, End) slice of the source
func (s *Service) Trim(ctx context.Context, req TrimRequest) (record *domain.MediaRecord, err error) {
	f := s.startFlow(domain.OperationTrim, zap.Int64("source_id", req.SourceID))
	defer func() { f.finish(err) }()

	switch {
	case req.SourceID <= 0:
		return nil, domain.Validationf("video id must be positive")
	case req.Start < 0:
		return nil, domain.Validationf("start must not be negative")
	case req.End <= req.Start:
		return nil, domain.Validationf("end must be greater than start")
	}

	sourceRel, err := s.resolveSource(ctx, req.SourceID)
	if err != nil {
		return nil, err
	}
	sourceAbs, err := s.store.Resolve(sourceRel)
	if err != nil {
		return nil, err
	}
	f.advance(domain.FlowInputsValidated)

	storedName := naming.Trimmed(path.Base(sourceRel))
	outRel := s.store.RelativeFor(storedName)
	outAbs, err := s.store.Resolve(outRel)
	if err != nil {
		return nil, err
	}

	handle, err := s.executor.RunTrim(ctx, ffmpeg.TrimSpec{
		Input:    sourceAbs,
		Start:    req.Start,
		Duration: req.End - req.Start,
		Output:   outAbs,
	})
	if err != nil {
		return nil, err
	}
	f.advance(domain.FlowExecuting)

	result, err := handle.Wait(ctx)
	if err != nil {
		s.abandon(handle, outRel, nil)
		return nil, err
	}
	if !result.Succeeded {
		s.store.Discard(outRel)
		return nil, result.Err
	}

	return s.commit(ctx, storedName, outRel, outAbs, domain.MediaOriginTrim)
}

// Merge produces a new record concatenating the sources in order
func (s *Service) Merge(ctx context.Context, req MergeRequest) (record *domain.MediaRecord, err error) {
	f := s.startFlow(domain.OperationMerge, zap.Int64s("source_ids", req.SourceIDs))
	defer func() { f.finish(err) }()

	if len(req.SourceIDs) < 2 {
		return nil, domain.Validationf("merge requires at least two videos, got %d", len(req.SourceIDs))
	}
	for _, id := range req.SourceIDs {
		if id <= 0 {
			return nil, domain.Validationf("video id must be positive")
		}
	}

	// Every id is looked up before any file is checked, so an unknown id wins
	// over a missing artifact and the first unknown id is the one reported
	rels := make([]string, len(req.SourceIDs))
	for i, id := range req.SourceIDs {
		rel, err := s.lookupSource(ctx, id)
		if err != nil {
			return nil, err
		}
		rels[i] = rel
	}
	inputs := make([]string, 0, len(rels))
	for i, rel := range rels {
		if err := s.checkArtifact(req.SourceIDs[i], rel); err != nil {
			return nil, err
		}
		abs, err := s.store.Resolve(rel)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, abs)
	}
	f.advance(domain.FlowInputsValidated)

	storedName := naming.Merged()
	outRel := s.store.RelativeFor(storedName)
	outAbs, err := s.store.Resolve(outRel)
	if err != nil {
		return nil, err
	}

	manifest, err := ffmpeg.WriteManifest(s.manifestDir, inputs)
	if err != nil {
		return nil, err
	}
	detached := false
	defer func() {
		if !detached {
			s.removeManifest(manifest)
		}
	}()

	handle, err := s.executor.RunMerge(ctx, ffmpeg.MergeSpec{
		Inputs:   inputs,
		Manifest: manifest.Path(),
		Output:   outAbs,
	})
	if err != nil {
		return nil, err
	}
	f.advance(domain.FlowExecuting)

	result, err := handle.Wait(ctx)
	if err != nil {
		// The process keeps running; the manifest goes when it exits
		detached = true
		s.abandon(handle, outRel, manifest)
		return nil, err
	}
	if !result.Succeeded {
		s.store.Discard(outRel)
		return nil, result.Err
	}

	return s.commit(ctx, storedName, outRel, outAbs, domain.MediaOriginMerge)
}

// Ingest stores an uploaded video and catalogs it
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*domain.MediaRecord, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(req.OriginalName), "."))
	if _, ok := s.extensions[ext]; !ok {
		return nil, domain.Validationf("unsupported file type %q", ext).
			WithDetails("allowed", s.allowedExtensions())
	}
	if req.Body == nil {
		return nil, domain.Validationf("no file uploaded")
	}
	if req.Size > s.maxUpload {
		return nil, domain.Validationf("file exceeds the %d byte limit", s.maxUpload)
	}

	storedName := naming.Upload(req.OriginalName)
	rel := s.store.RelativeFor(storedName)
	if _, err := s.store.Save(rel, req.Body, s.maxUpload); err != nil {
		return nil, err
	}
	abs, err := s.store.Resolve(rel)
	if err != nil {
		s.store.Discard(rel)
		return nil, err
	}

	record, err := s.commit(ctx, storedName, rel, abs, domain.MediaOriginUpload)
	if err != nil {
		return nil, err
	}
	s.logger.Info("video ingested",
		zap.Int64("id", record.ID),
		zap.String("original_name", req.OriginalName),
		zap.Int64("bytes", record.SizeBytes),
	)
	return record, nil
}

// resolveSource maps a catalog id to a relative path whose bytes are present
func (s *Service) resolveSource(ctx context.Context, id int64) (string, error) {
	rel, err := s.lookupSource(ctx, id)
	if err != nil {
		return "", err
	}
	if err := s.checkArtifact(id, rel); err != nil {
		return "", err
	}
	return rel, nil
}

func (s *Service) lookupSource(ctx context.Context, id int64) (string, error) {
	rel, err := s.catalog.FindPathByID(ctx, id)
	if err != nil {
		return "", s.catalogError(id, err)
	}
	return rel, nil
}

func (s *Service) checkArtifact(id int64, rel string) error {
	if !s.store.Exists(rel) {
		return domain.ArtifactMissingf("video %d has no stored file", id).
			WithDetails("videoId", id)
	}
	return nil
}

// commit records an output that is already on disk. The file is discarded if the insert fails.
func (s *Service) commit(ctx context.Context, storedName, rel, abs string, origin domain.MediaOrigin) (*domain.MediaRecord, error) {
	size, err := s.store.Size(rel)
	if err != nil {
		return nil, err
	}

	record := domain.NewMediaRecord(storedName, rel, origin, size)
	if s.prober != nil {
		if info, err := s.prober.Probe(ctx, abs); err != nil {
			s.logger.Warn("probe failed", zap.String("path", rel), zap.Error(err))
		} else {
			record.WithProbe(info.Duration, info.Width, info.Height)
		}
	}

	if _, err := s.catalog.Insert(ctx, record); err != nil {
		s.store.Discard(rel)
		return nil, err
	}

	s.mirrorAsync(record.ID, rel, abs)
	return record, nil
}

// abandon cleans up after a job whose caller stopped waiting.
// Nothing is cataloged for it, so its output is discarded too.
func (s *Service) abandon(handle *ffmpeg.JobHandle, outRel string, manifest *ffmpeg.Manifest) {
	s.logger.Warn("caller abandoned job, cleaning up on exit",
		zap.String("job_id", handle.Job().ID.String()),
	)
	go func() {
		<-handle.Done()
		if manifest != nil {
			s.removeManifest(manifest)
		}
		s.store.Discard(outRel)
	}()
}

func (s *Service) removeManifest(m *ffmpeg.Manifest) {
	if err := m.Remove(); err != nil {
		s.logger.Error("failed to remove manifest", zap.String("path", m.Path()), zap.Error(err))
	}
}

func (s *Service) mirrorAsync(id int64, rel, abs string) {
	if s.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := s.mirror.Mirror(ctx, rel, abs); err != nil {
			s.logger.Warn("mirror failed", zap.Int64("id", id), zap.Error(err))
		}
	}()
}

func (s *Service) catalogError(id int64, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return domain.NotFoundf("video %d not found", id).WithDetails("videoId", id)
	}
	return err
}

func (s *Service) allowedExtensions() []string {
	exts := make([]string, 0, len(s.extensions))
	for ext := range s.extensions {
		exts = append(exts, ext)
	}
	return exts
}
