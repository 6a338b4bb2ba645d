package local

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/tvoe/clipshare/internal/domain"
)

// ErrOutsideRoot is returned for paths that would escape the storage root
var ErrOutsideRoot = errors.New("path escapes storage root")

// Store maps catalog-relative paths to files under a managed root.
// Files are only ever created, never rewritten in place.
type Store struct {
	root      string
	videosDir string
	logger    *zap.Logger
}

// New creates the store, creating the root and videos directory once
func New(root, videosDir string, logger *zap.Logger) (*Store, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(absRoot, videosDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	logger.Info("artifact store initialized",
		zap.String("root", absRoot),
		zap.String("videosDir", videosDir),
	)

	return &Store{
		root:      absRoot,
		videosDir: videosDir,
		logger:    logger.With(zap.String("component", "artifact-store")),
	}, nil
}

// Root returns the absolute storage root
func (s *Store) Root() string {
	return s.root
}

// RelativeFor returns the catalog path a stored name lives at
func (s *Store) RelativeFor(storedName string) string {
	return filepath.ToSlash(filepath.Join(s.videosDir, storedName))
}

// Resolve converts a catalog-relative path to an absolute one
func (s *Store) Resolve(relativePath string) (string, error) {
	if relativePath == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideRoot)
	}
	full := filepath.Join(s.root, filepath.FromSlash(relativePath))
	if full != s.root && !strings.HasPrefix(full, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, relativePath)
	}
	return full, nil
}

// Relative converts an absolute path under the root back to its catalog form
func (s *Store) Relative(absolutePath string) (string, error) {
	rel, err := filepath.Rel(s.root, absolutePath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, absolutePath)
	}
	return filepath.ToSlash(rel), nil
}

// Exists checks if a regular file is present at the catalog path
func (s *Store) Exists(relativePath string) bool {
	full, err := s.Resolve(relativePath)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

// Size returns the size in bytes of the file at the catalog path
func (s *Store) Size(relativePath string) (int64, error) {
	full, err := s.Resolve(relativePath)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return 0, domain.ArtifactMissingf("artifact %s not found", relativePath).Wrap(err)
	}
	return info.Size(), nil
}

// Open opens an artifact for reading. A missing file is reported as ArtifactMissing.
func (s *Store) Open(relativePath string) (*os.File, os.FileInfo, error) {
	full, err := s.Resolve(relativePath)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, domain.ArtifactMissingf("artifact %s not found", relativePath).Wrap(err)
		}
		return nil, nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return file, info, nil
}

// Save writes body to a new file at the catalog path, refusing to overwrite.
// At most limit bytes are accepted; a partial file is removed on any failure.
func (s *Store) Save(relativePath string, body io.Reader, limit int64) (int64, error) {
	full, err := s.Resolve(relativePath)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	written, err := io.Copy(file, io.LimitReader(body, limit+1))
	closeErr := file.Close()
	switch {
	case err != nil:
		err = fmt.Errorf("failed to write file: %w", err)
	case closeErr != nil:
		err = fmt.Errorf("failed to close file: %w", closeErr)
	case written > limit:
		err = domain.Validationf("file exceeds the %d byte limit", limit)
	}
	if err != nil {
		s.Discard(relativePath)
		return 0, err
	}

	s.logger.Debug("artifact saved",
		zap.String("path", relativePath),
		zap.Int64("bytes", written),
	)
	return written, nil
}

// Discard removes a file that never made it into the catalog
func (s *Store) Discard(relativePath string) {
	full, err := s.Resolve(relativePath)
	if err != nil {
		return
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to discard uncommitted artifact",
			zap.String("path", relativePath),
			zap.Error(err),
		)
	}
}
