package ffmpeg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tvoe/clipshare/internal/naming"
)

const manifestPattern = "filelist_*.txt"

// Manifest is the transient concat list that drives one merge.
// It must only exist while the merge process runs.
type Manifest struct {
	path string
}

// WriteManifest writes a uniquely named concat list of absolute input paths
func WriteManifest(dir string, inputs []string) (*Manifest, error) {
	for _, in := range inputs {
		if !filepath.IsAbs(in) {
			return nil, fmt.Errorf("manifest input must be absolute: %s", in)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create manifest directory: %w", err)
	}

	path := filepath.Join(dir, naming.Manifest())
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest: %w", err)
	}

	_, err = file.WriteString(formatManifest(inputs))
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	return &Manifest{path: path}, nil
}

// Path returns the manifest location
func (m *Manifest) Path() string {
	return m.path
}

// Remove deletes the manifest; removing an absent manifest is not an error
func (m *Manifest) Remove() error {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove manifest: %w", err)
	}
	return nil
}

// formatManifest renders concat demuxer lines; a single quote becomes '\''
func formatManifest(inputs []string) string {
	var b strings.Builder
	for i, in := range inputs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(in, "'", `'\''`))
		b.WriteString("'")
	}
	return b.String()
}

// SweepManifests removes manifests older than maxAge that a crashed process left behind
func SweepManifests(dir string, maxAge time.Duration) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, manifestPattern))
	if err != nil {
		return 0, fmt.Errorf("failed to list manifests: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}

	return removed, nil
}
