// Package naming generates collision-free names for stored artifacts and working files.
package naming

import (
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// Unique returns a lowercase ULID. Values are strictly increasing within the process,
// so two names minted in the same millisecond still differ.
func Unique() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// Sanitize reduces an untrusted file name to a safe base name
func Sanitize(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}

// Trimmed names the output of a trim of source
func Trimmed(source string) string {
	return "trimmed_" + Unique() + "_" + Sanitize(source)
}

// Merged names the output of a merge
func Merged() string {
	return "merged_" + Unique() + ".mp4"
}

// Upload names a freshly uploaded original
func Upload(original string) string {
	return Unique() + "_" + Sanitize(original)
}

// Manifest names a merge file list
func Manifest() string {
	return "filelist_" + Unique() + ".txt"
}
