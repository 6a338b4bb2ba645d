package naming

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnique_NoCollisions(t *testing.T) {
	const n = 2000
	var mu sync.Mutex
	seen := make(map[string]struct{}, n)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/4; j++ {
				id := Unique()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}

func TestUnique_Monotonic(t *testing.T) {
	prev := Unique()
	for i := 0; i < 100; i++ {
		next := Unique()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"clip.mp4":              "clip.mp4",
		"../../etc/passwd":      "passwd",
		"my clip (1).webm":      "my_clip__1_.webm",
		"C:\\Users\\me\\a.mkv":  "a.mkv",
		"..":                    "file",
		"":                      "file",
		"o'brien.mp4":           "o_brien.mp4",
	}
	for in, want := range tests {
		assert.Equal(t, want, Sanitize(in), in)
	}
}

func TestNames(t *testing.T) {
	assert.True(t, strings.HasPrefix(Trimmed("a b.mp4"), "trimmed_"))
	assert.True(t, strings.HasSuffix(Trimmed("a b.mp4"), "_a_b.mp4"))
	assert.True(t, strings.HasPrefix(Merged(), "merged_"))
	assert.True(t, strings.HasSuffix(Merged(), ".mp4"))
	assert.True(t, strings.HasPrefix(Manifest(), "filelist_"))
	assert.True(t, strings.HasSuffix(Upload("x.avi"), "_x.avi"))
}
