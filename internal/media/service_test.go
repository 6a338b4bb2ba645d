package media

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tvoe/clipshare/internal/db"
	"github.com/tvoe/clipshare/internal/domain"
	"github.com/tvoe/clipshare/internal/ffmpeg"
	"github.com/tvoe/clipshare/internal/metrics"
	"github.com/tvoe/clipshare/internal/storage/local"
)

type fakeCatalog struct {
	mu        sync.Mutex
	nextID    int64
	records   map[int64]*domain.MediaRecord
	lookups   int
	insertErr error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{nextID: 1, records: map[int64]*domain.MediaRecord{}}
}

func (c *fakeCatalog) Insert(ctx context.Context, record *domain.MediaRecord) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.insertErr != nil {
		return 0, c.insertErr
	}
	record.ID = c.nextID
	c.nextID++
	stored := *record
	c.records[record.ID] = &stored
	return record.ID, nil
}

func (c *fakeCatalog) FindByID(ctx context.Context, id int64) (*domain.MediaRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	record, ok := c.records[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return record, nil
}

func (c *fakeCatalog) FindPathByID(ctx context.Context, id int64) (string, error) {
	record, err := c.FindByID(ctx, id)
	if err != nil {
		return "", err
	}
	return record.RelativePath, nil
}

func (c *fakeCatalog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// recordingEngine stands in for ffmpeg. It captures arguments and manifest contents,
// then writes the output file named by the last argument.
type recordingEngine struct {
	mu        sync.Mutex
	calls     [][]string
	manifests []string
	fail      bool
	partial   bool
	release   chan struct{}
}

func (e *recordingEngine) Run(ctx context.Context, args []string, progressFn ffmpeg.ProgressCallback) error {
	e.mu.Lock()
	e.calls = append(e.calls, args)
	for i, a := range args {
		if a == "concat" {
			content, err := os.ReadFile(args[i+4])
			if err == nil {
				e.manifests = append(e.manifests, string(content))
			}
		}
	}
	e.mu.Unlock()

	if e.release != nil {
		<-e.release
	}

	output := args[len(args)-1]
	if e.fail {
		if e.partial {
			_ = os.WriteFile(output, []byte("partial"), 0644)
		}
		return &ffmpeg.ExitError{ExitCode: 1, Stderr: "Conversion failed!", Err: errors.New("exit status 1")}
	}
	return os.WriteFile(output, []byte("transcoded"), 0644)
}

func (e *recordingEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fakeMirror struct {
	mirrored chan string
}

func (m *fakeMirror) Mirror(ctx context.Context, relativePath, absolutePath string) error {
	m.mirrored <- relativePath
	return nil
}

type testEnv struct {
	svc         *Service
	catalog     *fakeCatalog
	store       *local.Store
	engine      *recordingEngine
	manifestDir string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	root := t.TempDir()
	logger := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())

	store, err := local.New(root, "videos", logger)
	require.NoError(t, err)

	engine := &recordingEngine{}
	executor := ffmpeg.NewExecutor(engine, ffmpeg.NewCommandBuilder("", ""), 2, logger, m)
	catalog := newFakeCatalog()

	opts.ManifestDir = filepath.Join(root, "manifests")
	if opts.UploadMaxBytes == 0 {
		opts.UploadMaxBytes = 1024
	}

	return &testEnv{
		svc:         NewService(catalog, store, executor, opts, logger, m),
		catalog:     catalog,
		store:       store,
		engine:      engine,
		manifestDir: opts.ManifestDir,
	}
}

// seed stores a video file and catalogs it
func (env *testEnv) seed(t *testing.T, name string) int64 {
	t.Helper()
	rel := env.store.RelativeFor(name)
	_, err := env.store.Save(rel, strings.NewReader("source"), 1024)
	require.NoError(t, err)
	id, err := env.catalog.Insert(context.Background(), domain.NewMediaRecord(name, rel, domain.MediaOriginUpload, 6))
	require.NoError(t, err)
	return id
}

// seedMissing catalogs a record without bytes
func (env *testEnv) seedMissing(t *testing.T, name string) int64 {
	t.Helper()
	id, err := env.catalog.Insert(context.Background(), domain.NewMediaRecord(name, env.store.RelativeFor(name), domain.MediaOriginUpload, 6))
	require.NoError(t, err)
	return id
}

func (env *testEnv) manifestCount(t *testing.T) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(env.manifestDir, "filelist_*.txt"))
	require.NoError(t, err)
	return len(matches)
}

func (env *testEnv) videoCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(env.store.Root(), "videos"))
	require.NoError(t, err)
	return len(entries)
}

func TestTrimCommitsNewRecord(t *testing.T) {
	env := newTestEnv(t, Options{})
	src := env.seed(t, "clip.mp4")

	record, err := env.svc.Trim(context.Background(), TrimRequest{SourceID: src, Start: 2 * time.Second, End: 5 * time.Second})
	require.NoError(t, err)

	assert.NotEqual(t, src, record.ID)
	assert.Equal(t, domain.MediaOriginTrim, record.Origin)
	assert.True(t, strings.HasPrefix(record.StoredName, "trimmed_"))
	assert.True(t, strings.HasSuffix(record.StoredName, "_clip.mp4"))
	assert.True(t, env.store.Exists(record.RelativePath))
	assert.Equal(t, int64(len("transcoded")), record.SizeBytes)

	stored, err := env.svc.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.RelativePath, stored.RelativePath)

	joined := strings.Join(env.engine.calls[0], " ")
	assert.Contains(t, joined, "-ss 2.000")
	assert.Contains(t, joined, "-t 3.000")
}

func TestTrimValidationRejectsBeforeLookup(t *testing.T) {
	env := newTestEnv(t, Options{})
	src := env.seed(t, "clip.mp4")
	lookups := env.catalog.lookups

	cases := []TrimRequest{
		{SourceID: src, Start: 5 * time.Second, End: 5 * time.Second},
		{SourceID: src, Start: 5 * time.Second, End: 2 * time.Second},
		{SourceID: src, Start: -time.Second, End: 2 * time.Second},
		{SourceID: 0, Start: 0, End: time.Second},
	}
	for _, req := range cases {
		_, err := env.svc.Trim(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrValidation)
	}

	assert.Equal(t, lookups, env.catalog.lookups)
	assert.Zero(t, env.engine.callCount())
}

func TestTrimUnknownSource(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.svc.Trim(context.Background(), TrimRequest{SourceID: 42, Start: 0, End: time.Second})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, env.engine.callCount())
}

func TestTrimMissingArtifact(t *testing.T) {
	env := newTestEnv(t, Options{})
	src := env.seedMissing(t, "gone.mp4")

	_, err := env.svc.Trim(context.Background(), TrimRequest{SourceID: src, Start: 0, End: time.Second})
	assert.ErrorIs(t, err, domain.ErrArtifactMissing)
	assert.Zero(t, env.engine.callCount())
}

func TestTrimFailureLeavesNoRecordOrPartialOutput(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.engine.fail = true
	env.engine.partial = true
	src := env.seed(t, "clip.mp4")

	_, err := env.svc.Trim(context.Background(), TrimRequest{SourceID: src, Start: 0, End: time.Second})
	require.ErrorIs(t, err, domain.ErrExecutionFailure)

	var domErr *domain.Error
	require.True(t, errors.As(err, &domErr))
	assert.Equal(t, "Conversion failed!", domErr.Details["stderr"])

	assert.Equal(t, 1, env.catalog.count())
	assert.Equal(t, 1, env.videoCount(t))
}

func TestTrimDiscardsOutputWhenInsertFails(t *testing.T) {
	env := newTestEnv(t, Options{})
	src := env.seed(t, "clip.mp4")
	env.catalog.insertErr = errors.New("connection refused")

	_, err := env.svc.Trim(context.Background(), TrimRequest{SourceID: src, Start: 0, End: time.Second})
	assert.Error(t, err)
	assert.Equal(t, 1, env.videoCount(t))
}

func TestConcurrentTrimsOfSameSourceGetDistinctOutputs(t *testing.T) {
	env := newTestEnv(t, Options{})
	src := env.seed(t, "clip.mp4")

	var wg sync.WaitGroup
	paths := make([]string, 4)
	errs := make([]error, 4)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := env.svc.Trim(context.Background(), TrimRequest{SourceID: src, Start: 0, End: time.Second})
			errs[i] = err
			if err == nil {
				paths[i] = rec.RelativePath
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, p := range paths {
		require.NoError(t, errs[i])
		assert.False(t, seen[p], "duplicate output %s", p)
		seen[p] = true
	}
}

func TestMergeRequiresTwoInputsBeforeAnyLookup(t *testing.T) {
	env := newTestEnv(t, Options{})

	for _, ids := range [][]int64{nil, {1}} {
		_, err := env.svc.Merge(context.Background(), MergeRequest{SourceIDs: ids})
		assert.ErrorIs(t, err, domain.ErrValidation)
	}
	assert.Zero(t, env.catalog.lookups)
	assert.Zero(t, env.manifestCount(t))
}

func TestMergeReportsFirstMissingID(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.seed(t, "a.mp4")

	_, err := env.svc.Merge(context.Background(), MergeRequest{SourceIDs: []int64{a, 99, 98}})
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "99")
	assert.NotContains(t, err.Error(), "98")
	assert.Zero(t, env.engine.callCount())
}

func TestMergeNotFoundTakesPrecedenceOverArtifactMissing(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.seedMissing(t, "a.mp4")

	_, err := env.svc.Merge(context.Background(), MergeRequest{SourceIDs: []int64{a, 99}})
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.NotErrorIs(t, err, domain.ErrArtifactMissing)
	assert.Contains(t, err.Error(), "99")
	assert.Zero(t, env.engine.callCount())
	assert.Zero(t, env.manifestCount(t))
}

func TestMergeMissingArtifact(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.seed(t, "a.mp4")
	b := env.seedMissing(t, "b.mp4")

	_, err := env.svc.Merge(context.Background(), MergeRequest{SourceIDs: []int64{a, b}})
	assert.ErrorIs(t, err, domain.ErrArtifactMissing)
	assert.Zero(t, env.manifestCount(t))
}

func TestMergeConcatenatesInOrderAndRemovesManifest(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.seed(t, "a.mp4")
	b := env.seed(t, "b.mp4")
	c := env.seed(t, "c.mp4")

	record, err := env.svc.Merge(context.Background(), MergeRequest{SourceIDs: []int64{c, a, b}})
	require.NoError(t, err)

	assert.Equal(t, domain.MediaOriginMerge, record.Origin)
	assert.True(t, strings.HasPrefix(record.StoredName, "merged_"))
	assert.True(t, strings.HasSuffix(record.StoredName, ".mp4"))
	assert.True(t, env.store.Exists(record.RelativePath))

	require.Len(t, env.engine.manifests, 1)
	lines := strings.Split(env.engine.manifests[0], "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[0], "c.mp4'"))
	assert.True(t, strings.HasSuffix(lines[1], "a.mp4'"))
	assert.True(t, strings.HasSuffix(lines[2], "b.mp4'"))

	assert.Zero(t, env.manifestCount(t))
}

func TestMergeFailureRemovesManifest(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.engine.fail = true
	a := env.seed(t, "a.mp4")
	b := env.seed(t, "b.mp4")

	_, err := env.svc.Merge(context.Background(), MergeRequest{SourceIDs: []int64{a, b}})
	assert.ErrorIs(t, err, domain.ErrExecutionFailure)
	assert.Zero(t, env.manifestCount(t))
	assert.Equal(t, 2, env.catalog.count())
}

func TestMergeAbandonedByCallerCleansUpOnExit(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.engine.release = make(chan struct{})
	a := env.seed(t, "a.mp4")
	b := env.seed(t, "b.mp4")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := env.svc.Merge(ctx, MergeRequest{SourceIDs: []int64{a, b}})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return env.engine.callCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// The process is still running, so its manifest is still in use
	assert.Equal(t, 1, env.manifestCount(t))

	close(env.engine.release)
	assert.Eventually(t, func() bool { return env.manifestCount(t) == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return env.videoCount(t) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, env.catalog.count())
}

func TestIngestStoresAndCatalogsUpload(t *testing.T) {
	mirror := &fakeMirror{mirrored: make(chan string, 1)}
	env := newTestEnv(t, Options{Mirror: mirror})

	record, err := env.svc.Ingest(context.Background(), IngestRequest{
		OriginalName: "My Holiday.MP4",
		Size:         5,
		Body:         bytes.NewReader([]byte("video")),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.MediaOriginUpload, record.Origin)
	assert.True(t, strings.HasSuffix(record.StoredName, "_My_Holiday.MP4"))
	assert.Equal(t, int64(5), record.SizeBytes)
	assert.True(t, env.store.Exists(record.RelativePath))

	select {
	case rel := <-mirror.mirrored:
		assert.Equal(t, record.RelativePath, rel)
	case <-time.After(5 * time.Second):
		t.Fatal("artifact was not mirrored")
	}
}

func TestIngestRejectsUnsupportedExtension(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.svc.Ingest(context.Background(), IngestRequest{
		OriginalName: "notes.txt",
		Size:         5,
		Body:         strings.NewReader("hello"),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Zero(t, env.videoCount(t))
}

func TestIngestRejectsOversizedUpload(t *testing.T) {
	env := newTestEnv(t, Options{UploadMaxBytes: 4})

	// Declared size over the limit
	_, err := env.svc.Ingest(context.Background(), IngestRequest{
		OriginalName: "a.mp4",
		Size:         10,
		Body:         strings.NewReader("0123456789"),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	// Undeclared size, body over the limit
	_, err = env.svc.Ingest(context.Background(), IngestRequest{
		OriginalName: "a.mp4",
		Body:         strings.NewReader("0123456789"),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Zero(t, env.videoCount(t))
	assert.Zero(t, env.catalog.count())
}

func TestGetUnknownRecord(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.svc.Get(context.Background(), 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.svc.Get(context.Background(), -1)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
