package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tvoe/clipshare/internal/domain"
	"github.com/tvoe/clipshare/internal/media"
	"github.com/tvoe/clipshare/internal/storage/local"
)

const testSecret = "test-secret-test-secret-test-secret"

type fakeMediaService struct {
	records   map[int64]*domain.MediaRecord
	ingested  []byte
	ingestErr error
	trimReq   media.TrimRequest
	trimErr   error
	mergeReq  media.MergeRequest
	mergeErr  error
}

func (f *fakeMediaService) Get(ctx context.Context, id int64) (*domain.MediaRecord, error) {
	if r, ok := f.records[id]; ok {
		return r, nil
	}
	return nil, domain.NotFoundf("video %d not found", id)
}

func (f *fakeMediaService) Ingest(ctx context.Context, req media.IngestRequest) (*domain.MediaRecord, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	f.ingested = data
	if f.ingestErr != nil {
		return nil, f.ingestErr
	}
	r := domain.NewMediaRecord("x_"+req.OriginalName, "videos/x_"+req.OriginalName, domain.MediaOriginUpload, int64(len(data)))
	r.ID = 1
	return r, nil
}

func (f *fakeMediaService) Trim(ctx context.Context, req media.TrimRequest) (*domain.MediaRecord, error) {
	f.trimReq = req
	if f.trimErr != nil {
		return nil, f.trimErr
	}
	r := domain.NewMediaRecord("trimmed_x_clip.mp4", "videos/trimmed_x_clip.mp4", domain.MediaOriginTrim, 10)
	r.ID = 2
	return r, nil
}

func (f *fakeMediaService) Merge(ctx context.Context, req media.MergeRequest) (*domain.MediaRecord, error) {
	f.mergeReq = req
	if f.mergeErr != nil {
		return nil, f.mergeErr
	}
	r := domain.NewMediaRecord("merged_x.mp4", "videos/merged_x.mp4", domain.MediaOriginMerge, 10)
	r.ID = 3
	return r, nil
}

type fakeShareService struct {
	tokens  map[int64]*domain.MediaRecord
	expired map[int64]bool
	revoked []int64
}

func (f *fakeShareService) ParseTokenID(raw string) (int64, error) {
	if len(raw) != 6 {
		return 0, domain.NotFoundf("share link not found")
	}
	return parseInt(raw), nil
}

func (f *fakeShareService) Issue(ctx context.Context, mediaID int64, ttl time.Duration) (*domain.ShareToken, error) {
	if mediaID != 5 {
		return nil, domain.NotFoundf("video %d not found", mediaID)
	}
	return &domain.ShareToken{
		TokenID:   482913,
		MediaID:   mediaID,
		ExpiresAt: time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC).Add(ttl - 24*time.Hour),
	}, nil
}

func (f *fakeShareService) Redeem(ctx context.Context, tokenID int64) (*domain.MediaRecord, error) {
	if f.expired[tokenID] {
		return nil, domain.Expiredf("share link has expired")
	}
	if r, ok := f.tokens[tokenID]; ok {
		return r, nil
	}
	return nil, domain.NotFoundf("share link not found")
}

func (f *fakeShareService) Revoke(ctx context.Context, tokenID int64) error {
	f.revoked = append(f.revoked, tokenID)
	return nil
}

func parseInt(s string) int64 {
	var n int64
	for _, c := range s {
		n = n*10 + int64(c-'0')
	}
	return n
}

type testServer struct {
	handler http.Handler
	media   *fakeMediaService
	share   *fakeShareService
	store   *local.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()

	store, err := local.New(t.TempDir(), "videos", logger)
	require.NoError(t, err)

	mediaSvc := &fakeMediaService{records: map[int64]*domain.MediaRecord{}}
	shareSvc := &fakeShareService{tokens: map[int64]*domain.MediaRecord{}, expired: map[int64]bool{}}

	h := NewHandler(HandlerConfig{
		PublicBaseURL:  "https://clips.example.com/",
		UploadMaxBytes: 1024,
		JobTimeout:     time.Minute,
	}, mediaSvc, shareSvc, store, []HealthCheck{
		{Name: "storage", Check: func(ctx context.Context) error { return nil }},
	}, logger)

	router := NewRouter(h, NewAuthenticator(testSecret, "admin"), RouterConfig{
		RedeemRateLimit:  100,
		RedeemRateWindow: time.Minute,
		MetricsHandler:   http.NotFoundHandler(),
	}, logger)

	return &testServer{handler: router, media: mediaSvc, share: shareSvc, store: store}
}

func signToken(t *testing.T, roles []string, expires time.Time) string {
	t.Helper()
	claims := &Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) admin(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, method, path, body, map[string]string{
		"x-auth-token": signToken(t, []string{"admin"}, time.Now().Add(time.Hour)),
		"Content-Type": "application/json",
	})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/videos/1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/videos/1", nil, map[string]string{"x-auth-token": "garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := signToken(t, []string{"admin"}, time.Now().Add(-time.Minute))
	rec = s.do(t, http.MethodGet, "/v1/videos/1", nil, map[string]string{"x-auth-token": expired})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "token expired")

	viewer := signToken(t, []string{"viewer"}, time.Now().Add(time.Hour))
	rec = s.do(t, http.MethodGet, "/v1/videos/1", nil, map[string]string{"x-auth-token": viewer})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Bearer form is accepted too; the video does not exist
	admin := signToken(t, []string{"admin"}, time.Now().Add(time.Hour))
	rec = s.do(t, http.MethodGet, "/v1/videos/1", nil, map[string]string{"Authorization": "Bearer " + admin})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthRejectsOtherSigningMethods(t *testing.T) {
	s := newTestServer(t)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Roles: []string{"admin"}}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/v1/videos/1", nil, map[string]string{"x-auth-token": unsigned})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadVideo(t *testing.T) {
	s := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("title", "ignored"))
	fw, err := mw.CreateFormFile("video", "clip.mp4")
	require.NoError(t, err)
	_, err = fw.Write([]byte("fake video bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := s.do(t, http.MethodPost, "/v1/videos", &body, map[string]string{
		"x-auth-token": signToken(t, []string{"admin"}, time.Now().Add(time.Hour)),
		"Content-Type": mw.FormDataContentType(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp VideoResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, int64(1), resp.Video.ID)
	assert.Equal(t, "fake video bytes", string(s.media.ingested))
}

func TestUploadWithoutFile(t *testing.T) {
	s := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("title", "no file"))
	require.NoError(t, mw.Close())

	rec := s.do(t, http.MethodPost, "/v1/videos", &body, map[string]string{
		"x-auth-token": signToken(t, []string{"admin"}, time.Now().Add(time.Hour)),
		"Content-Type": mw.FormDataContentType(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.admin(t, http.MethodPost, "/v1/videos", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrimVideo(t *testing.T) {
	s := newTestServer(t)

	rec := s.admin(t, http.MethodPost, "/v1/videos/7/trim", strings.NewReader(`{"start": 1.5, "end": 4}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.Equal(t, int64(7), s.media.trimReq.SourceID)
	assert.Equal(t, 1500*time.Millisecond, s.media.trimReq.Start)
	assert.Equal(t, 4*time.Second, s.media.trimReq.End)

	var resp VideoResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "videos/trimmed_x_clip.mp4", resp.Path)
}

func TestTrimRejectsBadRange(t *testing.T) {
	s := newTestServer(t)

	for _, body := range []string{`{"start": 5, "end": 2}`, `{"start": -1, "end": 2}`, `{"start": 1}`, `not json`} {
		rec := s.admin(t, http.MethodPost, "/v1/videos/7/trim", strings.NewReader(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := s.admin(t, http.MethodPost, "/v1/videos/abc/trim", strings.NewReader(`{"start": 0, "end": 1}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{domain.Validationf("bad"), http.StatusBadRequest},
		{domain.NotFoundf("gone"), http.StatusNotFound},
		{domain.ArtifactMissingf("no bytes"), http.StatusNotFound},
		{domain.ExecutionFailuref("ffmpeg").WithDetails("stderr", "secret engine output"), http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		s := newTestServer(t)
		s.media.trimErr = tc.err

		rec := s.admin(t, http.MethodPost, "/v1/videos/7/trim", strings.NewReader(`{"start": 0, "end": 1}`))
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		assert.NotContains(t, rec.Body.String(), "secret engine output")
	}
}

func TestMergeVideos(t *testing.T) {
	s := newTestServer(t)

	rec := s.admin(t, http.MethodPost, "/v1/videos/merge", strings.NewReader(`{"videoIds": [3, 1, 2]}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp MergeResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, int64(3), resp.MergedVideoID)
	assert.Equal(t, []int64{3, 1, 2}, s.media.mergeReq.SourceIDs)

	rec = s.admin(t, http.MethodPost, "/v1/videos/merge", strings.NewReader(`{"videoIds": [3]}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateShare(t *testing.T) {
	s := newTestServer(t)

	rec := s.admin(t, http.MethodPost, "/v1/share", strings.NewReader(`{"videoId": 5, "expiryHours": 24}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp ShareResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "482913", resp.Token)
	assert.Equal(t, "https://clips.example.com/shared/482913", resp.ShareableLink)
	assert.False(t, resp.ExpiryTime.IsZero())

	rec = s.admin(t, http.MethodPost, "/v1/share", strings.NewReader(`{"videoId": 5, "expiryHours": 0}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.admin(t, http.MethodPost, "/v1/share", strings.NewReader(`{"videoId": 9, "expiryHours": 1}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeShare(t *testing.T) {
	s := newTestServer(t)

	rec := s.admin(t, http.MethodDelete, "/v1/share/482913", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int64{482913}, s.share.revoked)

	rec = s.admin(t, http.MethodDelete, "/v1/share/12", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, s.share.revoked, 1)
}

func TestServeShared(t *testing.T) {
	s := newTestServer(t)

	// Minimal ftyp box followed by filler
	content := append([]byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00isommp42"), bytes.Repeat([]byte("x"), 100)...)
	_, err := s.store.Save("videos/clip.mp4", bytes.NewReader(content), 1024)
	require.NoError(t, err)
	s.share.tokens[482913] = domain.NewMediaRecord("clip.mp4", "videos/clip.mp4", domain.MediaOriginUpload, int64(len(content)))

	rec := s.do(t, http.MethodGet, "/shared/482913", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, content, rec.Body.Bytes())
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))

	rec = s.do(t, http.MethodGet, "/shared/482913", nil, map[string]string{"Range": "bytes=0-3"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, content[:4], rec.Body.Bytes())
}

func TestServeSharedErrors(t *testing.T) {
	s := newTestServer(t)
	s.share.expired[111111] = true
	s.share.tokens[222222] = domain.NewMediaRecord("gone.mp4", "videos/gone.mp4", domain.MediaOriginUpload, 1)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/shared/999999", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/shared/12", nil, nil).Code)
	assert.Equal(t, http.StatusGone, s.do(t, http.MethodGet, "/shared/111111", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/shared/222222", nil, nil).Code)
}

func TestSharedIsRateLimited(t *testing.T) {
	logger := zap.NewNop()
	shareSvc := &fakeShareService{tokens: map[int64]*domain.MediaRecord{}, expired: map[int64]bool{}}
	h := NewHandler(HandlerConfig{UploadMaxBytes: 1024, JobTimeout: time.Minute}, &fakeMediaService{}, shareSvc, nil, nil, logger)
	router := NewRouter(h, nil, RouterConfig{RedeemRateLimit: 2, RedeemRateWindow: time.Minute}, logger)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/shared/999999", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)
}

func TestHealthChecks(t *testing.T) {
	logger := zap.NewNop()
	h := NewHandler(HandlerConfig{}, nil, nil, nil, []HealthCheck{
		{Name: "database", Check: func(ctx context.Context) error { return errors.New("down") }},
		{Name: "storage", Check: func(ctx context.Context) error { return nil }},
	}, logger)
	router := NewRouter(h, nil, RouterConfig{RedeemRateLimit: 1, RedeemRateWindow: time.Minute, MetricsHandler: http.NotFoundHandler()}, logger)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status map[string]string
	decodeBody(t, rec, &status)
	assert.Equal(t, "unhealthy", status["database"])
	assert.Equal(t, "healthy", status["storage"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
