package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/tvoe/clipshare/internal/domain"
	"github.com/tvoe/clipshare/internal/media"
)

const (
	uploadField  = "video"
	maxJSONBytes = 1 << 20
	// multipart framing on top of the file itself
	uploadOverhead = 1 << 20
)

// MediaService runs the media flows
type MediaService interface {
	Get(ctx context.Context, id int64) (*domain.MediaRecord, error)
	Ingest(ctx context.Context, req media.IngestRequest) (*domain.MediaRecord, error)
	Trim(ctx context.Context, req media.TrimRequest) (*domain.MediaRecord, error)
	Merge(ctx context.Context, req media.MergeRequest) (*domain.MediaRecord, error)
}

// ShareService issues and redeems share tokens
type ShareService interface {
	ParseTokenID(raw string) (int64, error)
	Issue(ctx context.Context, mediaID int64, ttl time.Duration) (*domain.ShareToken, error)
	Redeem(ctx context.Context, tokenID int64) (*domain.MediaRecord, error)
	Revoke(ctx context.Context, tokenID int64) error
}

// ArtifactReader opens stored media for streaming
type ArtifactReader interface {
	Open(relativePath string) (*os.File, os.FileInfo, error)
}

// HealthCheck is a named dependency probe
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HandlerConfig holds handler settings
type HandlerConfig struct {
	PublicBaseURL  string
	UploadMaxBytes int64
	JobTimeout     time.Duration
}

// Handler holds API dependencies
type Handler struct {
	config    HandlerConfig
	media     MediaService
	share     ShareService
	artifacts ArtifactReader
	checks    []HealthCheck
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(
	cfg HandlerConfig,
	mediaSvc MediaService,
	shareSvc ShareService,
	artifacts ArtifactReader,
	checks []HealthCheck,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		config:    cfg,
		media:     mediaSvc,
		share:     shareSvc,
		artifacts: artifacts,
		checks:    checks,
		validate:  validator.New(),
		logger:    logger,
	}
}

// TrimRequest is the body of a trim call, in seconds
type TrimRequest struct {
	Start float64 `json:"start" validate:"gte=0"`
	End   float64 `json:"end" validate:"gtfield=Start"`
}

// MergeRequest is the body of a merge call
type MergeRequest struct {
	VideoIDs []int64 `json:"videoIds" validate:"required,min=2,dive,gt=0"`
}

// ShareRequest is the body of a share call
type ShareRequest struct {
	VideoID     int64   `json:"videoId" validate:"required,gt=0"`
	ExpiryHours float64 `json:"expiryHours" validate:"required,gt=0"`
}

// VideoResponse wraps a media record
type VideoResponse struct {
	Video *domain.MediaRecord `json:"video"`
	Path  string              `json:"path,omitempty"`
}

// MergeResponse carries the id of a merged video
type MergeResponse struct {
	MergedVideoID int64 `json:"mergedVideoId"`
}

// ShareResponse carries a freshly issued link
type ShareResponse struct {
	Token         string    `json:"token"`
	ShareableLink string    `json:"shareableLink"`
	ExpiryTime    time.Time `json:"expiryTime"`
}

// UploadVideo streams the multipart "video" field into the artifact store
func (h *Handler) UploadVideo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.UploadMaxBytes+uploadOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		h.writeError(w, r, domain.Validationf("expected multipart/form-data upload"))
		return
	}

	part, err := nextFilePart(mr, uploadField)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer part.Close()

	record, err := h.media.Ingest(r.Context(), media.IngestRequest{
		OriginalName: part.FileName(),
		Body:         part,
	})
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			err = domain.Validationf("file exceeds the %d byte limit", h.config.UploadMaxBytes)
		}
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, VideoResponse{Video: record})
}

// GetVideo returns a media record
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	id, err := videoIDParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	record, err := h.media.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, VideoResponse{Video: record})
}

// TrimVideo cuts a stored video and waits for the result
func (h *Handler) TrimVideo(w http.ResponseWriter, r *http.Request) {
	id, err := videoIDParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req TrimRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.config.JobTimeout)
	defer cancel()

	record, err := h.media.Trim(ctx, media.TrimRequest{
		SourceID: id,
		Start:    seconds(req.Start),
		End:      seconds(req.End),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, VideoResponse{Video: record, Path: record.RelativePath})
}

// MergeVideos concatenates stored videos and waits for the result
func (h *Handler) MergeVideos(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.config.JobTimeout)
	defer cancel()

	record, err := h.media.Merge(ctx, media.MergeRequest{SourceIDs: req.VideoIDs})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, MergeResponse{MergedVideoID: record.ID})
}

// CreateShare issues a share link
func (h *Handler) CreateShare(w http.ResponseWriter, r *http.Request) {
	var req ShareRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ttl := time.Duration(req.ExpiryHours * float64(time.Hour))
	token, err := h.share.Issue(r.Context(), req.VideoID, ttl)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	raw := strconv.FormatInt(token.TokenID, 10)
	writeJSON(w, http.StatusCreated, ShareResponse{
		Token:         raw,
		ShareableLink: strings.TrimRight(h.config.PublicBaseURL, "/") + "/shared/" + raw,
		ExpiryTime:    token.ExpiresAt,
	})
}

// RevokeShare deletes a share link
func (h *Handler) RevokeShare(w http.ResponseWriter, r *http.Request) {
	tokenID, err := h.share.ParseTokenID(chi.URLParam(r, "token"))
	if err != nil {
		// Revocation is idempotent, so a token that cannot exist is already revoked
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.share.Revoke(r.Context(), tokenID); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ServeShared streams the video behind a share token. Range requests are supported.
func (h *Handler) ServeShared(w http.ResponseWriter, r *http.Request) {
	tokenID, err := h.share.ParseTokenID(chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	record, err := h.share.Redeem(r.Context(), tokenID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	file, info, err := h.artifacts.Open(record.RelativePath)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer file.Close()

	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("failed to detect content type: %w", err))
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		h.writeError(w, r, fmt.Errorf("failed to rewind artifact: %w", err))
		return
	}

	w.Header().Set("Content-Type", mtype.String())
	http.ServeContent(w, r, record.StoredName, info.ModTime(), file)
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := h.runChecks(r.Context(), "healthy", "unhealthy")
	statusCode := http.StatusOK
	if status["status"] == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, status)
}

// ReadyCheck returns readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	status := h.runChecks(r.Context(), "ready", "not ready")
	statusCode := http.StatusOK
	if status["status"] != "ready" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, status)
}

func (h *Handler) runChecks(ctx context.Context, ok, failed string) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := map[string]string{"status": ok}
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			h.logger.Error("health check failed", zap.String("check", c.Name), zap.Error(err))
			status[c.Name] = failed
			status["status"] = failed
			continue
		}
		status[c.Name] = ok
	}
	return status
}

// decode reads a JSON body and validates it
func (h *Handler) decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes))
	if err := dec.Decode(dst); err != nil {
		return domain.Validationf("invalid request body").Wrap(err)
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return domain.Validationf("invalid request: %s", strings.Join(fields, ", "))
		}
		return domain.Validationf("invalid request").Wrap(err)
	}
	return nil
}

func nextFilePart(mr *multipart.Reader, field string) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, domain.Validationf("no file uploaded in field %q", field)
		}
		if err != nil {
			return nil, domain.Validationf("malformed multipart body").Wrap(err)
		}
		if part.FormName() == field && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func videoIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.Validationf("invalid video id")
	}
	return id, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
