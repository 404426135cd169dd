package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/you-humble/framesync/uploader/internal/domain"
)

const maxBodyBytes = 1 << 20

type Submissions interface {
	Create(ctx context.Context, sub domain.Submission) (domain.Submission, error)
	Submission(ctx context.Context, id string) (domain.Submission, error)
	List(ctx context.Context) ([]domain.Submission, error)
}

type Uploader interface {
	Start(ctx context.Context, id string) error
	Cancel(id string) bool
}

type CreateSubmissionRequest struct {
	ID         string        `json:"id"`
	RemoteID   string        `json:"remote_id"`
	SeriesID   string        `json:"series_id"`
	Title      string        `json:"title"`
	Colors     domain.Colors `json:"colors"`
	Folder     string        `json:"folder"`
	Status     domain.Status `json:"status"`
	AutoUpload bool          `json:"auto_upload"`
}

type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type handler struct {
	submissions Submissions
	uploader    Uploader
}

func NewHandler(submissions Submissions, uploader Uploader) *handler {
	return &handler{submissions: submissions, uploader: uploader}
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "create")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	var req CreateSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("decode request", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch req.Status {
	case "", domain.StatusCreated, domain.StatusProcessing:
	default:
		writeError(w, http.StatusBadRequest, "status must be created or processing")
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	sub, err := h.submissions.Create(r.Context(), domain.Submission{
		ID:         id,
		RemoteID:   req.RemoteID,
		SeriesID:   req.SeriesID,
		Title:      req.Title,
		Colors:     req.Colors,
		Folder:     req.Folder,
		Status:     req.Status,
		AutoUpload: req.AutoUpload,
	})
	if err != nil {
		h.fail(w, logger, "Create", err)
		return
	}

	logger.Info("submission registered",
		slog.String("submission_id", sub.ID),
		slog.String("status", string(sub.Status)),
	)
	writeJSON(w, http.StatusCreated, sub)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	subs, err := h.submissions.List(r.Context())
	if err != nil {
		h.fail(w, requestLogger(r, "list"), "List", err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.submissions.Submission(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, requestLogger(r, "get"), "Submission", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// upload starts or retries an upload; it answers once the run is claimed.
func (h *handler) upload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	logger := requestLogger(r, "upload").With(slog.String("submission_id", id))

	if err := h.uploader.Start(r.Context(), id); err != nil {
		h.fail(w, logger, "Start", err)
		return
	}

	sub, err := h.submissions.Submission(r.Context(), id)
	if err != nil {
		h.fail(w, logger, "Submission", err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, CancelResponse{ID: id, Cancelled: h.uploader.Cancel(id)})
}

func (h *handler) fail(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "submission not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "submission already exists")
	case errors.Is(err, domain.ErrNotUploadable),
		errors.Is(err, domain.ErrAlreadyUploading),
		errors.Is(err, domain.ErrUploadInProgress):
		logger.Warn(op, slog.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Error(op, slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
	}
}

func requestLogger(r *http.Request, name string) *slog.Logger {
	return slog.With(
		slog.String("request_id", uuid.NewString()),
		slog.String("handler", name),
		slog.String("remote_addr", r.RemoteAddr),
	)
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
