// Package webhook is the HTTP ingress surface. The IPC adapter serves the
// same handler over a unix socket, so everything here is written against
// plain net/http with no transport assumptions.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/inletworks/inlet/internal/httputil"
	"github.com/inletworks/inlet/internal/logging"
	"github.com/inletworks/inlet/internal/metrics"
	"github.com/inletworks/inlet/internal/models"
	"github.com/inletworks/inlet/internal/pipeline"
	"github.com/inletworks/inlet/internal/storage"
	"github.com/inletworks/inlet/pkg/apikey"
)

// Handler serves the /v1/notifications API.
type Handler struct {
	pipeline *pipeline.Pipeline
	repo     storage.Repository
	writer   *storage.Writer
	logger   *logging.Logger
	channel  models.SourceChannel
	maxBody  int64
}

func NewHandler(p *pipeline.Pipeline, repo storage.Repository, writer *storage.Writer, logger *logging.Logger, maxBody int64) *Handler {
	return &Handler{
		pipeline: p,
		repo:     repo,
		writer:   writer,
		logger:   logger,
		channel:  models.ChannelWebhook,
		maxBody:  maxBody,
	}
}

// ForChannel returns a copy of the handler that tags envelopes with a
// different source channel. Used by the IPC adapter.
func (h *Handler) ForChannel(channel models.SourceChannel) *Handler {
	c := *h
	c.channel = channel
	return &c
}

// HandleNotifications serves the collection route: POST ingests one
// notification, GET lists stored records.
func (h *Handler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.ingest(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		httputil.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

// HandleNotificationByID serves /v1/notifications/{id}: GET fetches,
// PUT updates against an If-Match version, DELETE soft-deletes.
func (h *Handler) HandleNotificationByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/notifications/")
	if id == "" || strings.Contains(id, "/") {
		httputil.WriteError(w, http.StatusNotFound, "NOT_FOUND", "no such record")
		return
	}

	if _, rej := h.pipeline.Authenticate(r.Context(), apikey.FromRequest(r)); rej != nil {
		writeRejection(w, rej)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, id)
	case http.MethodPut:
		h.update(w, r, id)
	case http.MethodDelete:
		h.delete(w, r, id)
	default:
		httputil.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.RejectionsTotal.WithLabelValues("PAYLOAD_TOO_LARGE").Inc()
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
				"payload exceeds the configured size limit")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "VALIDATION_FAILED", "could not read request body")
		return
	}
	defer r.Body.Close()

	env := &models.RawEnvelope{
		SourceChannel:  h.channel,
		ReceivedAt:     time.Now().UTC(),
		RemoteIdentity: clientIP(r),
		ContentType:    r.Header.Get("Content-Type"),
		SizeBytes:      int64(len(body)),
		RawBody:        body,
		Headers:        flattenHeaders(r.Header),
		Secret:         apikey.FromRequest(r),
	}

	rec, rej := h.pipeline.Process(r.Context(), env)
	if rej != nil {
		writeRejection(w, rej)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"id":      rec.ID,
		"status":  rec.Status,
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	if _, rej := h.pipeline.Authenticate(r.Context(), apikey.FromRequest(r)); rej != nil {
		writeRejection(w, rej)
		return
	}

	q := r.URL.Query()
	filter := models.ListFilter{
		ProjectID: q.Get("project_id"),
		Status:    models.Status(q.Get("status")),
		Limit:     50,
	}
	if filter.Status != "" && !models.ValidStatus(filter.Status) {
		httputil.WriteError(w, http.StatusBadRequest, "VALIDATION_FAILED", "unknown status filter")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			httputil.WriteError(w, http.StatusBadRequest, "VALIDATION_FAILED", "limit must be between 1 and 500")
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "VALIDATION_FAILED", "offset must be non-negative")
			return
		}
		filter.Offset = n
	}

	recs, err := h.repo.List(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "listing records failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "storage unavailable")
		return
	}
	if recs == nil {
		recs = []*models.NotificationRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"notifications": recs,
		"count":         len(recs),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "NOT_FOUND", "no such record")
			return
		}
		h.logger.ErrorContext(r.Context(), "fetching record failed", logging.RecordID(id), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "storage unavailable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// update requires the caller to state which version it read via the
// If-Match header; a stale version is a 409, never a silent overwrite.
func (h *Handler) update(w http.ResponseWriter, r *http.Request, id string) {
	expectedVersion, err := strconv.ParseInt(r.Header.Get("If-Match"), 10, 64)
	if err != nil || expectedVersion < 1 {
		httputil.WriteError(w, http.StatusBadRequest, "VALIDATION_FAILED",
			"If-Match header with the current record version is required")
		return
	}

	var update struct {
		Status models.Status `json:"status"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&update); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "VALIDATION_FAILED", "body is not a JSON object")
		return
	}
	if !models.ValidStatus(update.Status) {
		httputil.WriteError(w, http.StatusBadRequest, "VALIDATION_FAILED", "unknown status")
		return
	}

	rec, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "NOT_FOUND", "no such record")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "storage unavailable")
		return
	}
	rec.Status = update.Status

	if err := h.writer.Update(r.Context(), rec, expectedVersion); err != nil {
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			metrics.VersionConflicts.Inc()
			httputil.WriteError(w, http.StatusConflict, "VERSION_CONFLICT",
				"record changed since it was read, re-read and retry")
		case errors.Is(err, storage.ErrRecordNotFound):
			httputil.WriteError(w, http.StatusNotFound, "NOT_FOUND", "no such record")
		default:
			h.logger.ErrorContext(r.Context(), "updating record failed", logging.RecordID(id), logging.Error(err))
			httputil.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "storage unavailable")
		}
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.writer.SoftDelete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "NOT_FOUND", "no such record")
			return
		}
		h.logger.ErrorContext(r.Context(), "deleting record failed", logging.RecordID(id), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "storage unavailable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeRejection(w http.ResponseWriter, rej *pipeline.Rejection) {
	if rej.RetryAfter > 0 {
		seconds := int(math.Ceil(rej.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	httputil.WriteJSON(w, rej.HTTPStatus(), map[string]any{
		"success":    false,
		"error":      rej.Code,
		"message":    rej.Message,
		"violations": rej.Violations,
		"suspicious": rej.Suspicious,
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for name, values := range header {
		// The secret must not reach the validator's threat scan.
		if name == "Authorization" || name == "X-Api-Key" {
			continue
		}
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
