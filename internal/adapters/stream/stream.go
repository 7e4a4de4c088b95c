// Package stream is the websocket ingress surface. A client
// authenticates once at the handshake, then sends one JSON notification
// per frame and receives one JSON verdict per frame.
package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/inletworks/inlet/internal/httputil"
	"github.com/inletworks/inlet/internal/logging"
	"github.com/inletworks/inlet/internal/metrics"
	"github.com/inletworks/inlet/internal/models"
	"github.com/inletworks/inlet/internal/pipeline"
	"github.com/inletworks/inlet/pkg/apikey"
)

// FrameResult is the per-frame verdict written back on the socket.
type FrameResult struct {
	Success    bool     `json:"success"`
	ID         string   `json:"id,omitempty"`
	Error      string   `json:"error,omitempty"`
	Message    string   `json:"message,omitempty"`
	Violations []string `json:"violations,omitempty"`
	Suspicious []string `json:"suspicious,omitempty"`
	RetryAfter int      `json:"retry_after_seconds,omitempty"`
}

// Handler upgrades /v1/stream connections.
type Handler struct {
	pipeline *pipeline.Pipeline
	logger   *logging.Logger

	maxFrameBytes int64
	idleTimeout   time.Duration
	pingInterval  time.Duration
}

func NewHandler(p *pipeline.Pipeline, logger *logging.Logger, maxFrameBytes int64, idleTimeout, pingInterval time.Duration) *Handler {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	if pingInterval <= 0 || pingInterval >= idleTimeout {
		pingInterval = idleTimeout / 2
	}
	return &Handler{
		pipeline:      p,
		logger:        logger,
		maxFrameBytes: maxFrameBytes,
		idleTimeout:   idleTimeout,
		pingInterval:  pingInterval,
	}
}

// HandleStream authenticates the handshake, upgrades, and serves frames
// until the client goes away or idles out.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	cred, rej := h.pipeline.Authenticate(r.Context(), apikey.FromRequest(r))
	if rej != nil {
		httputil.WriteError(w, rej.HTTPStatus(), rej.Code, rej.Message)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	if h.maxFrameBytes > 0 {
		conn.SetReadLimit(h.maxFrameBytes)
	}

	metrics.StreamConnections.Inc()
	defer metrics.StreamConnections.Dec()

	connID := "conn:" + uuid.New().String()
	remote := r.RemoteAddr
	h.logger.InfoContext(r.Context(), "stream connected",
		logging.CredentialID(cred.ID), logging.IP(remote))

	h.serve(r.Context(), conn, cred, connID, remote)
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, cred *models.Credential, connID, remote string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "closed")

	// Cancelling ctx aborts the blocked Read, which closes the
	// connection. The timer resets on every frame.
	idle := time.AfterFunc(h.idleTimeout, cancel)
	defer idle.Stop()

	go h.keepalive(ctx, conn)

	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return
		}
		idle.Reset(h.idleTimeout)

		result := h.processFrame(ctx, frame, cred, connID, remote)
		writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
		err = wsjson.Write(writeCtx, conn, result)
		cancelWrite()
		if err != nil {
			return
		}
	}
}

func (h *Handler) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// processFrame runs one frame through the pipeline. The connection-level
// limiter identity is checked on top of the credential-level one inside
// the pipeline, so one noisy connection cannot spend the credential's
// whole budget unnoticed.
func (h *Handler) processFrame(ctx context.Context, frame []byte, cred *models.Credential, connID, remote string) FrameResult {
	if rej := h.pipeline.RateCheck(ctx, connID, remote); rej != nil {
		return rejectionResult(rej)
	}

	env := &models.RawEnvelope{
		SourceChannel:  models.ChannelStream,
		ReceivedAt:     time.Now().UTC(),
		RemoteIdentity: remote,
		ContentType:    "application/json",
		SizeBytes:      int64(len(frame)),
		RawBody:        frame,
	}

	rec, rej := h.pipeline.ProcessAuthenticated(ctx, env, cred)
	if rej != nil {
		return rejectionResult(rej)
	}
	return FrameResult{Success: true, ID: rec.ID}
}

func rejectionResult(rej *pipeline.Rejection) FrameResult {
	result := FrameResult{
		Success:    false,
		Error:      rej.Code,
		Message:    rej.Message,
		Violations: rej.Violations,
		Suspicious: rej.Suspicious,
	}
	if rej.RetryAfter > 0 {
		result.RetryAfter = int(rej.RetryAfter.Round(time.Second).Seconds())
		if result.RetryAfter == 0 {
			result.RetryAfter = 1
		}
	}
	return result
}
