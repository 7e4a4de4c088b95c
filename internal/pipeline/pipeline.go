// Package pipeline runs every inbound envelope through the fixed
// processing sequence: authenticate, rate-limit, validate, persist. The
// first failing stage rejects the envelope and no later stage runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/inletworks/inlet/internal/credentials"
	"github.com/inletworks/inlet/internal/logging"
	"github.com/inletworks/inlet/internal/metrics"
	"github.com/inletworks/inlet/internal/models"
	"github.com/inletworks/inlet/internal/ratelimit"
	"github.com/inletworks/inlet/internal/storage"
	"github.com/inletworks/inlet/internal/validator"
)

// Rejection codes. Validation rejections reuse the validator's codes.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeRateLimited  = "RATE_LIMITED"
	CodeStorageError = "STORAGE_ERROR"
)

// Rejection describes why an envelope was refused. Messages are safe to
// return to the caller; they never echo payload content or reveal which
// authentication check failed.
type Rejection struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Violations []string      `json:"violations,omitempty"`
	Suspicious []string      `json:"suspicious,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

// HTTPStatus maps the rejection to the status the HTTP-shaped adapters
// return.
func (r *Rejection) HTTPStatus() int {
	switch r.Code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case validator.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case validator.CodeValidationFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Pipeline is shared by all channel adapters. Stateless apart from its
// collaborators, safe for concurrent use.
type Pipeline struct {
	creds     *credentials.Manager
	limiter   ratelimit.Limiter
	validator *validator.Validator
	writer    *storage.Writer
	logger    *logging.Logger

	// escalationThreshold is the consecutive-violation count at which
	// rate limiting stops being noise and gets a security log entry.
	escalationThreshold int
}

func New(creds *credentials.Manager, limiter ratelimit.Limiter, v *validator.Validator, writer *storage.Writer, logger *logging.Logger, escalationThreshold int) *Pipeline {
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	if escalationThreshold <= 0 {
		escalationThreshold = 5
	}
	return &Pipeline{
		creds:               creds,
		limiter:             limiter,
		validator:           v,
		writer:              writer,
		logger:              logger,
		escalationThreshold: escalationThreshold,
	}
}

// Process runs one envelope through the pipeline. Exactly one of the
// returns is non-nil.
func (p *Pipeline) Process(ctx context.Context, env *models.RawEnvelope) (*models.NotificationRecord, *Rejection) {
	return p.run(ctx, env, nil)
}

// ProcessAuthenticated runs an envelope for a credential that was already
// verified, skipping the authentication stage. Streaming adapters verify
// once at the handshake and use this per frame.
func (p *Pipeline) ProcessAuthenticated(ctx context.Context, env *models.RawEnvelope, cred *models.Credential) (*models.NotificationRecord, *Rejection) {
	return p.run(ctx, env, cred)
}

func (p *Pipeline) run(ctx context.Context, env *models.RawEnvelope, cred *models.Credential) (*models.NotificationRecord, *Rejection) {
	start := time.Now()
	channel := string(env.SourceChannel)
	metrics.EnvelopeBytesTotal.WithLabelValues(channel).Add(float64(env.SizeBytes))
	defer func() {
		metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	}()

	var rej *Rejection
	if cred == nil {
		cred, rej = p.authenticate(ctx, env)
		if rej != nil && rej.Code == CodeUnauthorized {
			// Unauthenticated traffic is limited by remote address, so
			// repeated bad credentials burn a quota instead of driving
			// hash verification freely.
			if denied := p.RateCheck(ctx, "remote:"+env.RemoteIdentity, env.RemoteIdentity); denied != nil {
				rej = denied
			}
		}
	}
	if rej == nil {
		rej = p.rateCheck(ctx, env, cred)
	}

	var rec *models.NotificationRecord
	if rej == nil {
		rec, rej = p.validateAndBuild(ctx, env, cred)
	}
	if rej == nil {
		rej = p.persist(ctx, env, rec)
	}

	if rej != nil {
		metrics.EnvelopesTotal.WithLabelValues(channel, "rejected").Inc()
		metrics.RejectionsTotal.WithLabelValues(rej.Code).Inc()
		return nil, rej
	}
	metrics.EnvelopesTotal.WithLabelValues(channel, "accepted").Inc()
	return rec, nil
}

// Authenticate verifies just the credential, without running the rest of
// the pipeline. Streaming adapters call it once per connection handshake.
func (p *Pipeline) Authenticate(ctx context.Context, secret string) (*models.Credential, *Rejection) {
	verification, err := p.creds.Verify(ctx, secret)
	if err != nil {
		// One message for every failure mode so callers cannot probe
		// which credentials exist.
		return nil, &Rejection{Code: CodeUnauthorized, Message: "invalid credentials"}
	}
	if !verification.Credential.HasScope(models.ScopeWrite) {
		p.logger.SecurityContext(ctx, "scope_denied", "credential lacks write scope",
			logging.CredentialID(verification.Credential.ID))
		return nil, &Rejection{Code: CodeForbidden, Message: "credential lacks the required scope"}
	}
	if verification.ShouldRotate {
		p.logger.WarnContext(ctx, "credential past rotation age",
			logging.CredentialID(verification.Credential.ID))
	}
	return verification.Credential, nil
}

func (p *Pipeline) authenticate(ctx context.Context, env *models.RawEnvelope) (*models.Credential, *Rejection) {
	cred, rej := p.Authenticate(ctx, env.Secret)
	if rej != nil && rej.Code == CodeUnauthorized {
		p.logger.SecurityContext(ctx, "auth_failure", "envelope rejected",
			logging.Channel(string(env.SourceChannel)),
			logging.IP(env.RemoteIdentity))
	}
	return cred, rej
}

// RateCheck applies the limiter for an already authenticated identity.
// Exported for adapters that hold a connection-level credential.
func (p *Pipeline) RateCheck(ctx context.Context, identity, remote string) *Rejection {
	decision, err := p.limiter.Check(ctx, identity)
	if err != nil {
		// A broken limiter backend must not take ingestion down with it.
		p.logger.ErrorContext(ctx, "rate limiter unavailable, allowing request", logging.Error(err))
		return nil
	}
	if decision.Allowed {
		return nil
	}
	if decision.Violations >= p.escalationThreshold {
		p.logger.SecurityContext(ctx, "rate_limit_abuse", "sustained rate limit violations",
			logging.Identity(identity),
			logging.IP(remote),
			"violations", decision.Violations)
	}
	return &Rejection{
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded, retry in %s", decision.RetryAfter.Round(time.Second)),
		RetryAfter: decision.RetryAfter,
	}
}

func (p *Pipeline) rateCheck(ctx context.Context, env *models.RawEnvelope, cred *models.Credential) *Rejection {
	return p.RateCheck(ctx, cred.ID, env.RemoteIdentity)
}

func (p *Pipeline) validateAndBuild(ctx context.Context, env *models.RawEnvelope, cred *models.Credential) (*models.NotificationRecord, *Rejection) {
	result := p.validator.Validate(env)
	for _, name := range result.Suspicious {
		metrics.ThreatMatchesTotal.WithLabelValues(name).Inc()
	}
	if !result.Valid {
		if len(result.Suspicious) > 0 {
			p.logger.SecurityContext(ctx, "threat_match", "envelope blocked by threat scan",
				logging.Channel(string(env.SourceChannel)),
				logging.CredentialID(cred.ID),
				logging.IP(env.RemoteIdentity),
				logging.Signatures(result.Suspicious))
		}
		return nil, &Rejection{
			Code:       result.Code,
			Message:    "payload rejected",
			Violations: result.Violations,
			Suspicious: result.Suspicious,
		}
	}

	rec, err := buildRecord(result.Sanitized)
	if err != nil {
		return nil, &Rejection{
			Code:       validator.CodeValidationFailed,
			Message:    "payload rejected",
			Violations: []string{err.Error()},
		}
	}
	return rec, nil
}

func (p *Pipeline) persist(ctx context.Context, env *models.RawEnvelope, rec *models.NotificationRecord) *Rejection {
	if err := p.writer.Create(ctx, rec); err != nil {
		p.logger.ErrorContext(ctx, "persisting record failed",
			logging.Channel(string(env.SourceChannel)),
			logging.RecordID(rec.ID),
			logging.Error(err))
		return &Rejection{Code: CodeStorageError, Message: "storage unavailable"}
	}
	p.logger.InfoContext(ctx, "notification ingested",
		logging.Channel(string(env.SourceChannel)),
		logging.RecordID(rec.ID))
	return nil
}

// buildRecord maps a sanitized payload onto a NotificationRecord. The
// payload has already passed structural validation; this enforces the
// record-level rules.
func buildRecord(payload map[string]any) (*models.NotificationRecord, error) {
	title, _ := payload["title"].(string)
	if title == "" {
		return nil, errors.New("title is required")
	}

	rec := &models.NotificationRecord{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Title:     title,
		Status:    models.StatusPending,
		Variables: map[string]string{},
	}
	rec.ProjectID, _ = payload["project_id"].(string)
	rec.Channel, _ = payload["channel"].(string)
	rec.Body, _ = payload["body"].(string)

	if raw, ok := payload["priority"]; ok {
		n, ok := raw.(float64)
		if !ok || n != float64(int(n)) || int(n) < models.PriorityMin || int(n) > models.PriorityMax {
			return nil, fmt.Errorf("priority must be an integer between %d and %d", models.PriorityMin, models.PriorityMax)
		}
		rec.Priority = int(n)
	}

	if raw, ok := payload["variables"]; ok {
		vars, ok := raw.(map[string]any)
		if !ok {
			return nil, errors.New("variables must be an object")
		}
		for k, v := range vars {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("variable %q must be a string", k)
			}
			rec.Variables[k] = s
		}
	}
	return rec, nil
}
