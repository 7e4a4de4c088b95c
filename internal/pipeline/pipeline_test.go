package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/inletworks/inlet/internal/credentials"
	"github.com/inletworks/inlet/internal/logging"
	"github.com/inletworks/inlet/internal/models"
	"github.com/inletworks/inlet/internal/ratelimit"
	"github.com/inletworks/inlet/internal/storage"
	"github.com/inletworks/inlet/internal/validator"
)

type countingLimiter struct {
	calls      int
	identities []string
	deny       bool
	retry      time.Duration
	strike     int
}

func (c *countingLimiter) Check(ctx context.Context, identity string) (ratelimit.Decision, error) {
	c.calls++
	c.identities = append(c.identities, identity)
	if c.deny {
		return ratelimit.Decision{Allowed: false, RetryAfter: c.retry, Violations: c.strike}, nil
	}
	return ratelimit.Decision{Allowed: true, Remaining: 10}, nil
}

func (c *countingLimiter) Close() error { return nil }

type testHarness struct {
	pipeline *Pipeline
	repo     *storage.MemoryRepository
	limiter  *countingLimiter
	secret   string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := logging.New(slog.LevelError, "text")

	manager := credentials.NewManager(credentials.NewMemoryStore(), logger, bcrypt.MinCost, time.Hour)
	issued, err := manager.Issue(context.Background(), "test", []string{models.ScopeWrite}, 0)
	require.NoError(t, err)

	repo := storage.NewMemoryRepository()
	limiter := &countingLimiter{}
	p := New(manager, limiter, validator.New(validator.Options{MaxPayloadBytes: 4096}, nil),
		storage.NewWriter(repo, logger), logger, 5)

	return &testHarness{pipeline: p, repo: repo, limiter: limiter, secret: issued.Plaintext}
}

func (h *testHarness) envelope(body, secret string) *models.RawEnvelope {
	return &models.RawEnvelope{
		SourceChannel:  models.ChannelWebhook,
		ReceivedAt:     time.Now(),
		RemoteIdentity: "203.0.113.9",
		ContentType:    "application/json",
		SizeBytes:      int64(len(body)),
		RawBody:        []byte(body),
		Secret:         secret,
	}
}

func TestPipeline_AcceptsValidEnvelope(t *testing.T) {
	h := newHarness(t)
	env := h.envelope(`{"title":"Order shipped","body":"On its way","priority":2,"variables":{"order":"1234"}}`, h.secret)

	rec, rej := h.pipeline.Process(context.Background(), env)
	require.Nil(t, rej)
	require.NotNil(t, rec)
	assert.Equal(t, "Order shipped", rec.Title)
	assert.Equal(t, 2, rec.Priority)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, map[string]string{"order": "1234"}, rec.Variables)

	stored, err := h.repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, 1, h.repo.ChangeCount())
}

// A failed stage must stop the pipeline before any later stage runs:
// bad credentials never reach the limiter, even with a payload that
// would also fail validation.
func TestPipeline_AuthFailureShortCircuits(t *testing.T) {
	h := newHarness(t)
	env := h.envelope(`{"title":"<script>alert(1)</script>"}`, "inlet_garbage.nope")

	rec, rej := h.pipeline.Process(context.Background(), env)
	require.Nil(t, rec)
	require.NotNil(t, rej)
	assert.Equal(t, CodeUnauthorized, rej.Code)
	assert.Equal(t, "invalid credentials", rej.Message)
	// The failure still burns quota for the remote address, but the
	// credential identity is never consulted and nothing is persisted.
	assert.Equal(t, []string{"remote:" + env.RemoteIdentity}, h.limiter.identities)
	assert.Equal(t, 0, h.repo.ChangeCount())
}

// Repeated bad-credential traffic is throttled by remote address: once
// that quota is gone the caller sees 429, not another 401.
func TestPipeline_BadCredentialsRateLimited(t *testing.T) {
	h := newHarness(t)
	h.limiter.deny = true
	h.limiter.retry = 10 * time.Second

	_, rej := h.pipeline.Process(context.Background(), h.envelope(`{"title":"x"}`, "inlet_garbage.nope"))
	require.NotNil(t, rej)
	assert.Equal(t, CodeRateLimited, rej.Code)
	assert.Equal(t, []string{"remote:203.0.113.9"}, h.limiter.identities)
}

func TestPipeline_MissingScopeForbidden(t *testing.T) {
	h := newHarness(t)
	manager := credentials.NewManager(credentials.NewMemoryStore(), logging.New(slog.LevelError, "text"), bcrypt.MinCost, time.Hour)
	issued, err := manager.Issue(context.Background(), "read-only", []string{"notifications:read"}, 0)
	require.NoError(t, err)

	p := New(manager, h.limiter, validator.New(validator.Options{}, nil),
		storage.NewWriter(h.repo, logging.New(slog.LevelError, "text")), logging.New(slog.LevelError, "text"), 5)

	_, rej := p.Process(context.Background(), h.envelope(`{"title":"hi"}`, issued.Plaintext))
	require.NotNil(t, rej)
	assert.Equal(t, CodeForbidden, rej.Code)
	assert.Equal(t, 0, h.limiter.calls)
}

func TestPipeline_RateLimitedWithRetryAfter(t *testing.T) {
	h := newHarness(t)
	h.limiter.deny = true
	h.limiter.retry = 3 * time.Second

	_, rej := h.pipeline.Process(context.Background(), h.envelope(`{"title":"hi"}`, h.secret))
	require.NotNil(t, rej)
	assert.Equal(t, CodeRateLimited, rej.Code)
	assert.Equal(t, 3*time.Second, rej.RetryAfter)
	assert.Equal(t, 0, h.repo.ChangeCount())
}

func TestPipeline_MaliciousPayloadBlocked(t *testing.T) {
	h := newHarness(t)
	env := h.envelope(`{"title":"hello","body":"<script>document.cookie</script>"}`, h.secret)

	rec, rej := h.pipeline.Process(context.Background(), env)
	require.Nil(t, rec)
	require.NotNil(t, rej)
	assert.Equal(t, validator.CodeValidationFailed, rej.Code)
	assert.Contains(t, rej.Violations, "Malicious patterns detected")
	assert.Contains(t, rej.Suspicious, "script-injection")
	assert.Equal(t, 0, h.repo.ChangeCount())
}

func TestPipeline_OversizedPayloadRejected(t *testing.T) {
	h := newHarness(t)
	env := h.envelope(`{"title":"hi"}`, h.secret)
	env.SizeBytes = 1 << 20

	_, rej := h.pipeline.Process(context.Background(), env)
	require.NotNil(t, rej)
	assert.Equal(t, validator.CodePayloadTooLarge, rej.Code)
}

func TestPipeline_RecordRules(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name      string
		body      string
		violation string
	}{
		{"missing title", `{"body":"no title"}`, "title is required"},
		{"priority out of range", `{"title":"hi","priority":7}`, "priority must be an integer between 0 and 3"},
		{"fractional priority", `{"title":"hi","priority":1.5}`, "priority must be an integer between 0 and 3"},
		{"non-string variable", `{"title":"hi","variables":{"n":5}}`, `variable "n" must be a string`},
		{"variables not an object", `{"title":"hi","variables":[1]}`, "variables must be an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rej := h.pipeline.Process(context.Background(), h.envelope(tt.body, h.secret))
			require.NotNil(t, rej)
			assert.Equal(t, validator.CodeValidationFailed, rej.Code)
			assert.Contains(t, rej.Violations, tt.violation)
		})
	}
}

type failingRepo struct {
	*storage.MemoryRepository
}

func (failingRepo) Create(ctx context.Context, rec *models.NotificationRecord) error {
	return errors.New("disk full")
}

func TestPipeline_StorageFailureReported(t *testing.T) {
	h := newHarness(t)
	logger := logging.New(slog.LevelError, "text")
	manager := credentials.NewManager(credentials.NewMemoryStore(), logger, bcrypt.MinCost, time.Hour)
	issued, err := manager.Issue(context.Background(), "t", []string{models.ScopeWrite}, 0)
	require.NoError(t, err)

	p := New(manager, nil, validator.New(validator.Options{}, nil),
		storage.NewWriter(failingRepo{storage.NewMemoryRepository()}, logger), logger, 5)

	_, rej := p.Process(context.Background(), h.envelope(`{"title":"hi"}`, issued.Plaintext))
	require.NotNil(t, rej)
	assert.Equal(t, CodeStorageError, rej.Code)
}

func TestPipeline_LimiterOutageFailsOpen(t *testing.T) {
	h := newHarness(t)
	logger := logging.New(slog.LevelError, "text")
	manager := credentials.NewManager(credentials.NewMemoryStore(), logger, bcrypt.MinCost, time.Hour)
	issued, err := manager.Issue(context.Background(), "t", []string{models.ScopeWrite}, 0)
	require.NoError(t, err)

	repo := storage.NewMemoryRepository()
	p := New(manager, erroringLimiter{}, validator.New(validator.Options{}, nil),
		storage.NewWriter(repo, logger), logger, 5)

	rec, rej := p.Process(context.Background(), h.envelope(`{"title":"hi"}`, issued.Plaintext))
	require.Nil(t, rej)
	assert.NotNil(t, rec)
}

type erroringLimiter struct{}

func (erroringLimiter) Check(ctx context.Context, identity string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func (erroringLimiter) Close() error { return nil }

func TestRejection_HTTPStatus(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{CodeUnauthorized, 401},
		{CodeForbidden, 403},
		{CodeRateLimited, 429},
		{validator.CodePayloadTooLarge, 413},
		{validator.CodeValidationFailed, 400},
		{CodeStorageError, 500},
	}
	for _, tt := range tests {
		r := Rejection{Code: tt.code}
		assert.Equal(t, tt.status, r.HTTPStatus(), tt.code)
	}
}
