package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/inletworks/inlet/internal/logging"
	"github.com/inletworks/inlet/internal/models"
)

// Verification failures. Every one of them fails closed and is logged as
// a security event, distinct from ordinary application errors.
var (
	ErrKeyNotFound = errors.New("KEY_NOT_FOUND")
	ErrKeyInactive = errors.New("KEY_INACTIVE")
	ErrKeyExpired  = errors.New("KEY_EXPIRED")
	ErrInvalidKey  = errors.New("INVALID_KEY")
)

// secretPrefix marks inlet-issued secrets. The full plaintext shape is
// inlet_<credential-id>.<random>; only the random part is bcrypt-hashed
// (bcrypt truncates past 72 bytes, so the full secret must not be).
const secretPrefix = "inlet_"

// IssuedCredential carries the one and only exposure of the plaintext
// secret.
type IssuedCredential struct {
	Credential *models.Credential
	Plaintext  string
}

// Verification is the result of a successful Verify.
type Verification struct {
	Credential *models.Credential
	// ShouldRotate advises the caller to rotate proactively: the
	// credential is valid but older than the configured rotation age.
	ShouldRotate bool
}

// Manager owns the credential lifecycle. One long-lived instance is
// constructed at process start and shared by every adapter.
type Manager struct {
	store     Store
	logger    *logging.Logger
	cost      int
	rotateAge time.Duration
	now       func() time.Time
}

// NewManager builds a Manager. cost is the bcrypt work factor; rotateAge
// is the age past which Verify starts advising rotation.
func NewManager(store Store, logger *logging.Logger, cost int, rotateAge time.Duration) *Manager {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		store:     store,
		logger:    logger,
		cost:      cost,
		rotateAge: rotateAge,
		now:       time.Now,
	}
}

// Issue creates a new active credential. ttl of zero means no expiry. The
// plaintext secret is returned exactly once and never stored.
func (m *Manager) Issue(ctx context.Context, name string, scopes []string, ttl time.Duration) (*IssuedCredential, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating credential id: %w", err)
	}

	random, err := randomSecret()
	if err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(random), m.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing secret: %w", err)
	}

	now := m.now()
	cred := &models.Credential{
		ID:         id.String(),
		SecretHash: string(hash),
		Name:       name,
		Scopes:     scopes,
		Active:     true,
		CreatedAt:  now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		cred.ExpiresAt = &expires
	}

	if err := m.store.Create(ctx, cred); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "credential issued",
		logging.CredentialID(cred.ID))

	return &IssuedCredential{
		Credential: cred,
		Plaintext:  secretPrefix + cred.ID + "." + random,
	}, nil
}

// Verify authenticates a plaintext secret. It fails closed: any anomaly
// is a typed error, never a silent pass.
func (m *Manager) Verify(ctx context.Context, plaintext string) (*Verification, error) {
	id, random, ok := splitSecret(plaintext)
	if !ok {
		m.securityLog(ctx, "", ErrInvalidKey)
		return nil, ErrInvalidKey
	}

	cred, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			m.securityLog(ctx, id, ErrKeyNotFound)
			return nil, ErrKeyNotFound
		}
		return nil, err
	}

	if !cred.Active {
		m.securityLog(ctx, id, ErrKeyInactive)
		return nil, ErrKeyInactive
	}

	now := m.now()
	if cred.Expired(now) {
		// Deactivation is a side effect, off the request path.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.store.SetActive(ctx, cred.ID, false); err != nil {
				m.logger.Warn("failed to deactivate expired credential",
					logging.CredentialID(cred.ID), logging.Error(err))
			}
		}()
		m.securityLog(ctx, id, ErrKeyExpired)
		return nil, ErrKeyExpired
	}

	if err := bcrypt.CompareHashAndPassword([]byte(cred.SecretHash), []byte(random)); err != nil {
		m.securityLog(ctx, id, ErrInvalidKey)
		return nil, ErrInvalidKey
	}

	if err := m.store.Touch(ctx, cred.ID, now); err != nil {
		m.logger.Warn("failed to record credential use",
			logging.CredentialID(cred.ID), logging.Error(err))
	}
	used := now
	cred.LastUsedAt = &used

	return &Verification{
		Credential:   cred,
		ShouldRotate: m.rotateAge > 0 && now.Sub(cred.CreatedAt) > m.rotateAge,
	}, nil
}

// Rotate deactivates the credential and issues a replacement with the
// same name and scopes. Remaining ttl carries over.
func (m *Manager) Rotate(ctx context.Context, id string) (*IssuedCredential, error) {
	old, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var ttl time.Duration
	if old.ExpiresAt != nil {
		ttl = old.ExpiresAt.Sub(m.now())
		if ttl <= 0 {
			return nil, ErrKeyExpired
		}
	}

	if err := m.store.SetActive(ctx, id, false); err != nil {
		return nil, err
	}

	issued, err := m.Issue(ctx, old.Name, old.Scopes, ttl)
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "credential rotated",
		logging.CredentialID(id),
		"replacement_id", issued.Credential.ID)
	return issued, nil
}

// Revoke deactivates the credential immediately. The record is retained
// until garbage collection.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	if err := m.store.SetActive(ctx, id, false); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "credential revoked", logging.CredentialID(id))
	return nil
}

// List returns every stored credential, hash included only internally.
func (m *Manager) List(ctx context.Context) ([]*models.Credential, error) {
	return m.store.List(ctx)
}

// PurgeExpired removes credentials whose expiry is older than the cutoff.
// Called by the retention sweep.
func (m *Manager) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	creds, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, cred := range creds {
		if cred.ExpiresAt == nil || cred.ExpiresAt.After(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, cred.ID); err != nil && !errors.Is(err, ErrCredentialNotFound) {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (m *Manager) securityLog(ctx context.Context, id string, reason error) {
	attrs := []any{logging.Reason(reason.Error())}
	if id != "" {
		attrs = append(attrs, logging.CredentialID(id))
	}
	m.logger.SecurityContext(ctx, "auth_failure", "credential verification failed", attrs...)
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func splitSecret(plaintext string) (id, random string, ok bool) {
	rest, found := strings.CutPrefix(plaintext, secretPrefix)
	if !found {
		return "", "", false
	}
	id, random, found = strings.Cut(rest, ".")
	if !found || id == "" || random == "" {
		return "", "", false
	}
	return id, random, true
}
