// Package credentials issues, verifies, rotates and revokes the opaque
// bearer API keys that authenticate ingestion traffic.
package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/inletworks/inlet/internal/models"
)

var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExists   = errors.New("credential already exists")
)

// Store persists credentials. Implementations must be safe for concurrent
// use.
type Store interface {
	Create(ctx context.Context, cred *models.Credential) error
	Get(ctx context.Context, id string) (*models.Credential, error)
	List(ctx context.Context) ([]*models.Credential, error)
	SetActive(ctx context.Context, id string, active bool) error
	Touch(ctx context.Context, id string, usedAt time.Time) error
	Delete(ctx context.Context, id string) error
}
