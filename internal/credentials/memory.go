package credentials

import (
	"context"
	"sync"
	"time"

	"github.com/inletworks/inlet/internal/models"
)

// MemoryStore is the development and test implementation of Store.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*models.Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*models.Credential)}
}

func (s *MemoryStore) Create(ctx context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.creds[cred.ID]; exists {
		return ErrCredentialExists
	}
	c := *cred
	s.creds[cred.ID] = &c
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, exists := s.creds[id]
	if !exists {
		return nil, ErrCredentialNotFound
	}
	c := *cred
	return &c, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Credential, 0, len(s.creds))
	for _, cred := range s.creds {
		c := *cred
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) SetActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, exists := s.creds[id]
	if !exists {
		return ErrCredentialNotFound
	}
	cred.Active = active
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, exists := s.creds[id]
	if !exists {
		return ErrCredentialNotFound
	}
	cred.LastUsedAt = &usedAt
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.creds[id]; !exists {
		return ErrCredentialNotFound
	}
	delete(s.creds, id)
	return nil
}
