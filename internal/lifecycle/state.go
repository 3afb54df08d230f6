package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fjordledger/banksync/internal/provider"
)

// AuthorizationState tracks one in-flight bank authorization from Start
// until Complete. After the callback it also caches the exchanged session
// and the candidate account list so the user can link several accounts under
// one authorization.
type AuthorizationState struct {
	Token         string
	UserID        uint
	LedgerID      uint
	BankAccountID uint
	ProviderID    uint
	BankID        string
	RedirectURI   string
	FloorDate     *time.Time

	ExpiresAt time.Time
	UsedAt    *time.Time

	// Set by HandleCallback.
	EncryptedCredential string
	CredentialExpiresAt *time.Time
	Accounts            []provider.Account
}

// StateStore persists authorization states for their short lifetime.
// Get returns (nil, nil) when the token is unknown.
type StateStore interface {
	Put(ctx context.Context, state *AuthorizationState) error
	Get(ctx context.Context, token string) (*AuthorizationState, error)
	Delete(ctx context.Context, token string) error
}

// MemoryStateStore is an in-memory StateStore. States are lost on restart,
// which only costs the user a restarted authorization. Safe for concurrent
// use.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*AuthorizationState
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*AuthorizationState)}
}

// Put saves or updates a state. Expired entries are purged opportunistically.
func (s *MemoryStateStore) Put(ctx context.Context, state *AuthorizationState) error {
	if state.Token == "" {
		return fmt.Errorf("state token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for token, st := range s.states {
		if st.ExpiresAt.Before(now) {
			delete(s.states, token)
		}
	}

	stateCopy := *state
	s.states[state.Token] = &stateCopy
	return nil
}

// Get retrieves a state by token. Expiry is the caller's to judge.
func (s *MemoryStateStore) Get(ctx context.Context, token string) (*AuthorizationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[token]
	if !ok {
		return nil, nil
	}
	stateCopy := *state
	return &stateCopy, nil
}

// Delete removes a state. Deleting an unknown token is not an error.
func (s *MemoryStateStore) Delete(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, token)
	return nil
}

var _ StateStore = (*MemoryStateStore)(nil)
