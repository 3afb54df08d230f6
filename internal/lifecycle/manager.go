// Package lifecycle manages bank connections from authorization start to
// disconnect: CSRF state tokens, code exchange, account selection,
// re-authorization and sibling credential propagation.
package lifecycle

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fjordledger/banksync/internal/cipher"
	"github.com/fjordledger/banksync/internal/domain"
	"github.com/fjordledger/banksync/internal/logger"
	"github.com/fjordledger/banksync/internal/provider"
	"github.com/fjordledger/banksync/internal/store"
)

const (
	// startTTL bounds the window between Start and the user authorizing at
	// the bank.
	startTTL = 10 * time.Minute
	// callbackTTL gives the user time to pick accounts after the callback,
	// possibly several under one authorization.
	callbackTTL = 30 * time.Minute
)

// StartParams carries the intent of a new bank authorization.
type StartParams struct {
	UserID        uint
	LedgerID      uint
	BankAccountID uint
	ProviderID    uint
	RedirectURI   string
	// BankID optionally pre-selects a bank at the vendor.
	BankID string
	// FloorDate caps how far back the initial sync reaches.
	FloorDate *time.Time
}

// StartResult is returned by Start; the caller redirects the user to
// AuthorizationURL and keeps StateToken for the callback.
type StartResult struct {
	AuthorizationURL string
	StateToken       string
}

// Manager orchestrates the connection lifecycle.
type Manager struct {
	connections store.ConnectionStore
	providers   store.ProviderStore
	ledger      store.LedgerStore
	states      StateStore
	cipher      *cipher.Cipher

	newProvider func(cfg *domain.ProviderConfig) (provider.Provider, error)
	now         func() time.Time
}

// NewManager builds a lifecycle manager over the given stores.
func NewManager(s *store.Store, states StateStore, c *cipher.Cipher) *Manager {
	return &Manager{
		connections: s,
		providers:   s,
		ledger:      s,
		states:      states,
		cipher:      c,
		newProvider: provider.New,
		now:         time.Now,
	}
}

// Start begins an authorization: validates the target bank account, issues a
// CSRF state token and asks the vendor for the authorization URL.
func (m *Manager) Start(ctx context.Context, params StartParams) (*StartResult, error) {
	bankAccount, err := m.ledger.GetBankAccount(ctx, params.BankAccountID)
	if err != nil {
		return nil, fmt.Errorf("Start: %w", err)
	}
	if bankAccount == nil || bankAccount.LedgerID != params.LedgerID {
		return nil, &domain.AuthorizationError{Msg: fmt.Sprintf("bank account %d not found in ledger %d", params.BankAccountID, params.LedgerID)}
	}

	adapter, err := m.adapter(ctx, params.ProviderID)
	if err != nil {
		return nil, err
	}

	token := newStateToken()
	state := &AuthorizationState{
		Token:         token,
		UserID:        params.UserID,
		LedgerID:      params.LedgerID,
		BankAccountID: params.BankAccountID,
		ProviderID:    params.ProviderID,
		BankID:        params.BankID,
		RedirectURI:   params.RedirectURI,
		FloorDate:     params.FloorDate,
		ExpiresAt:     m.now().Add(startTTL),
	}
	if err := m.states.Put(ctx, state); err != nil {
		return nil, fmt.Errorf("Start: save state: %w", err)
	}

	authURL, err := adapter.GetAuthorizationURL(ctx, token, params.RedirectURI, params.BankID)
	if err != nil {
		return nil, fmt.Errorf("Start: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Uint("ledger_id", params.LedgerID).
		Uint("bank_account_id", params.BankAccountID).
		Uint("provider_id", params.ProviderID).
		Msg("Started bank authorization")
	return &StartResult{AuthorizationURL: authURL, StateToken: token}, nil
}

// HandleCallback exchanges the authorization code for a session, caches the
// encrypted credential and candidate accounts on the state, and extends the
// state's lifetime so the user can select accounts. Returns the candidate
// account list. The state stays reusable within its window: one
// authorization can link several accounts.
func (m *Manager) HandleCallback(ctx context.Context, stateToken, code, redirectURI string) ([]provider.Account, error) {
	state, err := m.validState(ctx, stateToken)
	if err != nil {
		return nil, err
	}

	adapter, err := m.adapter(ctx, state.ProviderID)
	if err != nil {
		return nil, err
	}

	session, err := adapter.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, fmt.Errorf("HandleCallback: %w", err)
	}
	accounts := session.Accounts
	if len(accounts) == 0 {
		accounts, err = adapter.FetchAccounts(ctx, session.Credential)
		if err != nil {
			return nil, fmt.Errorf("HandleCallback: %w", err)
		}
	}
	if len(accounts) == 0 {
		return nil, &domain.AuthorizationError{Msg: "no accounts visible under the authorization"}
	}

	encrypted, err := m.cipher.Encrypt(session.Credential)
	if err != nil {
		return nil, fmt.Errorf("HandleCallback: encrypt credential: %w", err)
	}

	now := m.now()
	state.UsedAt = &now
	state.EncryptedCredential = encrypted
	state.CredentialExpiresAt = session.ExpiresAt
	state.Accounts = accounts
	if extended := now.Add(callbackTTL); extended.After(state.ExpiresAt) {
		state.ExpiresAt = extended
	}
	if err := m.states.Put(ctx, state); err != nil {
		return nil, fmt.Errorf("HandleCallback: save state: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Uint("ledger_id", state.LedgerID).
		Int("accounts", len(accounts)).
		Msg("Bank authorization callback handled")
	return accounts, nil
}

// Complete links one of the authorized accounts to a ledger bank account.
// An existing connection on that bank account is re-authorized in place;
// otherwise a new connection is created, unless the external account is
// already actively linked to a different bank account. Afterwards the fresh
// session is propagated to sibling connections at the same bank.
func (m *Manager) Complete(ctx context.Context, stateToken, selectedAccountID string, bankAccountID uint) (*domain.BankConnection, error) {
	log := logger.FromContext(ctx)

	state, err := m.validState(ctx, stateToken)
	if err != nil {
		return nil, err
	}
	if state.EncryptedCredential == "" {
		return nil, &domain.AuthorizationError{Msg: "authorization callback not handled yet"}
	}

	var selected *provider.Account
	for i := range state.Accounts {
		if state.Accounts[i].ID == selectedAccountID {
			selected = &state.Accounts[i]
			break
		}
	}
	if selected == nil {
		return nil, &domain.AuthorizationError{Msg: fmt.Sprintf("account %q is not part of the authorization", selectedAccountID)}
	}

	bankAccount, err := m.ledger.GetBankAccount(ctx, bankAccountID)
	if err != nil {
		return nil, fmt.Errorf("Complete: %w", err)
	}
	if bankAccount == nil || bankAccount.LedgerID != state.LedgerID {
		return nil, &domain.AuthorizationError{Msg: fmt.Sprintf("bank account %d not found in ledger %d", bankAccountID, state.LedgerID)}
	}

	conn, err := m.connections.FindByBankAccount(ctx, bankAccountID)
	if err != nil {
		return nil, fmt.Errorf("Complete: %w", err)
	}
	if conn != nil {
		// Re-authorization in place: same ledger binding, fresh session.
		// An empty bank id must not wipe the existing anchor; sibling
		// propagation is scoped on it.
		if state.BankID != "" {
			conn.ExternalBankID = state.BankID
		}
		conn.ExternalAccountID = selected.ID
		conn.ExternalAccountName = selected.Name
		conn.IBAN = selected.IBAN
		conn.BIC = selected.BIC
		conn.Credential = state.EncryptedCredential
		conn.CredentialExpiresAt = state.CredentialExpiresAt
		conn.Status = domain.ConnectionActive
		conn.LastError = ""
		if err := m.connections.SaveConnection(ctx, conn); err != nil {
			return nil, fmt.Errorf("Complete: %w", err)
		}
		log.Info().Uint("connection_id", conn.ID).Msg("Re-authorized bank connection")
	} else {
		other, err := m.connections.FindActiveByExternalAccount(ctx, state.ProviderID, selected.ID)
		if err != nil {
			return nil, fmt.Errorf("Complete: %w", err)
		}
		if other != nil && other.BankAccountID != bankAccountID {
			return nil, &domain.ValidationError{Msg: fmt.Sprintf("external account %q is already connected to bank account %d", selected.ID, other.BankAccountID)}
		}

		conn = &domain.BankConnection{
			LedgerID:            state.LedgerID,
			BankAccountID:       bankAccountID,
			ProviderID:          state.ProviderID,
			ExternalBankID:      state.BankID,
			ExternalAccountID:   selected.ID,
			ExternalAccountName: selected.Name,
			IBAN:                selected.IBAN,
			BIC:                 selected.BIC,
			Credential:          state.EncryptedCredential,
			CredentialExpiresAt: state.CredentialExpiresAt,
			Status:              domain.ConnectionActive,
			SyncFloorDate:       state.FloorDate,
			AutoSyncEnabled:     true,
			SyncFrequencyHours:  24,
			CreatedBy:           state.UserID,
		}
		if err := m.connections.SaveConnection(ctx, conn); err != nil {
			return nil, fmt.Errorf("Complete: %w", err)
		}
		log.Info().Uint("connection_id", conn.ID).Msg("Created bank connection")
	}

	m.propagateToSiblings(ctx, state, conn)
	return conn, nil
}

// propagateToSiblings pushes the fresh session to every other connection at
// the same bank: one session covers all accounts there. Failures are logged,
// not fatal; the next sync of an unrefreshed sibling fails on its own.
func (m *Manager) propagateToSiblings(ctx context.Context, state *AuthorizationState, conn *domain.BankConnection) {
	log := logger.FromContext(ctx)

	siblings, err := m.connections.Siblings(ctx, conn.LedgerID, conn.ProviderID, conn.ExternalBankID, conn.ID)
	if err != nil {
		log.Warn().Err(err).Uint("connection_id", conn.ID).Msg("Failed to list sibling connections")
		return
	}
	for i := range siblings {
		sibling := &siblings[i]
		sibling.Credential = state.EncryptedCredential
		sibling.CredentialExpiresAt = state.CredentialExpiresAt
		// Session-scoped account ids rotate; the IBAN anchors the match.
		if sibling.IBAN != "" {
			for _, acct := range state.Accounts {
				if acct.IBAN != "" && strings.EqualFold(acct.IBAN, sibling.IBAN) {
					sibling.ExternalAccountID = acct.ID
					break
				}
			}
		}
		if sibling.Status == domain.ConnectionError {
			sibling.Status = domain.ConnectionActive
			sibling.LastError = ""
		}
		if err := m.connections.SaveConnection(ctx, sibling); err != nil {
			log.Warn().Err(err).Uint("connection_id", sibling.ID).Msg("Failed to propagate session to sibling")
			continue
		}
		log.Info().Uint("connection_id", sibling.ID).Msg("Propagated session to sibling connection")
	}
}

// Disconnect revokes the session best-effort, clears the stored credential
// and marks the connection DISCONNECTED.
func (m *Manager) Disconnect(ctx context.Context, connectionID uint) error {
	log := logger.FromContext(ctx)

	conn, err := m.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("Disconnect: %w", err)
	}
	if conn == nil {
		return &domain.ValidationError{Msg: fmt.Sprintf("bank connection %d not found", connectionID)}
	}

	if conn.Credential != "" {
		if adapter, err := m.adapter(ctx, conn.ProviderID); err != nil {
			log.Warn().Err(err).Uint("connection_id", conn.ID).Msg("Skipping revoke, provider unavailable")
		} else if credential, err := m.cipher.Decrypt(conn.Credential); err != nil {
			log.Warn().Err(err).Uint("connection_id", conn.ID).Msg("Skipping revoke, credential unreadable")
		} else if _, err := adapter.Revoke(ctx, credential); err != nil {
			log.Warn().Err(err).Uint("connection_id", conn.ID).Msg("Failed to revoke session")
		}
	}

	conn.Credential = ""
	conn.CredentialExpiresAt = nil
	conn.Status = domain.ConnectionDisconnected
	if err := m.connections.SaveConnection(ctx, conn); err != nil {
		return fmt.Errorf("Disconnect: %w", err)
	}

	log.Info().Uint("connection_id", conn.ID).Msg("Disconnected bank connection")
	return nil
}

// validState loads a state token and enforces expiry. Expired states are
// dropped from the store.
func (m *Manager) validState(ctx context.Context, token string) (*AuthorizationState, error) {
	state, err := m.states.Get(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if state == nil {
		return nil, &domain.AuthorizationError{Msg: "invalid state token"}
	}
	if state.ExpiresAt.Before(m.now()) {
		_ = m.states.Delete(ctx, token)
		return nil, &domain.AuthorizationError{Msg: "state token expired"}
	}
	return state, nil
}

// adapter resolves and builds the vendor adapter for a provider config.
func (m *Manager) adapter(ctx context.Context, providerID uint) (provider.Provider, error) {
	cfg, err := m.providers.GetConfig(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("load provider config: %w", err)
	}
	if cfg == nil {
		return nil, &domain.ConfigurationError{Msg: fmt.Sprintf("provider config %d not found", providerID)}
	}
	return m.newProvider(cfg)
}

// newStateToken returns a 43-character URL-safe random token.
func newStateToken() string {
	raw := make([]byte, 0, 32)
	u1, u2 := uuid.New(), uuid.New()
	raw = append(raw, u1[:]...)
	raw = append(raw, u2[:]...)
	return base64.RawURLEncoding.EncodeToString(raw)
}
