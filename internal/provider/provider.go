// Package provider defines the capability contract every bank-aggregation
// vendor adapter implements, plus the name-keyed factory that selects one.
// Adding a vendor means registering a constructor; orchestrator code never
// changes.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fjordledger/banksync/internal/domain"
)

// Account is one bank account as seen by the vendor, normalized at the
// adapter boundary.
type Account struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IBAN     string `json:"iban"`
	BIC      string `json:"bic"`
	Currency string `json:"currency"`
	Type     string `json:"type"`
}

// Transaction is one normalized vendor transaction. Raw keeps the vendor
// payload for audit; it is decoded exactly once, here.
type Transaction struct {
	ExternalID   string
	Date         time.Time
	BookingDate  *time.Time
	ValueDate    *time.Time
	Amount       decimal.Decimal
	Currency     string
	Description  string
	Reference    string
	MerchantName string
	Raw          json.RawMessage
}

// Session is the result of exchanging an authorization code. For
// session-based vendors the credential is a session identifier, not an
// access/refresh token pair, and the full account list visible under the
// session comes back with it.
type Session struct {
	Credential string
	ExpiresAt  *time.Time
	Accounts   []Account
}

// Refresh is the result of refreshing a credential.
type Refresh struct {
	Credential string
	ExpiresAt  *time.Time
}

// FetchWindow bounds a transaction fetch. Initial marks the first sync of a
// connection: session-based vendors only expose full history in a short
// window after authorization, so the adapter fetches everything available
// instead of a bounded range. From is nil for an unrestricted initial sync.
type FetchWindow struct {
	From    *time.Time
	To      time.Time
	Initial bool
	// Headers are forwarded verbatim on the listing requests for vendors
	// that demand contextual headers (PSU metadata and the like).
	Headers map[string]string
}

// SessionStatus is the vendor's view of a session's health.
type SessionStatus struct {
	Status   string
	Accounts []Account
}

// Provider is the capability contract implemented once per vendor.
type Provider interface {
	// GetAuthorizationURL returns the URL the user is redirected to for
	// authorizing bank access. bankID optionally pre-selects an ASPSP.
	GetAuthorizationURL(ctx context.Context, state, redirectURI, bankID string) (string, error)

	// ExchangeCode trades the callback code for a session.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*Session, error)

	// RefreshCredential exchanges an expired credential for a fresh one.
	// Vendors with long-lived sessions return domain.ErrNotSupported.
	RefreshCredential(ctx context.Context, credential string) (*Refresh, error)

	// FetchAccounts lists the accounts visible under the credential.
	FetchAccounts(ctx context.Context, credential string) ([]Account, error)

	// FetchTransactions lists transactions for one account within the
	// window. Pagination is the adapter's problem.
	FetchTransactions(ctx context.Context, credential, accountID string, window FetchWindow) ([]Transaction, error)

	// Revoke invalidates the credential. Best effort; vendors without a
	// revocation endpoint return true.
	Revoke(ctx context.Context, credential string) (bool, error)
}

// SessionStatusChecker is an optional capability. When an adapter implements
// it, the sync orchestrator pre-flights session health before fetching.
type SessionStatusChecker interface {
	CheckSessionStatus(ctx context.Context, credential string) (*SessionStatus, error)
}

// Constructor builds an adapter from its administrative config.
type Constructor func(cfg *domain.ProviderConfig) (Provider, error)

var registry = map[string]Constructor{}

// Register makes a vendor adapter available under its config name.
// Called from adapter package init functions.
func Register(name string, build Constructor) {
	registry[name] = build
}

// New selects and builds the adapter named by the config.
func New(cfg *domain.ProviderConfig) (Provider, error) {
	if cfg == nil {
		return nil, &domain.ConfigurationError{Msg: "provider config is nil"}
	}
	if !cfg.IsActive {
		return nil, &domain.ConfigurationError{Msg: fmt.Sprintf("provider %q is not active", cfg.Name)}
	}
	build, ok := registry[cfg.Name]
	if !ok {
		return nil, &domain.ConfigurationError{Msg: fmt.Sprintf("unsupported provider %q", cfg.Name)}
	}
	return build(cfg)
}
