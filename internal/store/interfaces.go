package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fjordledger/banksync/internal/domain"
)

// Lookup methods return (nil, nil) when no row matches; an error always
// means the query itself failed.

// ProviderStore resolves administrative provider configs.
type ProviderStore interface {
	GetConfig(ctx context.Context, id uint) (*domain.ProviderConfig, error)
	GetConfigByName(ctx context.Context, name string) (*domain.ProviderConfig, error)
}

// ConnectionStore persists bank connections.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id uint) (*domain.BankConnection, error)
	SaveConnection(ctx context.Context, conn *domain.BankConnection) error

	// FindByBankAccount returns the connection bound to a ledger bank
	// account regardless of status; one bank account holds at most one.
	FindByBankAccount(ctx context.Context, bankAccountID uint) (*domain.BankConnection, error)

	// FindActiveByExternalAccount looks up an ACTIVE connection holding the
	// given vendor account id under the same provider.
	FindActiveByExternalAccount(ctx context.Context, providerID uint, externalAccountID string) (*domain.BankConnection, error)

	// Siblings returns every non-DISCONNECTED connection in the ledger that
	// shares the provider and external bank, excluding the given one.
	Siblings(ctx context.Context, ledgerID, providerID uint, externalBankID string, excludeID uint) ([]domain.BankConnection, error)

	// ListAutoSyncDue returns ACTIVE connections with auto-sync enabled
	// whose sync interval has elapsed as of now.
	ListAutoSyncDue(ctx context.Context, now time.Time) ([]domain.BankConnection, error)
}

// FetchedStore persists raw provider transactions.
type FetchedStore interface {
	InsertFetched(ctx context.Context, tx *domain.FetchedTransaction) error
	SaveFetched(ctx context.Context, tx *domain.FetchedTransaction) error
	FindByExternalID(ctx context.Context, connectionID uint, externalID string) (*domain.FetchedTransaction, error)
	FindByFingerprint(ctx context.Context, connectionID uint, fingerprint string) (*domain.FetchedTransaction, error)
}

// RunStore persists sync-run audit records.
type RunStore interface {
	InsertRun(ctx context.Context, run *domain.SyncRun) error
	SaveRun(ctx context.Context, run *domain.SyncRun) error
}

// LedgerStore is the engine's window into the ledger proper.
type LedgerStore interface {
	GetBankAccount(ctx context.Context, id uint) (*domain.BankAccount, error)
	GetAccount(ctx context.Context, id uint) (*domain.Account, error)

	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	GetTransaction(ctx context.Context, ledgerID, id uint) (*domain.Transaction, error)

	// FindCandidateDuplicates returns ledger transactions with an entry
	// against the GL account inside the date window whose debit or credit
	// equals the absolute amount. Fingerprint comparison is the caller's.
	FindCandidateDuplicates(ctx context.Context, ledgerID, glAccountID uint, from, to time.Time, amount decimal.Decimal) ([]domain.Transaction, error)

	// ListBankSyncDrafts returns DRAFT BANK_SYNC transactions with entries
	// preloaded.
	ListBankSyncDrafts(ctx context.Context, ledgerID uint) ([]domain.Transaction, error)

	// MergeTransactions re-parents the secondary's single entry onto the
	// primary, repoints fetched-transaction import references, deletes the
	// secondary and optionally posts the primary, all in one database
	// transaction. Reassignment is durable before the parent is deleted.
	MergeTransactions(ctx context.Context, primaryID, secondaryID uint, post bool) error
}
