// Package store persists the engine's records through GORM. One Store
// implements every repository interface; callers depend on the narrow
// interfaces and tests swap in mocks.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/fjordledger/banksync/internal/domain"
)

// Store is the GORM-backed implementation of the repository interfaces.
type Store struct {
	db *gorm.DB
}

// Open connects to the SQLite database at dsn and returns a Store.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store.Open: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing GORM handle; used by tests and cmd/migrate.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the schema for every engine model.
func (s *Store) AutoMigrate() error {
	err := s.db.AutoMigrate(
		&domain.Account{},
		&domain.BankAccount{},
		&domain.Transaction{},
		&domain.JournalEntry{},
		&domain.ProviderConfig{},
		&domain.BankConnection{},
		&domain.FetchedTransaction{},
		&domain.SyncRun{},
	)
	if err != nil {
		return fmt.Errorf("AutoMigrate: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for callers that need raw access.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func first[T any](db *gorm.DB, conds ...any) (*T, error) {
	var row T
	err := db.First(&row, conds...).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ─── ProviderStore ───────────────────────────────────────────────

func (s *Store) GetConfig(ctx context.Context, id uint) (*domain.ProviderConfig, error) {
	cfg, err := first[domain.ProviderConfig](s.db.WithContext(ctx), id)
	if err != nil {
		return nil, fmt.Errorf("GetConfig: %w", err)
	}
	return cfg, nil
}

func (s *Store) GetConfigByName(ctx context.Context, name string) (*domain.ProviderConfig, error) {
	cfg, err := first[domain.ProviderConfig](s.db.WithContext(ctx), "name = ?", name)
	if err != nil {
		return nil, fmt.Errorf("GetConfigByName: %w", err)
	}
	return cfg, nil
}

// ─── ConnectionStore ─────────────────────────────────────────────

func (s *Store) GetConnection(ctx context.Context, id uint) (*domain.BankConnection, error) {
	conn, err := first[domain.BankConnection](s.db.WithContext(ctx), id)
	if err != nil {
		return nil, fmt.Errorf("GetConnection: %w", err)
	}
	return conn, nil
}

func (s *Store) SaveConnection(ctx context.Context, conn *domain.BankConnection) error {
	if err := s.db.WithContext(ctx).Save(conn).Error; err != nil {
		return fmt.Errorf("SaveConnection: %w", err)
	}
	return nil
}

func (s *Store) FindByBankAccount(ctx context.Context, bankAccountID uint) (*domain.BankConnection, error) {
	conn, err := first[domain.BankConnection](s.db.WithContext(ctx), "bank_account_id = ?", bankAccountID)
	if err != nil {
		return nil, fmt.Errorf("FindByBankAccount: %w", err)
	}
	return conn, nil
}

func (s *Store) FindActiveByExternalAccount(ctx context.Context, providerID uint, externalAccountID string) (*domain.BankConnection, error) {
	conn, err := first[domain.BankConnection](
		s.db.WithContext(ctx),
		"provider_id = ? AND external_account_id = ? AND status = ?",
		providerID, externalAccountID, domain.ConnectionActive,
	)
	if err != nil {
		return nil, fmt.Errorf("FindActiveByExternalAccount: %w", err)
	}
	return conn, nil
}

func (s *Store) Siblings(ctx context.Context, ledgerID, providerID uint, externalBankID string, excludeID uint) ([]domain.BankConnection, error) {
	var conns []domain.BankConnection
	err := s.db.WithContext(ctx).
		Where("ledger_id = ? AND provider_id = ? AND external_bank_id = ? AND id <> ? AND status <> ?",
			ledgerID, providerID, externalBankID, excludeID, domain.ConnectionDisconnected).
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("Siblings: %w", err)
	}
	return conns, nil
}

func (s *Store) ListAutoSyncDue(ctx context.Context, now time.Time) ([]domain.BankConnection, error) {
	var conns []domain.BankConnection
	err := s.db.WithContext(ctx).
		Where("status = ? AND auto_sync_enabled = ?", domain.ConnectionActive, true).
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("ListAutoSyncDue: %w", err)
	}

	due := conns[:0]
	for _, c := range conns {
		if c.LastSyncAt == nil || now.Sub(*c.LastSyncAt) >= time.Duration(c.SyncFrequencyHours)*time.Hour {
			due = append(due, c)
		}
	}
	return due, nil
}

// ─── FetchedStore ────────────────────────────────────────────────

func (s *Store) InsertFetched(ctx context.Context, tx *domain.FetchedTransaction) error {
	if err := s.db.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("InsertFetched: %w", err)
	}
	return nil
}

func (s *Store) SaveFetched(ctx context.Context, tx *domain.FetchedTransaction) error {
	if err := s.db.WithContext(ctx).Save(tx).Error; err != nil {
		return fmt.Errorf("SaveFetched: %w", err)
	}
	return nil
}

func (s *Store) FindByExternalID(ctx context.Context, connectionID uint, externalID string) (*domain.FetchedTransaction, error) {
	tx, err := first[domain.FetchedTransaction](
		s.db.WithContext(ctx), "connection_id = ? AND external_id = ?", connectionID, externalID)
	if err != nil {
		return nil, fmt.Errorf("FindByExternalID: %w", err)
	}
	return tx, nil
}

func (s *Store) FindByFingerprint(ctx context.Context, connectionID uint, fingerprint string) (*domain.FetchedTransaction, error) {
	tx, err := first[domain.FetchedTransaction](
		s.db.WithContext(ctx), "connection_id = ? AND fingerprint = ?", connectionID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("FindByFingerprint: %w", err)
	}
	return tx, nil
}

// ─── RunStore ────────────────────────────────────────────────────

func (s *Store) InsertRun(ctx context.Context, run *domain.SyncRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("InsertRun: %w", err)
	}
	return nil
}

func (s *Store) SaveRun(ctx context.Context, run *domain.SyncRun) error {
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("SaveRun: %w", err)
	}
	return nil
}

// ─── LedgerStore ─────────────────────────────────────────────────

func (s *Store) GetBankAccount(ctx context.Context, id uint) (*domain.BankAccount, error) {
	acc, err := first[domain.BankAccount](s.db.WithContext(ctx), id)
	if err != nil {
		return nil, fmt.Errorf("GetBankAccount: %w", err)
	}
	return acc, nil
}

func (s *Store) GetAccount(ctx context.Context, id uint) (*domain.Account, error) {
	acc, err := first[domain.Account](s.db.WithContext(ctx), id)
	if err != nil {
		return nil, fmt.Errorf("GetAccount: %w", err)
	}
	return acc, nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if err := s.db.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("CreateTransaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, ledgerID, id uint) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := s.db.WithContext(ctx).
		Preload("Entries").
		Where("ledger_id = ?", ledgerID).
		First(&tx, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	return &tx, nil
}

func (s *Store) FindCandidateDuplicates(ctx context.Context, ledgerID, glAccountID uint, from, to time.Time, amount decimal.Decimal) ([]domain.Transaction, error) {
	abs := amount.Abs()

	var ids []uint
	err := s.db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Joins("JOIN journal_entries ON journal_entries.transaction_id = transactions.id").
		Where("transactions.ledger_id = ?", ledgerID).
		Where("journal_entries.account_id = ?", glAccountID).
		Where("transactions.date BETWEEN ? AND ?", from, to).
		Where("journal_entries.debit = ? OR journal_entries.credit = ?", abs, abs).
		Distinct().
		Pluck("transactions.id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("FindCandidateDuplicates: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var txs []domain.Transaction
	if err := s.db.WithContext(ctx).Preload("Entries").Find(&txs, ids).Error; err != nil {
		return nil, fmt.Errorf("FindCandidateDuplicates: loading: %w", err)
	}
	return txs, nil
}

func (s *Store) ListBankSyncDrafts(ctx context.Context, ledgerID uint) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	err := s.db.WithContext(ctx).
		Preload("Entries").
		Where("ledger_id = ? AND status = ? AND source = ?",
			ledgerID, domain.TransactionDraft, domain.SourceBankSync).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("ListBankSyncDrafts: %w", err)
	}
	return txs, nil
}

// MergeTransactions re-parents the secondary's entry first; only once that
// update is part of the transaction does the childless secondary get
// deleted. No cascade ever sees the entry orphaned.
func (s *Store) MergeTransactions(ctx context.Context, primaryID, secondaryID uint, post bool) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.JournalEntry{}).
			Where("transaction_id = ?", secondaryID).
			Update("transaction_id", primaryID).Error; err != nil {
			return fmt.Errorf("re-parenting entry: %w", err)
		}

		if err := tx.Model(&domain.FetchedTransaction{}).
			Where("imported_transaction_id = ?", secondaryID).
			Update("imported_transaction_id", primaryID).Error; err != nil {
			return fmt.Errorf("repointing import references: %w", err)
		}

		if err := tx.Delete(&domain.Transaction{}, secondaryID).Error; err != nil {
			return fmt.Errorf("deleting secondary: %w", err)
		}

		if post {
			if err := tx.Model(&domain.Transaction{}).
				Where("id = ?", primaryID).
				Update("status", domain.TransactionPosted).Error; err != nil {
				return fmt.Errorf("posting primary: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("MergeTransactions: %w", err)
	}
	return nil
}

var (
	_ ProviderStore   = (*Store)(nil)
	_ ConnectionStore = (*Store)(nil)
	_ FetchedStore    = (*Store)(nil)
	_ RunStore        = (*Store)(nil)
	_ LedgerStore     = (*Store)(nil)
)
