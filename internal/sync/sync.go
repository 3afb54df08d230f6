// Package sync runs the per-connection synchronization pipeline: credential
// checks, session preflight, windowed fetch, dedup, draft import and audit
// logging. A run never propagates provider failures to the caller; it records
// them on the connection and the run row instead.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fjordledger/banksync/internal/cipher"
	"github.com/fjordledger/banksync/internal/dedup"
	"github.com/fjordledger/banksync/internal/domain"
	"github.com/fjordledger/banksync/internal/draft"
	"github.com/fjordledger/banksync/internal/logger"
	"github.com/fjordledger/banksync/internal/provider"
	"github.com/fjordledger/banksync/internal/store"
)

// Policy holds the tunable constants of a sync run.
type Policy struct {
	// AvailabilityWindowDays is the provider's rolling history window; the
	// from date of an ongoing sync never reaches further back.
	AvailabilityWindowDays int
	// OverlapDays re-fetches a sliver before the last success to catch
	// late-posting transactions. Dedup absorbs the repeats.
	OverlapDays int
	// DedupDateToleranceDays widens ledger duplicate matching around the
	// transaction date to absorb booking/value date drift.
	DedupDateToleranceDays int
	// InvertLiabilityAmounts flips fetched amounts on LIABILITY accounts,
	// where the provider reports from the bank's perspective.
	InvertLiabilityAmounts bool
}

// DefaultPolicy matches the reference vendor's 90-day session window.
func DefaultPolicy() Policy {
	return Policy{
		AvailabilityWindowDays: 89,
		OverlapDays:            1,
		DedupDateToleranceDays: 3,
		InvertLiabilityAmounts: true,
	}
}

// Result is the caller-visible outcome of one run. A failed run carries its
// cause in Errors; Run itself only errors on a bad request.
type Result struct {
	Status     domain.SyncStatus
	Fetched    int
	Imported   int
	Duplicates int
	Errors     []string
	From       *time.Time
	To         *time.Time
}

// Orchestrator drives sync runs. Safe for concurrent use; runs on the same
// connection are serialized.
type Orchestrator struct {
	connections store.ConnectionStore
	providers   store.ProviderStore
	fetched     store.FetchedStore
	runs        store.RunStore
	ledger      store.LedgerStore
	cipher      *cipher.Cipher
	engine      *dedup.Engine
	policy      Policy

	// newProvider is swappable in tests.
	newProvider func(cfg *domain.ProviderConfig) (provider.Provider, error)
	now         func() time.Time

	mu    gosync.Mutex
	locks map[uint]*gosync.Mutex
}

// New builds an orchestrator over the given stores.
func New(s *store.Store, c *cipher.Cipher, policy Policy) *Orchestrator {
	return &Orchestrator{
		connections: s,
		providers:   s,
		fetched:     s,
		runs:        s,
		ledger:      s,
		cipher:      c,
		engine:      dedup.NewEngine(s, s, policy.DedupDateToleranceDays),
		policy:      policy,
		newProvider: provider.New,
		now:         time.Now,
		locks:       map[uint]*gosync.Mutex{},
	}
}

// lockFor returns the mutex serializing runs for one connection.
func (o *Orchestrator) lockFor(connectionID uint) *gosync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[connectionID]
	if !ok {
		l = &gosync.Mutex{}
		o.locks[connectionID] = l
	}
	return l
}

// Run synchronizes one connection. The returned error covers bad requests
// only (unknown or disconnected connection); provider and processing
// failures are downgraded into the Result and the persisted run.
func (o *Orchestrator) Run(ctx context.Context, connectionID uint, syncType domain.SyncType, triggeredBy *uint) (*Result, error) {
	lock := o.lockFor(connectionID)
	lock.Lock()
	defer lock.Unlock()

	log := logger.FromContext(ctx).With().
		Uint("connection_id", connectionID).
		Str("sync_type", string(syncType)).
		Logger()

	conn, err := o.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}
	if conn == nil {
		return nil, &domain.ValidationError{Msg: fmt.Sprintf("bank connection %d not found", connectionID)}
	}
	if conn.Status == domain.ConnectionDisconnected {
		return nil, &domain.ValidationError{Msg: fmt.Sprintf("bank connection %d is disconnected", connectionID)}
	}

	startedAt := o.now()
	run := &domain.SyncRun{
		RunID:        uuid.NewString(),
		ConnectionID: conn.ID,
		Type:         syncType,
		Status:       domain.SyncFailed, // assume failure, flip on success
		StartedAt:    startedAt,
		TriggeredBy:  triggeredBy,
	}
	if err := o.runs.InsertRun(ctx, run); err != nil {
		return nil, fmt.Errorf("Run: create sync run: %w", err)
	}

	result, runErr := o.execute(ctx, log, conn)
	if runErr != nil {
		log.Error().Err(runErr).Msg("Sync run failed")
		return o.fail(ctx, conn, run, startedAt, runErr), nil
	}

	now := o.now()
	conn.LastSyncAt = &now
	conn.LastSuccessAt = &now
	conn.Status = domain.ConnectionActive
	conn.LastError = ""
	if err := o.connections.SaveConnection(ctx, conn); err != nil {
		return o.fail(ctx, conn, run, startedAt, fmt.Errorf("finalize connection: %w", err)), nil
	}

	run.Status = domain.SyncSuccess
	if len(result.Errors) > 0 {
		run.Status = domain.SyncPartial
	}
	run.Fetched = result.Fetched
	run.Imported = result.Imported
	run.Duplicates = result.Duplicates
	run.FromDate = result.From
	run.ToDate = result.To
	run.CompletedAt = &now
	run.DurationSeconds = int(now.Sub(startedAt).Seconds())
	if len(result.Errors) > 0 {
		run.ErrorMessage = strings.Join(result.Errors, "; ")
	}
	if err := o.runs.SaveRun(ctx, run); err != nil {
		log.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to finalize sync run")
	}
	result.Status = run.Status

	log.Info().
		Str("run_id", run.RunID).
		Int("fetched", result.Fetched).
		Int("imported", result.Imported).
		Int("duplicates", result.Duplicates).
		Int("errors", len(result.Errors)).
		Msg("Sync run completed")
	return result, nil
}

// execute runs steps 2-6: credential, preflight, window, fetch, import.
func (o *Orchestrator) execute(ctx context.Context, log zerolog.Logger, conn *domain.BankConnection) (*Result, error) {
	cfg, err := o.providers.GetConfig(ctx, conn.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("load provider config: %w", err)
	}
	if cfg == nil {
		return nil, &domain.ConfigurationError{Msg: fmt.Sprintf("provider config %d not found", conn.ProviderID)}
	}
	adapter, err := o.newProvider(cfg)
	if err != nil {
		return nil, err
	}

	credential, err := o.cipher.Decrypt(conn.Credential)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}

	now := o.now()
	if conn.CredentialExpiresAt != nil && conn.CredentialExpiresAt.Before(now) {
		refreshed, err := adapter.RefreshCredential(ctx, credential)
		switch {
		case errors.Is(err, domain.ErrNotSupported):
			// Expiry is only a hint for session-based vendors; the status
			// preflight below gives the authoritative answer.
		case err != nil:
			return nil, fmt.Errorf("refresh credential: %w", err)
		default:
			credential = refreshed.Credential
			encrypted, err := o.cipher.Encrypt(credential)
			if err != nil {
				return nil, fmt.Errorf("encrypt refreshed credential: %w", err)
			}
			conn.Credential = encrypted
			conn.CredentialExpiresAt = refreshed.ExpiresAt
			if err := o.connections.SaveConnection(ctx, conn); err != nil {
				return nil, fmt.Errorf("persist refreshed credential: %w", err)
			}
			log.Info().Msg("Refreshed expired credential")
		}
	}

	if checker, ok := adapter.(provider.SessionStatusChecker); ok {
		status, err := checker.CheckSessionStatus(ctx, credential)
		if err != nil {
			return nil, fmt.Errorf("check session status: %w", err)
		}
		switch strings.ToLower(status.Status) {
		case "expired", "closed", "revoked":
			return nil, &domain.SessionExpiredError{Status: status.Status}
		}
		if resolved := resolveAccountID(status.Accounts, conn); resolved != "" && resolved != conn.ExternalAccountID {
			log.Info().
				Str("old_account_id", conn.ExternalAccountID).
				Str("new_account_id", resolved).
				Msg("Reconciled session-scoped account id")
			conn.ExternalAccountID = resolved
			if err := o.connections.SaveConnection(ctx, conn); err != nil {
				return nil, fmt.Errorf("persist reconciled account id: %w", err)
			}
		}
	}

	window := o.window(conn, now)
	transactions, err := adapter.FetchTransactions(ctx, credential, conn.ExternalAccountID, window)
	if err != nil {
		return nil, fmt.Errorf("fetch transactions: %w", err)
	}

	bankAccount, err := o.ledger.GetBankAccount(ctx, conn.BankAccountID)
	if err != nil {
		return nil, fmt.Errorf("load bank account: %w", err)
	}
	if bankAccount == nil {
		return nil, &domain.ConfigurationError{Msg: fmt.Sprintf("bank account %d not found", conn.BankAccountID)}
	}
	glAccount, err := o.ledger.GetAccount(ctx, bankAccount.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load gl account: %w", err)
	}
	if glAccount == nil {
		return nil, &domain.ConfigurationError{Msg: fmt.Sprintf("gl account %d not found", bankAccount.AccountID)}
	}

	if o.policy.InvertLiabilityAmounts && glAccount.Type == domain.AccountTypeLiability {
		for i := range transactions {
			transactions[i].Amount = transactions[i].Amount.Neg()
		}
	}

	result := &Result{Fetched: len(transactions), From: window.From}
	to := window.To
	result.To = &to

	for _, tx := range transactions {
		if err := o.importOne(ctx, conn, glAccount, tx, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("transaction %s: %v", tx.ExternalID, err))
			log.Warn().Err(err).Str("external_id", tx.ExternalID).Msg("Failed to import transaction")
		}
	}
	return result, nil
}

// importOne pushes a single fetched transaction through dedup and draft
// creation, updating the result counters.
func (o *Orchestrator) importOne(ctx context.Context, conn *domain.BankConnection, glAccount *domain.Account, tx provider.Transaction, result *Result) error {
	if tx.Date.IsZero() {
		return fmt.Errorf("missing transaction date")
	}

	fingerprint := dedup.Fingerprint(tx.Date, tx.Amount, tx.Description, tx.Reference)
	seen, err := o.engine.AlreadyFetched(ctx, conn.ID, tx.ExternalID, fingerprint)
	if err != nil {
		return err
	}
	if seen {
		result.Duplicates++
		return nil
	}

	fetched := &domain.FetchedTransaction{
		ConnectionID: conn.ID,
		ExternalID:   tx.ExternalID,
		Date:         tx.Date,
		BookingDate:  tx.BookingDate,
		ValueDate:    tx.ValueDate,
		Amount:       tx.Amount,
		Currency:     tx.Currency,
		Description:  tx.Description,
		Reference:    tx.Reference,
		MerchantName: tx.MerchantName,
		Fingerprint:  fingerprint,
		ImportStatus: domain.ImportPending,
		Raw:          tx.Raw,
		FetchedAt:    o.now(),
	}
	if err := o.fetched.InsertFetched(ctx, fetched); err != nil {
		return err
	}

	existing, err := o.engine.FindDuplicateTransaction(ctx, conn.LedgerID, glAccount.ID, fingerprint, tx.Date, tx.Amount)
	if err != nil {
		return err
	}
	if existing != nil {
		if err := o.engine.MarkDuplicate(ctx, fetched, existing.ID); err != nil {
			return err
		}
		result.Duplicates++
		return nil
	}

	imported := draft.Build(tx, glAccount.Type, glAccount.ID, conn.LedgerID)
	if err := o.ledger.CreateTransaction(ctx, imported); err != nil {
		return err
	}
	fetched.ImportStatus = domain.ImportImported
	fetched.ImportedTransactionID = &imported.ID
	if err := o.fetched.SaveFetched(ctx, fetched); err != nil {
		return err
	}
	result.Imported++
	return nil
}

// window computes the fetch range. An initial sync takes everything the
// provider will give, bounded below only by the connection's floor date; an
// ongoing sync overlaps the last success and never reaches past the
// provider's rolling availability window.
func (o *Orchestrator) window(conn *domain.BankConnection, now time.Time) provider.FetchWindow {
	today := dateOf(now)
	if conn.LastSuccessAt == nil {
		return provider.FetchWindow{From: conn.SyncFloorDate, To: today, Initial: true}
	}
	from := dateOf(*conn.LastSuccessAt).AddDate(0, 0, -o.policy.OverlapDays)
	if earliest := today.AddDate(0, 0, -o.policy.AvailabilityWindowDays); from.Before(earliest) {
		from = earliest
	}
	return provider.FetchWindow{From: &from, To: today}
}

// dateOf strips the time of day in the clock's own zone. Truncate would
// round to the UTC day and shift the window around local midnight.
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// fail records a failed run: connection goes to ERROR with the message, the
// run row is finalized FAILED. The error never reaches the caller.
func (o *Orchestrator) fail(ctx context.Context, conn *domain.BankConnection, run *domain.SyncRun, startedAt time.Time, cause error) *Result {
	log := logger.FromContext(ctx)
	now := o.now()

	conn.LastSyncAt = &now
	conn.Status = domain.ConnectionError
	conn.LastError = cause.Error()
	if err := o.connections.SaveConnection(ctx, conn); err != nil {
		log.Error().Err(err).Uint("connection_id", conn.ID).Msg("Failed to persist connection error state")
	}

	run.Status = domain.SyncFailed
	run.ErrorMessage = cause.Error()
	run.ErrorCode = errorCode(cause)
	run.CompletedAt = &now
	run.DurationSeconds = int(now.Sub(startedAt).Seconds())
	if err := o.runs.SaveRun(ctx, run); err != nil {
		log.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to finalize failed sync run")
	}

	return &Result{Status: domain.SyncFailed, Errors: []string{cause.Error()}}
}

// errorCode classifies a failure for the audit row.
func errorCode(err error) string {
	var sessionErr *domain.SessionExpiredError
	if errors.As(err, &sessionErr) {
		return "SESSION_EXPIRED"
	}
	var protoErr *domain.ProtocolError
	if errors.As(err, &protoErr) {
		if protoErr.Code != "" {
			return protoErr.Code
		}
		return "PROTOCOL_ERROR"
	}
	var cfgErr *domain.ConfigurationError
	if errors.As(err, &cfgErr) {
		return "CONFIGURATION"
	}
	return ""
}

// resolveAccountID matches the connection's stored IBAN against the session's
// account list. Session-based vendors reissue account ids per session, so the
// IBAN is the stable anchor.
func resolveAccountID(accounts []provider.Account, conn *domain.BankConnection) string {
	if conn.IBAN == "" {
		return ""
	}
	for _, acct := range accounts {
		if acct.IBAN != "" && strings.EqualFold(acct.IBAN, conn.IBAN) {
			return acct.ID
		}
	}
	return ""
}
