// Package dedup fingerprints bank transactions and detects the two ways a
// fetched transaction can be a repeat: already fetched on this connection, or
// already present in the ledger under another connection or a manual entry.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"github.com/fjordledger/banksync/internal/domain"
	"github.com/fjordledger/banksync/internal/store"
)

const (
	maxDescriptionLen = 200
	maxReferenceLen   = 100
)

// Fingerprint derives a stable 16-hex-digit identity for a bank transaction.
// Providers re-deliver the same transaction with cosmetic differences
// (casing, padding, over-long remittance text), so every field is normalized
// before hashing. The external id is deliberately excluded: some vendors
// rotate it between fetches.
func Fingerprint(date time.Time, amount decimal.Decimal, description, reference string) string {
	desc := truncate(strings.ToLower(strings.TrimSpace(description)), maxDescriptionLen)
	ref := truncate(strings.ToLower(strings.TrimSpace(reference)), maxReferenceLen)
	key := date.Format("2006-01-02") + "|" + amount.StringFixed(2) + "|" + desc + "|" + ref
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

// truncate caps s at max characters, not bytes. Nordic remittance text is
// full of multibyte runes and slicing those mid-sequence would make the
// fingerprint depend on byte layout.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// Engine answers duplicate questions against the fetched-transaction log and
// the ledger.
type Engine struct {
	fetched   store.FetchedStore
	ledger    store.LedgerStore
	tolerance int
}

// NewEngine builds an engine with the given date tolerance (days on either
// side) for ledger duplicate detection.
func NewEngine(fetched store.FetchedStore, ledger store.LedgerStore, toleranceDays int) *Engine {
	return &Engine{fetched: fetched, ledger: ledger, tolerance: toleranceDays}
}

// AlreadyFetched reports whether this connection has already recorded the
// transaction. The external id is checked first; when the vendor rotated it,
// the content fingerprint still catches the repeat.
func (e *Engine) AlreadyFetched(ctx context.Context, connectionID uint, externalID, fingerprint string) (bool, error) {
	if externalID != "" {
		existing, err := e.fetched.FindByExternalID(ctx, connectionID, externalID)
		if err != nil {
			return false, fmt.Errorf("AlreadyFetched: by external id: %w", err)
		}
		if existing != nil {
			return true, nil
		}
	}
	existing, err := e.fetched.FindByFingerprint(ctx, connectionID, fingerprint)
	if err != nil {
		return false, fmt.Errorf("AlreadyFetched: by fingerprint: %w", err)
	}
	return existing != nil, nil
}

// FindDuplicateTransaction looks for a ledger transaction that is the same
// real-world event: an entry against the GL account within the tolerance
// window whose either side carries the absolute amount, and whose recomputed
// fingerprint matches exactly. Returns (nil, nil) when none matches.
func (e *Engine) FindDuplicateTransaction(ctx context.Context, ledgerID, glAccountID uint, fingerprint string, date time.Time, amount decimal.Decimal) (*domain.Transaction, error) {
	from := date.AddDate(0, 0, -e.tolerance)
	to := date.AddDate(0, 0, e.tolerance)
	candidates, err := e.ledger.FindCandidateDuplicates(ctx, ledgerID, glAccountID, from, to, amount.Abs())
	if err != nil {
		return nil, fmt.Errorf("FindDuplicateTransaction: %w", err)
	}
	for i := range candidates {
		cand := &candidates[i]
		// The candidate's own date/description/reference feed the hash; the
		// amount comes from the incoming transaction so the sign convention
		// lines up with the fingerprint computed at fetch time.
		if Fingerprint(cand.Date, amount, cand.Description, cand.Reference) == fingerprint {
			return cand, nil
		}
	}
	return nil, nil
}

// MarkDuplicate links a fetched row to the ledger transaction it duplicates.
func (e *Engine) MarkDuplicate(ctx context.Context, fetched *domain.FetchedTransaction, duplicateOf uint) error {
	fetched.ImportStatus = domain.ImportDuplicate
	fetched.ImportedTransactionID = &duplicateOf
	if err := e.fetched.SaveFetched(ctx, fetched); err != nil {
		return fmt.Errorf("MarkDuplicate: %w", err)
	}
	return nil
}
