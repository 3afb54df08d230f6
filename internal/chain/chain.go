// Package chain detects DRAFT bank-sync transaction pairs that are two sides
// of the same inter-account transfer (a credit card payment seen from both
// the checking account and the card) and merges them into one balanced
// transaction.
package chain

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fjordledger/banksync/internal/domain"
	"github.com/fjordledger/banksync/internal/logger"
	"github.com/fjordledger/banksync/internal/store"
)

// Confidence grades how certain a suggested pair is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
)

// DefaultDateToleranceDays bounds how far apart the two sides of a transfer
// may book.
const DefaultDateToleranceDays = 2

// Suggestion is one proposed pair. Primary is the transaction that survives
// the merge; it has the earlier (or equal) date.
type Suggestion struct {
	PrimaryID            uint
	SecondaryID          uint
	PrimaryDescription   string
	SecondaryDescription string
	PrimaryAccountName   string
	SecondaryAccountName string
	Amount               decimal.Decimal
	PrimaryDate          time.Time
	SecondaryDate        time.Time
	Confidence           Confidence
}

// Matcher pairs and merges draft transfers.
type Matcher struct {
	ledger    store.LedgerStore
	tolerance int
}

// NewMatcher builds a matcher over the ledger store with the given date
// tolerance (days between the two sides of a transfer).
func NewMatcher(ledger store.LedgerStore, toleranceDays int) *Matcher {
	return &Matcher{ledger: ledger, tolerance: toleranceDays}
}

type side struct {
	tx    *domain.Transaction
	entry *domain.JournalEntry
}

// FindCandidates scans a ledger's single-entry DRAFT bank-sync transactions
// and pairs pure debits with pure credits on a different account, exactly
// equal amount, booked within the date tolerance. Each credit is consumed
// at most once; among eligible credits the closest date wins. Same-day pairs
// are HIGH confidence.
func (m *Matcher) FindCandidates(ctx context.Context, ledgerID uint) ([]Suggestion, error) {
	drafts, err := m.ledger.ListBankSyncDrafts(ctx, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("FindCandidates: %w", err)
	}

	var debits, credits []side
	for i := range drafts {
		tx := &drafts[i]
		if len(tx.Entries) != 1 {
			continue
		}
		entry := &tx.Entries[0]
		switch {
		case entry.Debit.IsPositive() && entry.Credit.IsZero():
			debits = append(debits, side{tx: tx, entry: entry})
		case entry.Credit.IsPositive() && entry.Debit.IsZero():
			credits = append(credits, side{tx: tx, entry: entry})
		}
	}

	accountNames := map[uint]string{}
	name := func(accountID uint) string {
		if n, ok := accountNames[accountID]; ok {
			return n
		}
		n := "Unknown"
		if acct, err := m.ledger.GetAccount(ctx, accountID); err == nil && acct != nil {
			n = acct.Name
		}
		accountNames[accountID] = n
		return n
	}

	var suggestions []Suggestion
	usedCredits := map[uint]bool{}

	for _, debit := range debits {
		var best *side
		bestDiff := m.tolerance + 1

		for i := range credits {
			credit := &credits[i]
			if usedCredits[credit.tx.ID] {
				continue
			}
			if credit.entry.AccountID == debit.entry.AccountID {
				continue
			}
			if !debit.entry.Debit.Equal(credit.entry.Credit) {
				continue
			}
			diff := dateDiffDays(debit.tx.Date, credit.tx.Date)
			if diff > m.tolerance {
				continue
			}
			if diff < bestDiff {
				best = credit
				bestDiff = diff
			}
		}
		if best == nil {
			continue
		}

		confidence := ConfidenceMedium
		if bestDiff == 0 {
			confidence = ConfidenceHigh
		}
		primary, secondary := debit, *best
		if best.tx.Date.Before(debit.tx.Date) {
			primary, secondary = *best, debit
		}
		suggestions = append(suggestions, Suggestion{
			PrimaryID:            primary.tx.ID,
			SecondaryID:          secondary.tx.ID,
			PrimaryDescription:   primary.tx.Description,
			SecondaryDescription: secondary.tx.Description,
			PrimaryAccountName:   name(primary.entry.AccountID),
			SecondaryAccountName: name(secondary.entry.AccountID),
			Amount:               debit.entry.Debit,
			PrimaryDate:          primary.tx.Date,
			SecondaryDate:        secondary.tx.Date,
			Confidence:           confidence,
		})
		usedCredits[best.tx.ID] = true
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		if suggestions[i].Confidence != suggestions[j].Confidence {
			return suggestions[i].Confidence == ConfidenceHigh
		}
		return suggestions[i].PrimaryDate.After(suggestions[j].PrimaryDate)
	})
	return suggestions, nil
}

// Chain merges a suggested pair: the secondary's single entry moves onto the
// primary, fetched-transaction import references follow, and the secondary
// is deleted. The merged transaction is posted when autoPost is set and the
// result balances.
func (m *Matcher) Chain(ctx context.Context, ledgerID, primaryID, secondaryID uint, autoPost bool) (*domain.Transaction, error) {
	primary, err := m.ledger.GetTransaction(ctx, ledgerID, primaryID)
	if err != nil {
		return nil, fmt.Errorf("Chain: %w", err)
	}
	if primary == nil {
		return nil, &domain.ValidationError{Msg: fmt.Sprintf("primary transaction %d not found", primaryID)}
	}
	secondary, err := m.ledger.GetTransaction(ctx, ledgerID, secondaryID)
	if err != nil {
		return nil, fmt.Errorf("Chain: %w", err)
	}
	if secondary == nil {
		return nil, &domain.ValidationError{Msg: fmt.Sprintf("secondary transaction %d not found", secondaryID)}
	}

	if primary.Status != domain.TransactionDraft {
		return nil, &domain.ValidationError{Msg: fmt.Sprintf("primary transaction %d is not a draft", primaryID)}
	}
	if secondary.Status != domain.TransactionDraft {
		return nil, &domain.ValidationError{Msg: fmt.Sprintf("secondary transaction %d is not a draft", secondaryID)}
	}
	if len(primary.Entries) != 1 {
		return nil, &domain.ValidationError{Msg: fmt.Sprintf("primary transaction %d must have exactly one entry", primaryID)}
	}
	if len(secondary.Entries) != 1 {
		return nil, &domain.ValidationError{Msg: fmt.Sprintf("secondary transaction %d must have exactly one entry", secondaryID)}
	}

	merged := domain.Transaction{Entries: append(primary.Entries, secondary.Entries...)}
	post := autoPost && len(merged.Entries) >= 2 && merged.IsBalanced()

	if err := m.ledger.MergeTransactions(ctx, primaryID, secondaryID, post); err != nil {
		return nil, fmt.Errorf("Chain: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Uint("primary_id", primaryID).
		Uint("secondary_id", secondaryID).
		Bool("posted", post).
		Msg("Chained draft transactions")

	result, err := m.ledger.GetTransaction(ctx, ledgerID, primaryID)
	if err != nil {
		return nil, fmt.Errorf("Chain: reload: %w", err)
	}
	return result, nil
}

// dateDiffDays returns the absolute whole-day difference.
func dateDiffDays(a, b time.Time) int {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return int(diff.Hours() / 24)
}
