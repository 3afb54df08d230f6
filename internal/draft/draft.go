// Package draft turns fetched bank transactions into single-entry ledger
// drafts awaiting a human-assigned counter account.
package draft

import (
	"github.com/shopspring/decimal"

	"github.com/fjordledger/banksync/internal/domain"
	"github.com/fjordledger/banksync/internal/provider"
)

const fallbackDescription = "Bank transaction"

// Build creates a DRAFT ledger transaction with exactly one journal entry
// against the bank's GL account. The entry side follows the account type:
// on an ASSET account money in is a debit, on a LIABILITY (credit card) the
// convention mirrors. The draft is deliberately unbalanced until the second
// leg is added.
func Build(tx provider.Transaction, accountType domain.AccountType, glAccountID, ledgerID uint) *domain.Transaction {
	description := tx.Description
	if description == "" {
		description = fallbackDescription
	}

	entry := domain.JournalEntry{
		AccountID:   glAccountID,
		Description: description,
	}
	moneyIn := tx.Amount.IsPositive()
	if accountType == domain.AccountTypeLiability {
		moneyIn = !moneyIn
	}
	if moneyIn {
		entry.Debit = tx.Amount.Abs()
		entry.Credit = decimal.Zero
	} else {
		entry.Debit = decimal.Zero
		entry.Credit = tx.Amount.Abs()
	}

	return &domain.Transaction{
		LedgerID:        ledgerID,
		Date:            tx.Date,
		Description:     description,
		Reference:       tx.Reference,
		Status:          domain.TransactionDraft,
		Source:          domain.SourceBankSync,
		SourceReference: tx.ExternalID,
		Entries:         []domain.JournalEntry{entry},
	}
}
