package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AccountType classifies a general-ledger account.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// TransactionStatus is the lifecycle state of a ledger transaction.
type TransactionStatus string

const (
	TransactionDraft  TransactionStatus = "DRAFT"
	TransactionPosted TransactionStatus = "POSTED"
)

// TransactionSource records where a ledger transaction came from.
type TransactionSource string

const (
	SourceManual    TransactionSource = "MANUAL"
	SourceCSVImport TransactionSource = "CSV_IMPORT"
	SourceBankSync  TransactionSource = "BANK_SYNC"
)

// ConnectionStatus is the lifecycle state of a bank connection.
type ConnectionStatus string

const (
	ConnectionActive       ConnectionStatus = "ACTIVE"
	ConnectionError        ConnectionStatus = "ERROR"
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
)

// SyncType records what triggered a sync run.
type SyncType string

const (
	SyncManual  SyncType = "MANUAL"
	SyncAuto    SyncType = "AUTO"
	SyncConnect SyncType = "CONNECT"
)

// SyncStatus is the terminal outcome of a sync run.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "SUCCESS"
	SyncPartial SyncStatus = "PARTIAL"
	SyncFailed  SyncStatus = "FAILED"
)

// ImportStatus tracks what happened to one fetched bank transaction.
type ImportStatus string

const (
	ImportPending   ImportStatus = "PENDING"
	ImportImported  ImportStatus = "IMPORTED"
	ImportDuplicate ImportStatus = "DUPLICATE"
	ImportIgnored   ImportStatus = "IGNORED"
)

// Account is a general-ledger account.
type Account struct {
	ID          uint        `gorm:"primaryKey"`
	Number      string      `gorm:"size:10;uniqueIndex"`
	Name        string      `gorm:"size:255"`
	Type        AccountType `gorm:"size:20"`
	IsActive    bool        `gorm:"default:true"`
	Description string      `gorm:"type:text"`
	CreatedAt   time.Time
}

// BankAccount binds a named bank account in a ledger to its GL account.
type BankAccount struct {
	ID        uint `gorm:"primaryKey"`
	LedgerID  uint `gorm:"index"`
	AccountID uint `gorm:"index"` // backing GL account
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JournalEntry is one leg of a double-entry transaction. Exactly one of
// Debit/Credit is nonzero on a well-formed leg.
type JournalEntry struct {
	ID            uint            `gorm:"primaryKey"`
	TransactionID uint            `gorm:"index"`
	AccountID     uint            `gorm:"index"`
	Debit         decimal.Decimal `gorm:"type:decimal(15,2)"`
	Credit        decimal.Decimal `gorm:"type:decimal(15,2)"`
	Description   string          `gorm:"size:500"`
	CreatedAt     time.Time
}

// Transaction is a ledger transaction. A DRAFT produced by bank sync holds a
// single entry until a human or the chain matcher adds the offsetting leg.
type Transaction struct {
	ID              uint              `gorm:"primaryKey"`
	LedgerID        uint              `gorm:"index"`
	Date            time.Time         `gorm:"type:date;index"`
	Description     string            `gorm:"size:500"`
	Reference       string            `gorm:"size:100"`
	Status          TransactionStatus `gorm:"size:10;index"`
	Source          TransactionSource `gorm:"size:20;index"`
	SourceReference string            `gorm:"size:255"`
	Entries         []JournalEntry    `gorm:"foreignKey:TransactionID"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TotalDebit sums the debit side of all entries.
func (t *Transaction) TotalDebit() decimal.Decimal {
	total := decimal.Zero
	for _, e := range t.Entries {
		total = total.Add(e.Debit)
	}
	return total
}

// TotalCredit sums the credit side of all entries.
func (t *Transaction) TotalCredit() decimal.Decimal {
	total := decimal.Zero
	for _, e := range t.Entries {
		total = total.Add(e.Credit)
	}
	return total
}

// IsBalanced reports whether total debit equals total credit.
func (t *Transaction) IsBalanced() bool {
	return t.TotalDebit().Equal(t.TotalCredit())
}

// ProviderConfig is the administrative record for one bank-aggregation
// vendor. Extra carries vendor-specific settings (application id,
// certificate paths) as opaque JSON decoded at the adapter boundary.
type ProviderConfig struct {
	ID          uint            `gorm:"primaryKey"`
	Name        string          `gorm:"size:50;uniqueIndex"`
	DisplayName string          `gorm:"size:100"`
	Environment string          `gorm:"size:20"`
	IsActive    bool            `gorm:"default:true"`
	AuthBaseURL string          `gorm:"size:500"`
	APIBaseURL  string          `gorm:"size:500"`
	Extra       json.RawMessage `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BankConnection binds one ledger bank account to one provider session.
// ExternalAccountID is reissued by the vendor per session; IBAN/BBAN is the
// stable anchor used to re-resolve it after every re-authorization.
type BankConnection struct {
	ID            uint `gorm:"primaryKey"`
	LedgerID      uint `gorm:"index"`
	BankAccountID uint `gorm:"index"`
	ProviderID    uint `gorm:"index"`

	ExternalBankID      string `gorm:"size:255"`
	ExternalAccountID   string `gorm:"size:255"`
	ExternalAccountName string `gorm:"size:255"`
	IBAN                string `gorm:"size:50"`
	BIC                 string `gorm:"size:20"`

	Credential          string `gorm:"type:text"` // encrypted
	CredentialExpiresAt *time.Time

	Status    ConnectionStatus `gorm:"size:20;index"`
	LastError string           `gorm:"type:text"`

	LastSyncAt         *time.Time
	LastSuccessAt      *time.Time
	SyncFloorDate      *time.Time `gorm:"type:date"`
	AutoSyncEnabled    bool       `gorm:"default:true"`
	SyncFrequencyHours int        `gorm:"default:24"`

	CreatedBy uint
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FetchedTransaction is one raw transaction as returned by the provider,
// kept for audit and as the first-tier dedup key.
type FetchedTransaction struct {
	ID           uint   `gorm:"primaryKey"`
	ConnectionID uint   `gorm:"index:idx_fetched_ext;index:idx_fetched_fp"`
	ExternalID   string `gorm:"size:255;index:idx_fetched_ext"`

	Date         time.Time       `gorm:"type:date"`
	BookingDate  *time.Time      `gorm:"type:date"`
	ValueDate    *time.Time      `gorm:"type:date"`
	Amount       decimal.Decimal `gorm:"type:decimal(15,2)"`
	Currency     string          `gorm:"size:3"`
	Description  string          `gorm:"type:text"`
	Reference    string          `gorm:"size:255"`
	MerchantName string          `gorm:"size:255"`

	Fingerprint string `gorm:"size:16;index:idx_fetched_fp"`

	ImportStatus          ImportStatus `gorm:"size:20"`
	ImportedTransactionID *uint        `gorm:"index"`

	Raw       json.RawMessage `gorm:"type:text"`
	FetchedAt time.Time
}

// SyncRun is the audit record for one sync attempt.
type SyncRun struct {
	ID           uint   `gorm:"primaryKey"`
	RunID        string `gorm:"size:36;uniqueIndex"`
	ConnectionID uint   `gorm:"index"`

	Type   SyncType   `gorm:"size:20"`
	Status SyncStatus `gorm:"size:10"`

	Fetched    int
	Imported   int
	Duplicates int

	FromDate *time.Time `gorm:"type:date"`
	ToDate   *time.Time `gorm:"type:date"`

	ErrorMessage string `gorm:"type:text"`
	ErrorCode    string `gorm:"size:50"`

	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds int

	TriggeredBy *uint
}
