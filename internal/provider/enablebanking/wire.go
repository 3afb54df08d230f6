package enablebanking

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fjordledger/banksync/internal/provider"
)

// sessionResponse is the vendor's session object, returned both from the
// code exchange and the session lookup.
type sessionResponse struct {
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	Accounts  []ebAccount `json:"accounts"`
	Access    ebAccess    `json:"access"`
}

type ebAccess struct {
	ValidUntil string `json:"valid_until"`
}

func (a ebAccess) validUntil() *time.Time {
	if a.ValidUntil == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, a.ValidUntil)
	if err != nil {
		return nil
	}
	return &t
}

type ebAccount struct {
	ResourceID string `json:"resource_id"`
	Name       string `json:"name"`
	Product    string `json:"product"`
	IBAN       string `json:"iban"`
	BIC        string `json:"bic"`
	Currency   string `json:"currency"`
}

func normalizeAccounts(accounts []ebAccount) []provider.Account {
	out := make([]provider.Account, 0, len(accounts))
	for _, a := range accounts {
		name := a.Name
		if name == "" {
			name = a.Product
		}
		out = append(out, provider.Account{
			ID:       a.ResourceID,
			Name:     name,
			IBAN:     a.IBAN,
			BIC:      a.BIC,
			Currency: a.Currency,
			Type:     a.Product,
		})
	}
	return out
}

// transactionsResponse is one page of the listing. The continuation key is
// present on every page except the last.
type transactionsResponse struct {
	Transactions    []json.RawMessage `json:"transactions"`
	ContinuationKey string            `json:"continuation_key"`
}

type ebTransaction struct {
	EntryReference        string   `json:"entry_reference"`
	BookingDate           string   `json:"booking_date"`
	ValueDate             string   `json:"value_date"`
	TransactionAmount     ebAmount `json:"transaction_amount"`
	CreditDebitIndicator  string   `json:"credit_debit_indicator"`
	Status                string   `json:"status"`
	RemittanceInformation []string `json:"remittance_information"`
	Creditor              *ebParty `json:"creditor"`
	Debtor                *ebParty `json:"debtor"`
	EndToEndID            string   `json:"end_to_end_id"`
	MandateID             string   `json:"mandate_id"`
}

type ebAmount struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type ebParty struct {
	Name string `json:"name"`
}

// normalizeTransaction decodes one raw vendor transaction into the shared
// shape. Pending entries are dropped; only booked transactions are ingested.
// Raw keeps the undecoded payload for audit.
func normalizeTransaction(raw json.RawMessage) (provider.Transaction, bool) {
	var tx ebTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return provider.Transaction{}, false
	}

	if tx.Status != "" && !strings.EqualFold(tx.Status, "BOOK") {
		return provider.Transaction{}, false
	}

	amount, err := decimal.NewFromString(tx.TransactionAmount.Amount)
	if err != nil {
		return provider.Transaction{}, false
	}
	// The amount field is unsigned; the indicator carries the direction.
	if strings.EqualFold(tx.CreditDebitIndicator, "DBIT") {
		amount = amount.Neg()
	}

	bookingDate := parseDate(tx.BookingDate)
	valueDate := parseDate(tx.ValueDate)

	date := valueDate
	if date == nil {
		date = bookingDate
	}

	var merchant string
	if tx.Creditor != nil && tx.Creditor.Name != "" {
		merchant = tx.Creditor.Name
	} else if tx.Debtor != nil && tx.Debtor.Name != "" {
		merchant = tx.Debtor.Name
	}

	description := strings.TrimSpace(strings.Join(tx.RemittanceInformation, " "))
	if description == "" {
		description = merchant
	}

	reference := tx.EndToEndID
	if reference == "" {
		reference = tx.MandateID
	}

	normalized := provider.Transaction{
		ExternalID:   tx.EntryReference,
		BookingDate:  bookingDate,
		ValueDate:    valueDate,
		Amount:       amount,
		Currency:     tx.TransactionAmount.Currency,
		Description:  description,
		Reference:    reference,
		MerchantName: merchant,
		Raw:          raw,
	}
	if date != nil {
		normalized.Date = *date
	}
	return normalized, true
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	return &t
}
