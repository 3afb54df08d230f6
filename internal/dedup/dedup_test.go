package dedup

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjordledger/banksync/internal/domain"
	"github.com/fjordledger/banksync/internal/store"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestFingerprintDeterministic(t *testing.T) {
	d := date("2024-01-15")
	amount := decimal.RequireFromString("123.45")

	fp1 := Fingerprint(d, amount, "Coffee Shop", "REF123")
	fp2 := Fingerprint(d, amount, "Coffee Shop", "REF123")

	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 16)
}

func TestFingerprintNormalization(t *testing.T) {
	d := date("2024-01-15")
	amount := decimal.RequireFromString("123.45")
	base := Fingerprint(d, amount, "Coffee Shop", "REF123")

	assert.Equal(t, base, Fingerprint(d, amount, "  COFFEE SHOP  ", "ref123"))
	assert.Equal(t, base, Fingerprint(d, decimal.RequireFromString("123.450"), "Coffee Shop", "REF123"))
}

func TestFingerprintFieldSensitivity(t *testing.T) {
	d := date("2024-01-15")
	amount := decimal.RequireFromString("123.45")
	base := Fingerprint(d, amount, "Coffee Shop", "REF123")

	assert.NotEqual(t, base, Fingerprint(d.AddDate(0, 0, 1), amount, "Coffee Shop", "REF123"))
	assert.NotEqual(t, base, Fingerprint(d, amount.Neg(), "Coffee Shop", "REF123"))
	assert.NotEqual(t, base, Fingerprint(d, amount, "Coffee Shop 2", "REF123"))
	assert.NotEqual(t, base, Fingerprint(d, amount, "Coffee Shop", "REF124"))
}

func TestFingerprintTruncation(t *testing.T) {
	d := date("2024-01-15")
	amount := decimal.RequireFromString("9.99")

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	fp1 := Fingerprint(d, amount, string(long), "")
	fp2 := Fingerprint(d, amount, string(long[:200]), "")
	assert.Equal(t, fp1, fp2)
}

func TestFingerprintTruncationCountsRunes(t *testing.T) {
	d := date("2024-01-15")
	amount := decimal.RequireFromString("9.99")

	long := strings.Repeat("ø", 200)
	fp1 := Fingerprint(d, amount, long+"x", "")
	fp2 := Fingerprint(d, amount, long, "")
	assert.Equal(t, fp1, fp2, "truncation past 200 runes drops the tail")

	fp3 := Fingerprint(d, amount, strings.Repeat("ø", 199)+"x", "")
	assert.NotEqual(t, fp2, fp3, "character 200 still participates")
}

func newTestEngine(t *testing.T, tolerance int) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.AutoMigrate())
	return NewEngine(s, s, tolerance), s
}

func TestAlreadyFetchedByExternalID(t *testing.T) {
	engine, s := newTestEngine(t, 3)
	ctx := context.Background()

	require.NoError(t, s.InsertFetched(ctx, &domain.FetchedTransaction{
		ConnectionID: 1,
		ExternalID:   "TX-1",
		Fingerprint:  "aaaaaaaaaaaaaaaa",
		ImportStatus: domain.ImportPending,
	}))

	found, err := engine.AlreadyFetched(ctx, 1, "TX-1", "bbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = engine.AlreadyFetched(ctx, 2, "TX-1", "bbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	assert.False(t, found, "other connections keep their own fetch log")
}

func TestAlreadyFetchedByFingerprint(t *testing.T) {
	engine, s := newTestEngine(t, 3)
	ctx := context.Background()

	require.NoError(t, s.InsertFetched(ctx, &domain.FetchedTransaction{
		ConnectionID: 1,
		ExternalID:   "TX-OLD-FORMAT",
		Fingerprint:  "cccccccccccccccc",
		ImportStatus: domain.ImportImported,
	}))

	// Vendor rotated the external id; the fingerprint still matches.
	found, err := engine.AlreadyFetched(ctx, 1, "TX-NEW-FORMAT", "cccccccccccccccc")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = engine.AlreadyFetched(ctx, 1, "TX-NEW-FORMAT", "dddddddddddddddd")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindDuplicateTransaction(t *testing.T) {
	engine, s := newTestEngine(t, 3)
	ctx := context.Background()

	existing := &domain.Transaction{
		LedgerID:    1,
		Date:        date("2024-03-10"),
		Description: "Grocery Store",
		Reference:   "REF-77",
		Status:      domain.TransactionDraft,
		Source:      domain.SourceManual,
		Entries: []domain.JournalEntry{
			{AccountID: 5, Credit: decimal.RequireFromString("42.00")},
		},
	}
	require.NoError(t, s.CreateTransaction(ctx, existing))

	amount := decimal.RequireFromString("-42.00")

	// Booking date two days later than the ledger date still matches.
	fp := Fingerprint(existing.Date, amount, "grocery store", "ref-77")
	dup, err := engine.FindDuplicateTransaction(ctx, 1, 5, fp, date("2024-03-12"), amount)
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, existing.ID, dup.ID)

	// Outside the tolerance window nothing matches.
	dup, err = engine.FindDuplicateTransaction(ctx, 1, 5, fp, date("2024-03-20"), amount)
	require.NoError(t, err)
	assert.Nil(t, dup)

	// Same window and amount but different description.
	other := Fingerprint(existing.Date, amount, "hardware store", "ref-77")
	dup, err = engine.FindDuplicateTransaction(ctx, 1, 5, other, date("2024-03-10"), amount)
	require.NoError(t, err)
	assert.Nil(t, dup)
}

func TestMarkDuplicate(t *testing.T) {
	engine, s := newTestEngine(t, 3)
	ctx := context.Background()

	fetched := &domain.FetchedTransaction{
		ConnectionID: 1,
		ExternalID:   "TX-9",
		Fingerprint:  "eeeeeeeeeeeeeeee",
		ImportStatus: domain.ImportPending,
	}
	require.NoError(t, s.InsertFetched(ctx, fetched))
	require.NoError(t, engine.MarkDuplicate(ctx, fetched, 123))

	stored, err := s.FindByExternalID(ctx, 1, "TX-9")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.ImportDuplicate, stored.ImportStatus)
	require.NotNil(t, stored.ImportedTransactionID)
	assert.Equal(t, uint(123), *stored.ImportedTransactionID)
}
