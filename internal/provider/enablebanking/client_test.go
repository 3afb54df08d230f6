package enablebanking

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjordledger/banksync/internal/domain"
	"github.com/fjordledger/banksync/internal/provider"
)

func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	path := filepath.Join(t.TempDir(), "signing.key")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path, key
}

func newTestClient(t *testing.T, serverURL string) (*Client, *rsa.PrivateKey) {
	t.Helper()

	keyPath, key := writeTestKey(t)
	extra, err := json.Marshal(map[string]string{
		"application_id":   "app-123",
		"private_key_path": keyPath,
	})
	require.NoError(t, err)

	cfg := &domain.ProviderConfig{
		Name:        Name,
		IsActive:    true,
		Environment: "sandbox",
		AuthBaseURL: serverURL,
		APIBaseURL:  serverURL,
		Extra:       extra,
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c, key
}

func TestSignedAssertionClaims(t *testing.T) {
	c, key := newTestClient(t, "https://api.example.test")
	fixed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	signed, err := c.signedAssertion()
	require.NoError(t, err)

	parsed, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(func() time.Time { return fixed }))
	require.NoError(t, err)

	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "app-123", claims["iss"])
	assert.Equal(t, "api.example.test", claims["aud"])
	assert.Equal(t, "app-123", parsed.Header["kid"])

	iat := int64(claims["iat"].(float64))
	exp := int64(claims["exp"].(float64))
	assert.Equal(t, fixed.Add(-60*time.Second).Unix(), iat)
	assert.Equal(t, fixed.Add(time.Hour).Unix(), exp)
}

func TestGetAuthorizationURL(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/auth", r.URL.Path)
		require.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"url": "https://bank.example/authorize?x=1"})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	u, err := c.GetAuthorizationURL(context.Background(), "state-1", "https://app/callback", "NO_DNB")
	require.NoError(t, err)
	assert.Equal(t, "https://bank.example/authorize?x=1", u)

	assert.Equal(t, "state-1", gotBody["state"])
	assert.Equal(t, "https://app/callback", gotBody["redirect_url"])
	aspsp := gotBody["aspsp"].(map[string]any)
	assert.Equal(t, "NO_DNB", aspsp["name"])
}

func TestExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sessions", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"session_id": "sess-1",
			"access":     map[string]string{"valid_until": "2026-06-08T00:00:00Z"},
			"accounts": []map[string]string{
				{"resource_id": "acc-1", "name": "Brukskonto", "iban": "NO9386011117947", "currency": "NOK"},
				{"resource_id": "acc-2", "product": "Credit Card", "iban": "NO9386011117948", "currency": "NOK"},
			},
		})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	sess, err := c.ExchangeCode(context.Background(), "code-1", "https://app/callback")
	require.NoError(t, err)

	assert.Equal(t, "sess-1", sess.Credential)
	require.NotNil(t, sess.ExpiresAt)
	assert.Equal(t, 2026, sess.ExpiresAt.Year())
	require.Len(t, sess.Accounts, 2)
	assert.Equal(t, "Brukskonto", sess.Accounts[0].Name)
	// Name falls back to product when absent.
	assert.Equal(t, "Credit Card", sess.Accounts[1].Name)
}

func TestRefreshCredentialNotSupported(t *testing.T) {
	c, _ := newTestClient(t, "https://api.example.test")
	_, err := c.RefreshCredential(context.Background(), "sess-1")
	assert.ErrorIs(t, err, domain.ErrNotSupported)
}

func TestFetchTransactionsPagination(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		require.Equal(t, "/accounts/acc-1/transactions", r.URL.Path)

		page := map[string]any{}
		switch r.URL.Query().Get("continuation_key") {
		case "":
			page["transactions"] = []map[string]any{ebTx("t1", "100.00", "CRDT")}
			page["continuation_key"] = "k1"
		case "k1":
			page["transactions"] = []map[string]any{ebTx("t2", "25.50", "DBIT")}
			page["continuation_key"] = "k2"
		case "k2":
			page["transactions"] = []map[string]any{ebTx("t3", "7.00", "CRDT")}
		default:
			t.Fatalf("unexpected continuation key %q", r.URL.Query().Get("continuation_key"))
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	txs, err := c.FetchTransactions(context.Background(), "sess-1", "acc-1", provider.FetchWindow{
		From: &from,
		To:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	// Three pages concatenated, no 4th request issued.
	assert.Equal(t, 3, requests)
	require.Len(t, txs, 3)
	assert.Equal(t, "t1", txs[0].ExternalID)
	assert.Equal(t, "t2", txs[1].ExternalID)
	assert.Equal(t, "t3", txs[2].ExternalID)
	assert.True(t, txs[0].Amount.Equal(decimal.RequireFromString("100.00")))
	// DBIT entries come back negated.
	assert.True(t, txs[1].Amount.Equal(decimal.RequireFromString("-25.50")))
}

func TestFetchTransactionsPageCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Always return a continuation key: a looping upstream.
		json.NewEncoder(w).Encode(map[string]any{
			"transactions":     []map[string]any{ebTx("t", "1.00", "CRDT")},
			"continuation_key": "again",
		})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	_, err := c.FetchTransactions(context.Background(), "sess-1", "acc-1", provider.FetchWindow{
		To: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})

	var perr *domain.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Message, "100 pages")
}

func TestFetchTransactionsSkipsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pending := ebTx("t-pending", "5.00", "CRDT")
		pending["status"] = "PDNG"
		json.NewEncoder(w).Encode(map[string]any{
			"transactions": []map[string]any{ebTx("t-booked", "5.00", "CRDT"), pending},
		})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	txs, err := c.FetchTransactions(context.Background(), "sess-1", "acc-1", provider.FetchWindow{
		To: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "t-booked", txs[0].ExternalID)
}

func TestCheckSessionStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sessions/sess-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"session_id": "sess-1",
			"status":     "EXPIRED",
			"accounts":   []map[string]string{{"resource_id": "acc-9", "iban": "NO12"}},
		})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	status, err := c.CheckSessionStatus(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "EXPIRED", status.Status)
	require.Len(t, status.Accounts, 1)
	assert.Equal(t, "acc-9", status.Accounts[0].ID)
}

func TestRevokeTreats404AsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "session not found"})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	ok, err := c.Revoke(context.Background(), "sess-gone")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProtocolErrorCarriesVendorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"code": "WRONG_REQUEST_PARAMETERS", "message": "bad date range"})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	_, err := c.FetchAccounts(context.Background(), "sess-1")

	var perr *domain.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusUnprocessableEntity, perr.HTTPStatus)
	assert.Equal(t, "WRONG_REQUEST_PARAMETERS", perr.Code)
	assert.Equal(t, "bad date range", perr.Message)
}

func TestFactorySelectsAdapter(t *testing.T) {
	keyPath, _ := writeTestKey(t)
	extra, _ := json.Marshal(map[string]string{
		"application_id":   "app-123",
		"private_key_path": keyPath,
	})

	cfg := &domain.ProviderConfig{Name: Name, IsActive: true, APIBaseURL: "https://x", AuthBaseURL: "https://x", Extra: extra}
	p, err := provider.New(cfg)
	require.NoError(t, err)
	_, ok := p.(*Client)
	assert.True(t, ok)

	cfg.IsActive = false
	_, err = provider.New(cfg)
	var cerr *domain.ConfigurationError
	assert.ErrorAs(t, err, &cerr)

	_, err = provider.New(&domain.ProviderConfig{Name: "tink", IsActive: true})
	assert.ErrorAs(t, err, &cerr)
}

func ebTx(id, amount, indicator string) map[string]any {
	return map[string]any{
		"entry_reference": id,
		"booking_date":    "2026-01-15",
		"value_date":      "2026-01-16",
		"transaction_amount": map[string]string{
			"amount":   amount,
			"currency": "NOK",
		},
		"credit_debit_indicator": indicator,
		"status":                 "BOOK",
		"remittance_information": []string{"COFFEE SHOP"},
		"creditor":               map[string]string{"name": "Coffee Shop AS"},
	}
}
