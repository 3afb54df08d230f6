// Package enablebanking adapts the Enable Banking aggregation API to the
// provider contract. The vendor is session-based: authorization yields a
// session identifier valid up to 90 days covering every account at the bank,
// request authentication uses short-lived signed assertions, and transaction
// listing paginates through an opaque continuation key.
package enablebanking

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fjordledger/banksync/internal/domain"
	"github.com/fjordledger/banksync/internal/logger"
	"github.com/fjordledger/banksync/internal/provider"
)

const (
	// Name is the registry key of this adapter.
	Name = "enable_banking"

	requestTimeout = 60 * time.Second

	// assertionBackdate tolerates clock skew between us and the vendor.
	assertionBackdate = 60 * time.Second
	assertionLifetime = time.Hour

	// maxPages bounds the continuation-key loop against an upstream that
	// never stops returning a key.
	maxPages = 100
)

func init() {
	provider.Register(Name, func(cfg *domain.ProviderConfig) (provider.Provider, error) {
		return New(cfg)
	})
}

// settings is the vendor-specific part of ProviderConfig.Extra, decoded once
// at construction.
type settings struct {
	ApplicationID      string `json:"application_id"`
	PrivateKeyPath     string `json:"private_key_path"`
	CertificatePath    string `json:"certificate_path"`
	CertificateKeyPath string `json:"certificate_key_path"`
}

// Client implements provider.Provider and provider.SessionStatusChecker for
// Enable Banking.
type Client struct {
	cfg        *domain.ProviderConfig
	settings   settings
	privateKey *rsa.PrivateKey
	http       *http.Client
	now        func() time.Time
}

// New builds a Client from the administrative config. The RS256 signing key
// is loaded eagerly so a bad key path fails at construction, not mid-sync.
func New(cfg *domain.ProviderConfig) (*Client, error) {
	var s settings
	if len(cfg.Extra) > 0 {
		if err := json.Unmarshal(cfg.Extra, &s); err != nil {
			return nil, &domain.ConfigurationError{Msg: fmt.Sprintf("provider %q: decoding extra config: %v", cfg.Name, err)}
		}
	}
	if s.ApplicationID == "" {
		return nil, &domain.ConfigurationError{Msg: fmt.Sprintf("provider %q: application_id missing", cfg.Name)}
	}
	if s.PrivateKeyPath == "" {
		return nil, &domain.ConfigurationError{Msg: fmt.Sprintf("provider %q: private_key_path missing", cfg.Name)}
	}

	keyPEM, err := os.ReadFile(s.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("enablebanking.New: reading private key: %w", err)
	}
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("enablebanking.New: parsing private key: %w", err)
	}

	httpClient := &http.Client{Timeout: requestTimeout}
	if s.CertificatePath != "" && s.CertificateKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(s.CertificatePath, s.CertificateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("enablebanking.New: loading client certificate: %w", err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
	}

	return &Client{
		cfg:        cfg,
		settings:   s,
		privateKey: privateKey,
		http:       httpClient,
		now:        time.Now,
	}, nil
}

// signedAssertion mints the per-request JWT. Issued-at is backdated for
// clock-skew tolerance; the audience is the vendor API host.
func (c *Client) signedAssertion() (string, error) {
	apiURL, err := url.Parse(c.cfg.APIBaseURL)
	if err != nil {
		return "", fmt.Errorf("signedAssertion: parsing api base url: %w", err)
	}

	now := c.now()
	claims := jwt.MapClaims{
		"iss": c.settings.ApplicationID,
		"sub": c.settings.ApplicationID,
		"aud": apiURL.Host,
		"iat": now.Add(-assertionBackdate).Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = c.settings.ApplicationID

	signed, err := token.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("signedAssertion: signing: %w", err)
	}
	return signed, nil
}

// doJSON issues one authenticated request and decodes the response into out.
// Non-2xx responses become domain.ProtocolError with the vendor's own error
// code when the body carries one.
func (c *Client) doJSON(ctx context.Context, method, rawURL string, body any, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("doJSON: encoding body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("doJSON: building request: %w", err)
	}

	assertion, err := c.signedAssertion()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("doJSON: %s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("doJSON: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return protocolError(resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("doJSON: decoding response: %w", err)
		}
	}
	return nil
}

func protocolError(status int, body []byte) *domain.ProtocolError {
	var payload struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	perr := &domain.ProtocolError{HTTPStatus: status}
	if err := json.Unmarshal(body, &payload); err == nil {
		perr.Code = payload.Code
		if perr.Code == "" {
			perr.Code = payload.Error
		}
		perr.Message = payload.Message
		if perr.Message == "" {
			perr.Message = payload.Detail
		}
	}
	if perr.Message == "" {
		perr.Message = string(body)
	}
	return perr
}

// GetAuthorizationURL asks the vendor for a redirect URL. This is a POST
// that returns the URL in its body, not a browser-navigable GET.
func (c *Client) GetAuthorizationURL(ctx context.Context, state, redirectURI, bankID string) (string, error) {
	body := map[string]any{
		"state":        state,
		"redirect_url": redirectURI,
		"access": map[string]any{
			"valid_until": c.now().AddDate(0, 0, 90).Format(time.RFC3339),
		},
	}
	if bankID != "" {
		body["aspsp"] = map[string]string{"name": bankID}
	}

	var resp struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.cfg.AuthBaseURL+"/auth", body, nil, &resp); err != nil {
		return "", fmt.Errorf("GetAuthorizationURL: %w", err)
	}
	if resp.URL == "" {
		return "", &domain.ProtocolError{HTTPStatus: http.StatusOK, Message: "authorization response carried no url"}
	}
	return resp.URL, nil
}

// ExchangeCode trades the callback code for a session. The vendor returns
// the session identifier and the full list of accounts visible under it.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*provider.Session, error) {
	body := map[string]string{"code": code}

	var resp sessionResponse
	if err := c.doJSON(ctx, http.MethodPost, c.cfg.APIBaseURL+"/sessions", body, nil, &resp); err != nil {
		return nil, fmt.Errorf("ExchangeCode: %w", err)
	}
	if resp.SessionID == "" {
		return nil, &domain.ProtocolError{HTTPStatus: http.StatusOK, Message: "session response carried no session_id"}
	}

	return &provider.Session{
		Credential: resp.SessionID,
		ExpiresAt:  resp.Access.validUntil(),
		Accounts:   normalizeAccounts(resp.Accounts),
	}, nil
}

// RefreshCredential is not supported: sessions are long-lived and the
// credential expiry stored on the connection is only an estimate.
func (c *Client) RefreshCredential(ctx context.Context, credential string) (*provider.Refresh, error) {
	return nil, domain.ErrNotSupported
}

// FetchAccounts lists the accounts covered by the session.
func (c *Client) FetchAccounts(ctx context.Context, credential string) ([]provider.Account, error) {
	resp, err := c.fetchSession(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("FetchAccounts: %w", err)
	}
	return normalizeAccounts(resp.Accounts), nil
}

// CheckSessionStatus reports the vendor's view of the session. The caller
// maps expired/closed/revoked to its re-authorization signal.
func (c *Client) CheckSessionStatus(ctx context.Context, credential string) (*provider.SessionStatus, error) {
	resp, err := c.fetchSession(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("CheckSessionStatus: %w", err)
	}
	return &provider.SessionStatus{
		Status:   resp.Status,
		Accounts: normalizeAccounts(resp.Accounts),
	}, nil
}

func (c *Client) fetchSession(ctx context.Context, sessionID string) (*sessionResponse, error) {
	var resp sessionResponse
	err := c.doJSON(ctx, http.MethodGet, c.cfg.APIBaseURL+"/sessions/"+url.PathEscape(sessionID), nil, nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchTransactions pages through the account's transactions until the
// continuation key is absent, bounded by maxPages. An initial sync without a
// floor date omits date_from entirely: full history is only available in the
// short window after authorization and the vendor decides how far back it
// reaches.
func (c *Client) FetchTransactions(ctx context.Context, credential, accountID string, window provider.FetchWindow) ([]provider.Transaction, error) {
	log := logger.FromContext(ctx)

	base := c.cfg.APIBaseURL + "/accounts/" + url.PathEscape(accountID) + "/transactions"

	params := url.Values{}
	if window.From != nil {
		params.Set("date_from", window.From.Format("2006-01-02"))
	}
	if !window.To.IsZero() {
		params.Set("date_to", window.To.Format("2006-01-02"))
	}

	var all []provider.Transaction
	continuation := ""

	for page := 0; ; page++ {
		if page >= maxPages {
			return nil, &domain.ProtocolError{
				HTTPStatus: http.StatusOK,
				Message:    fmt.Sprintf("transaction listing exceeded %d pages for account %s", maxPages, accountID),
			}
		}

		q := url.Values{}
		for k, vs := range params {
			q[k] = vs
		}
		if continuation != "" {
			q.Set("continuation_key", continuation)
		}

		reqURL := base
		if len(q) > 0 {
			reqURL += "?" + q.Encode()
		}

		var resp transactionsResponse
		if err := c.doJSON(ctx, http.MethodGet, reqURL, nil, window.Headers, &resp); err != nil {
			return nil, fmt.Errorf("FetchTransactions: page %d: %w", page+1, err)
		}

		for _, raw := range resp.Transactions {
			tx, ok := normalizeTransaction(raw)
			if !ok {
				continue
			}
			all = append(all, tx)
		}

		if resp.ContinuationKey == "" {
			break
		}
		continuation = resp.ContinuationKey
	}

	log.Debug().
		Str("account_id", accountID).
		Int("transactions", len(all)).
		Msg("Fetched account transactions")

	return all, nil
}

// Revoke deletes the session. A 404 after expiry counts as success: the
// session is gone either way.
func (c *Client) Revoke(ctx context.Context, credential string) (bool, error) {
	err := c.doJSON(ctx, http.MethodDelete, c.cfg.APIBaseURL+"/sessions/"+url.PathEscape(credential), nil, nil, nil)
	if err != nil {
		var perr *domain.ProtocolError
		if errors.As(err, &perr) && perr.HTTPStatus == http.StatusNotFound {
			return true, nil
		}
		return false, fmt.Errorf("Revoke: %w", err)
	}
	return true, nil
}

var _ provider.Provider = (*Client)(nil)
var _ provider.SessionStatusChecker = (*Client)(nil)
