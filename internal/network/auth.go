// File: internal/network/auth.go
package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultRefreshMargin is the fraction of a token's lifetime after which it is refreshed.
const DefaultRefreshMargin = 0.9

// Authorizer decorates an outgoing request with credentials. body holds the
// exact bytes that will be sent, for schemes that sign the payload.
type Authorizer interface {
	Authorize(ctx context.Context, req *http.Request, body []byte) error
}

// Token is an access token together with its lifetime. A zero ExpiresIn
// means the token stays valid until invalidated.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// TokenFetcher acquires a fresh access token.
type TokenFetcher interface {
	FetchToken(ctx context.Context) (Token, error)
}

// TokenFetcherFunc adapts a function to TokenFetcher.
type TokenFetcherFunc func(ctx context.Context) (Token, error)

// FetchToken implements TokenFetcher.
func (f TokenFetcherFunc) FetchToken(ctx context.Context) (Token, error) { return f(ctx) }

// TokenSource caches a token and refreshes it proactively once the configured
// fraction of its lifetime has passed, rather than waiting for a 401.
type TokenSource struct {
	fetcher TokenFetcher
	margin  float64
	now     func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// TokenSourceOption configures a TokenSource.
type TokenSourceOption func(*TokenSource)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TokenSourceOption {
	return func(s *TokenSource) { s.now = now }
}

// WithRefreshMargin overrides DefaultRefreshMargin.
func WithRefreshMargin(margin float64) TokenSourceOption {
	return func(s *TokenSource) {
		if margin > 0 && margin <= 1 {
			s.margin = margin
		}
	}
}

// NewTokenSource creates a caching token source.
func NewTokenSource(fetcher TokenFetcher, opts ...TokenSourceOption) *TokenSource {
	s := &TokenSource{fetcher: fetcher, margin: DefaultRefreshMargin, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token returns a valid access token, fetching a new one when none is cached
// or the cached one is past its refresh point.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && (s.expiry.IsZero() || s.now().Before(s.expiry)) {
		return s.token, nil
	}

	tok, err := s.fetcher.FetchToken(ctx)
	if err != nil {
		s.token = ""
		return "", err
	}
	if tok.AccessToken == "" {
		s.token = ""
		return "", fmt.Errorf("%w: token response carried no access token", ErrAuthentication)
	}

	s.token = tok.AccessToken
	s.expiry = time.Time{}
	if tok.ExpiresIn > 0 {
		s.expiry = s.now().Add(time.Duration(float64(tok.ExpiresIn) * s.margin))
	}
	return s.token, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiry = time.Time{}
}

// Authorize implements Authorizer with the bearer scheme.
func (s *TokenSource) Authorize(ctx context.Context, req *http.Request, _ []byte) error {
	tok, err := s.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// ClientCredentialsConfig describes an OAuth2 client-credentials token endpoint.
type ClientCredentialsConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
}

// ClientCredentials fetches tokens with the OAuth2 client-credentials grant.
type ClientCredentials struct {
	cfg    ClientCredentialsConfig
	client *http.Client
	log    *zap.Logger
}

// NewClientCredentials creates a fetcher for the given endpoint.
func NewClientCredentials(cfg ClientCredentialsConfig, client *http.Client, logger *zap.Logger) *ClientCredentials {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientCredentials{cfg: cfg, client: client, log: logger.Named("oauth")}
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	ErrorDescription string `json:"error_description"`
}

// FetchToken implements TokenFetcher.
func (c *ClientCredentials) FetchToken(ctx context.Context) (Token, error) {
	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"grant_type":    {"client_credentials"},
		"scope":         {c.cfg.Scope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return Token{}, &RequestError{Method: http.MethodPost, URL: c.cfg.TokenURL, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("failed to read token response: %w", err)
	}

	var body tokenResponse
	decodeErr := json.Unmarshal(raw, &body)
	if resp.StatusCode != http.StatusOK || decodeErr != nil || body.AccessToken == "" {
		desc := body.ErrorDescription
		if desc == "" {
			desc = "Unknown error"
		}
		c.log.Error("Token request failed",
			zap.String("url", c.cfg.TokenURL),
			zap.Int("status", resp.StatusCode),
			zap.String("error_description", desc),
		)
		return Token{}, &RequestError{
			Method:     http.MethodPost,
			URL:        c.cfg.TokenURL,
			StatusCode: resp.StatusCode,
			Body:       truncateBody(raw),
			Err:        fmt.Errorf("%w: %s", ErrAuthentication, desc),
		}
	}

	return Token{
		AccessToken: body.AccessToken,
		ExpiresIn:   time.Duration(body.ExpiresIn) * time.Second,
	}, nil
}
