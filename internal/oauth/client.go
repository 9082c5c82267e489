package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"

	"github.com/mickaelvieira/octoauth-go-client/internal/config"
	"github.com/mickaelvieira/octoauth-go-client/internal/secret"
	"github.com/mickaelvieira/octoauth-go-client/internal/status"
	"github.com/mickaelvieira/octoauth-go-client/internal/storage"
)

// Client is the entry point of the package. It ties the authorization flow,
// the grant manager and the status channel to a single store.
type Client struct {
	config  config.Client
	store   storage.Store
	http    *http.Client
	logger  *slog.Logger
	secrets *secret.Generator
	now     func() time.Time

	safetyMargin time.Duration
	maxTries     uint
	retryDelay   time.Duration

	status *status.Channel[status.Status]
	flow   *Flow
	grants *GrantManager
}

type Option func(c *Client)

func WithStorage(store storage.Store) Option {
	return func(c *Client) {
		c.store = store
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.http = client
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithEntropy replaces crypto/rand as the source of verifiers and states.
func WithEntropy(r io.Reader) Option {
	return func(c *Client) {
		c.secrets = &secret.Generator{Reader: r}
	}
}

// WithSafetyMargin sets how long before expiry the access token is renewed.
func WithSafetyMargin(d time.Duration) Option {
	return func(c *Client) {
		c.safetyMargin = d
	}
}

// WithRetry bounds the attempts made by a scheduled renewal when the token
// endpoint is unreachable. delay is the first wait, it grows exponentially.
func WithRetry(tries uint, delay time.Duration) Option {
	return func(c *Client) {
		c.maxTries = tries
		c.retryDelay = delay
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

func NewClient(cfg config.Client, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config:       cfg.WithDefaults(),
		store:        &storage.Memory{},
		http:         &http.Client{Timeout: time.Second * 60},
		logger:       slog.Default(),
		secrets:      &secret.Generator{},
		now:          time.Now,
		safetyMargin: config.DefaultSafetyMargin,
		maxTries:     DefaultRenewalTries,
		retryDelay:   backoff.DefaultInitialInterval,
		status:       status.NewChannel[status.Status](),
	}

	for _, opt := range opts {
		opt(c)
	}

	endpoint := &tokenEndpoint{
		tokenURL:    c.config.ServerURL + c.config.TokenPath,
		clientID:    c.config.ClientID,
		redirectURI: c.config.RedirectURI,
		http:        c.http,
		now:         c.now,
	}
	if c.config.RevocationPath != "" {
		endpoint.revocationURL = c.config.ServerURL + c.config.RevocationPath
	}

	c.flow = NewFlow(c.config, c.store, c.secrets, c.logger)

	c.grants = newGrantManager(c.store, endpoint, c.status, c.logger)
	c.grants.now = c.now
	c.grants.safetyMargin = c.safetyMargin
	c.grants.maxTries = c.maxTries
	c.grants.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.retryDelay
		return b
	}

	return c, nil
}

// AuthorizationURL starts a new authorization attempt and returns where the
// user agent must go.
func (c *Client) AuthorizationURL(ctx context.Context) (string, error) {
	_, u, err := c.flow.Begin(ctx)
	return u, err
}

// Authorize starts a new authorization attempt and navigates to it.
func (c *Client) Authorize(ctx context.Context, nav Navigator) error {
	u, err := c.AuthorizationURL(ctx)
	if err != nil {
		return err
	}
	return nav.Navigate(ctx, u)
}

// HandleCallback completes the attempt with the query of the redirect URI.
// The callback is consumed even when the code exchange fails; when it fails
// with ErrTransport the attempt stays pending and ExchangeCode can retry it
// with the same code.
func (c *Client) HandleCallback(ctx context.Context, q url.Values) (*Grant, error) {
	cb, err := c.flow.ConsumeCallback(ctx, q)
	if err != nil {
		return nil, err
	}

	if cb.Outcome == OutcomeNone {
		return nil, ErrNoCallback
	}

	return c.grants.ExchangeCode(ctx, cb.Code)
}

// ExchangeCode retries the exchange of a code whose callback was already
// handled. It only succeeds while the attempt is pending, that is after
// HandleCallback failed with ErrTransport.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*Grant, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: missing code", ErrInvalidCallback)
	}
	return c.grants.ExchangeCode(ctx, code)
}

// AccessToken waits for the first status to be published and returns its
// token.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	s, err := c.status.Wait(ctx)
	if err != nil {
		return "", err
	}
	if !s.Authorized {
		return "", ErrUnauthorized
	}
	return s.AccessToken, nil
}

func (c *Client) Status() *status.Channel[status.Status] {
	return c.status
}

// Reload restores a previously stored grant, refreshing it when expired.
func (c *Client) Reload(ctx context.Context) (bool, error) {
	return c.grants.Reload(ctx)
}

func (c *Client) Refresh(ctx context.Context) (*Grant, error) {
	return c.grants.Refresh(ctx)
}

// Revoke logs the client out.
func (c *Client) Revoke(ctx context.Context) error {
	return c.grants.Revoke(ctx)
}

func (c *Client) NextRenewal() (time.Time, bool) {
	return c.grants.NextRenewal()
}

// Close stops the renewal timer. The stored grant is kept for the next run.
func (c *Client) Close() error {
	c.grants.Stop()
	return nil
}

// Token implements oauth2.TokenSource. Expiry is left empty, the grant
// manager keeps the token fresh.
func (c *Client) Token() (*oauth2.Token, error) {
	s, ok := c.status.Current()
	if !ok || !s.Authorized {
		return nil, ErrUnauthorized
	}
	return &oauth2.Token{
		AccessToken: s.AccessToken,
		TokenType:   "Bearer",
	}, nil
}

// HTTPClient returns a client that sends the current access token with every
// request.
func (c *Client) HTTPClient() *http.Client {
	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport: &oauth2.Transport{Source: c, Base: base},
		Timeout:   c.http.Timeout,
	}
}

// Introspect asks the server what it knows about the current access token.
func (c *Client) Introspect(ctx context.Context) (map[string]any, error) {
	return c.GetJSON(ctx, c.config.IntrospectPath)
}

// GetJSON performs an authenticated GET on a path of the authorization server.
func (c *Client) GetJSON(ctx context.Context, path string) (map[string]any, error) {
	if _, err := c.AccessToken(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.ServerURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	r, err := c.HTTPClient().Do(req)
	if err != nil {
		// the transport reports the missing token wrapped in a url.Error
		if errors.Is(err, ErrUnauthorized) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	defer r.Body.Close()

	b, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}

	switch {
	case r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case r.StatusCode < 200 || r.StatusCode >= 300:
		return nil, fmt.Errorf("GET %s: unexpected status %d", path, r.StatusCode)
	}

	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("%s: %v", MsgFailedParsing, err)
	}
	return data, nil
}
