package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mickaelvieira/octoauth-go-client/internal/config"
	"github.com/mickaelvieira/octoauth-go-client/internal/status"
	"github.com/mickaelvieira/octoauth-go-client/internal/storage"
)

const testRedirectURI = "http://localhost:8080/oauth/callback"

// authServer records every form posted to the token endpoint and answers
// with the configured handler.
type authServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []url.Values
	revoked  []url.Values
	token    func(w http.ResponseWriter, form url.Values)
	revoke   func(w http.ResponseWriter, form url.Values)
	resource func(w http.ResponseWriter, r *http.Request)
}

func newAuthServer(t *testing.T, token func(w http.ResponseWriter, form url.Values)) *authServer {
	t.Helper()

	s := &authServer{token: token}
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+config.DefaultTokenPath, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, r.PostForm)
		s.mu.Unlock()
		s.token(w, r.PostForm)
	})

	mux.HandleFunc("POST /oauth2/revoke", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.revoked = append(s.revoked, r.PostForm)
		s.mu.Unlock()
		if s.revoke != nil {
			s.revoke(w, r.PostForm)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if s.resource == nil {
			http.NotFound(w, r)
			return
		}
		s.resource(w, r)
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

func (s *authServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *authServer) request(i int) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *authServer) clientConfig() config.Client {
	return config.Client{
		ServerURL:   s.URL,
		RedirectURI: testRedirectURI,
		ClientID:    "c1",
		Scopes:      []string{"read", "write"},
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func tokenJSON(access, refresh string, expiresIn int) map[string]any {
	v := map[string]any{
		"access_token": access,
		"token_type":   "bearer",
	}
	if refresh != "" {
		v["refresh_token"] = refresh
	}
	if expiresIn > 0 {
		v["expires_in"] = expiresIn
	}
	return v
}

func invalidGrant(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":             OAuthInvalidGrantCode,
		"error_description": "refresh token is invalid",
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestClient(t *testing.T, cfg config.Client, opts ...Option) (*Client, *storage.Memory) {
	t.Helper()

	store := storage.NewMemory()
	opts = append([]Option{
		WithStorage(store),
		WithLogger(discardLogger()),
		WithRetry(3, time.Millisecond),
	}, opts...)

	c, err := NewClient(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c, store
}

// statusRecorder collects every status published on the client.
type statusRecorder struct {
	mu   sync.Mutex
	seen []bool
}

func recordStatus(c *Client) *statusRecorder {
	r := &statusRecorder{}
	c.Status().Subscribe(func(s status.Status) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.seen = append(r.seen, s.Authorized)
	})
	return r
}

func (r *statusRecorder) values() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.seen...)
}

func stored(t *testing.T, store storage.Store, key string) (string, bool) {
	t.Helper()

	v, err := store.Get(context.Background(), key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false
	}
	require.NoError(t, err)
	return v, true
}

func seed(t *testing.T, store storage.Store, values map[string]string) {
	t.Helper()

	for k, v := range values {
		require.NoError(t, store.Set(context.Background(), k, v))
	}
}

// startAuthorization runs Begin and returns the state to send back.
func startAuthorization(t *testing.T, c *Client) string {
	t.Helper()

	u, err := c.AuthorizationURL(context.Background())
	require.NoError(t, err)

	parsed, err := url.Parse(u)
	require.NoError(t, err)

	return parsed.Query().Get("state")
}

func callbackQuery(code, state string) url.Values {
	q := url.Values{}
	q.Set("code", code)
	q.Set("state", state)
	return q
}
