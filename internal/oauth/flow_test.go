package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickaelvieira/octoauth-go-client/internal/config"
	"github.com/mickaelvieira/octoauth-go-client/internal/secret"
)

func unusedTokenEndpoint(t *testing.T) func(http.ResponseWriter, url.Values) {
	return func(w http.ResponseWriter, _ url.Values) {
		t.Error("unexpected token request")
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func TestAuthorizationURL(t *testing.T) {
	t.Parallel()

	srv := newAuthServer(t, unusedTokenEndpoint(t))
	c, store := newTestClient(t, srv.clientConfig())

	u, err := c.AuthorizationURL(context.Background())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(u, srv.URL+"/authorize?response_type=code&state="), u)
	assert.Contains(t, u, "client_id=c1")
	assert.Contains(t, u, "scope=read,write")
	assert.Contains(t, u, "redirect_uri="+url.QueryEscape(testRedirectURI))
	assert.True(t, strings.HasSuffix(u, "&code_challenge_method=S256"), u)

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	q := parsed.Query()

	verifier, ok := stored(t, store, KeyCodeVerifier)
	require.True(t, ok)
	assert.Len(t, verifier, secret.VerifierLen)
	assert.NoError(t, secret.ValidateVerifier(verifier))

	state, ok := stored(t, store, KeySavedState)
	require.True(t, ok)
	assert.Len(t, state, secret.StateLen)
	assert.Equal(t, state, q.Get("state"))

	assert.GreaterOrEqual(t, len(q.Get("code_challenge")), 43)
	assert.Equal(t, secret.CodeChallenge(verifier), q.Get("code_challenge"))
	assert.NotContains(t, u, verifier)
}

func TestAuthorizationURL_ParameterOrder(t *testing.T) {
	t.Parallel()

	srv := newAuthServer(t, unusedTokenEndpoint(t))
	c, _ := newTestClient(t, srv.clientConfig())

	u, err := c.AuthorizationURL(context.Background())
	require.NoError(t, err)

	_, query, found := strings.Cut(u, "?")
	require.True(t, found)

	var keys []string
	for _, pair := range strings.Split(query, "&") {
		k, _, _ := strings.Cut(pair, "=")
		keys = append(keys, k)
	}

	assert.Equal(t, []string{
		"response_type",
		"state",
		"client_id",
		"redirect_uri",
		"scope",
		"code_challenge",
		"code_challenge_method",
	}, keys)
}

func TestAuthorizationURL_ReplacesPendingAttempt(t *testing.T) {
	t.Parallel()

	srv := newAuthServer(t, unusedTokenEndpoint(t))
	c, store := newTestClient(t, srv.clientConfig())

	first := startAuthorization(t, c)
	firstVerifier, _ := stored(t, store, KeyCodeVerifier)

	second := startAuthorization(t, c)
	secondVerifier, _ := stored(t, store, KeyCodeVerifier)

	assert.NotEqual(t, first, second)
	assert.NotEqual(t, firstVerifier, secondVerifier)

	saved, _ := stored(t, store, KeySavedState)
	assert.Equal(t, second, saved)
}

func TestAuthorizationURL_CanonicalChallenge(t *testing.T) {
	t.Parallel()

	srv := newAuthServer(t, unusedTokenEndpoint(t))
	cfg := srv.clientConfig()
	cfg.ChallengeEncoding = config.ChallengeRFC7636
	c, store := newTestClient(t, cfg)

	u, err := c.AuthorizationURL(context.Background())
	require.NoError(t, err)

	parsed, err := url.Parse(u)
	require.NoError(t, err)

	verifier, _ := stored(t, store, KeyCodeVerifier)
	assert.Equal(t, secret.CanonicalCodeChallenge(verifier), parsed.Query().Get("code_challenge"))
}

func TestAuthorizationURL_EntropyUnavailable(t *testing.T) {
	t.Parallel()

	srv := newAuthServer(t, unusedTokenEndpoint(t))
	c, store := newTestClient(t, srv.clientConfig(), WithEntropy(iotest.ErrReader(errors.New("no entropy"))))

	_, err := c.AuthorizationURL(context.Background())
	require.ErrorIs(t, err, secret.ErrEntropyUnavailable)

	_, ok := stored(t, store, KeyCodeVerifier)
	assert.False(t, ok)
	_, ok = stored(t, store, KeySavedState)
	assert.False(t, ok)
}

func TestAuthorizationRequest_EscapesScopes(t *testing.T) {
	t.Parallel()

	r := AuthorizationRequest{
		ClientID:      "c 1",
		RedirectURI:   "https://app/cb?x=1",
		Scopes:        []string{"user:read", "a b"},
		CodeChallenge: "abc=",
		State:         "s",
	}

	assert.Equal(t,
		"https://as/authorize?response_type=code&state=s&client_id=c+1&redirect_uri=https%3A%2F%2Fapp%2Fcb%3Fx%3D1&scope=user%3Aread,a+b&code_challenge=abc%3D&code_challenge_method=S256",
		r.URL("https://as/authorize"))
}

func TestConsumeCallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		query       func(state string) url.Values
		outcome     Outcome
		err         error
		keepsVerify bool
	}{
		{
			name:    "no parameters",
			query:   func(string) url.Values { return url.Values{"foo": {"bar"}} },
			outcome: OutcomeNone,
		},
		{
			name:        "completed",
			query:       func(state string) url.Values { return callbackQuery("C1", state) },
			outcome:     OutcomeCompleted,
			keepsVerify: true,
		},
		{
			name:    "state mismatch",
			query:   func(string) url.Values { return callbackQuery("C1", "other") },
			outcome: OutcomeInvalid,
			err:     ErrInvalidCallback,
		},
		{
			name:    "missing state",
			query:   func(string) url.Values { return url.Values{"code": {"C1"}} },
			outcome: OutcomeInvalid,
			err:     ErrInvalidCallback,
		},
		{
			name: "denied",
			query: func(state string) url.Values {
				return url.Values{"error": {OAuthAccessDeniedCode}, "error_description": {"user said no"}, "state": {state}}
			},
			outcome: OutcomeDenied,
			err:     ErrAuthorizationDenied,
		},
		{
			name: "denied with forged state",
			query: func(string) url.Values {
				return url.Values{"error": {OAuthAccessDeniedCode}, "state": {"forged"}}
			},
			outcome: OutcomeInvalid,
			err:     ErrInvalidCallback,
		},
		{
			name:    "missing code",
			query:   func(state string) url.Values { return url.Values{"state": {state}} },
			outcome: OutcomeInvalid,
			err:     ErrInvalidCallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := newAuthServer(t, unusedTokenEndpoint(t))
			c, store := newTestClient(t, srv.clientConfig())
			state := startAuthorization(t, c)

			cb, err := c.flow.ConsumeCallback(context.Background(), tt.query(state))
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			require.NotNil(t, cb)
			assert.Equal(t, tt.outcome, cb.Outcome)

			_, ok := stored(t, store, KeyCodeVerifier)
			if tt.outcome == OutcomeNone {
				assert.True(t, ok)
				_, ok = stored(t, store, KeySavedState)
				assert.True(t, ok, "state must survive a landing without response")
				return
			}

			assert.Equal(t, tt.keepsVerify, ok)
			_, ok = stored(t, store, KeySavedState)
			assert.False(t, ok, "state must be consumed")
		})
	}
}

func TestConsumeCallback_DeniedCarriesServerError(t *testing.T) {
	t.Parallel()

	srv := newAuthServer(t, unusedTokenEndpoint(t))
	c, _ := newTestClient(t, srv.clientConfig())
	state := startAuthorization(t, c)

	q := url.Values{
		"state":             {state},
		"error":             {OAuthAccessDeniedCode},
		"error_description": {"user said no"},
	}
	_, err := c.flow.ConsumeCallback(context.Background(), q)

	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, OAuthAccessDeniedCode, authErr.Response.Code)
	assert.Equal(t, "user said no", authErr.Response.Description)
}

func TestConsumeCallback_WithoutPendingAttempt(t *testing.T) {
	t.Parallel()

	srv := newAuthServer(t, unusedTokenEndpoint(t))
	c, _ := newTestClient(t, srv.clientConfig())

	cb, err := c.flow.ConsumeCallback(context.Background(), callbackQuery("C1", "S1"))
	require.ErrorIs(t, err, ErrInvalidCallback)
	assert.Equal(t, OutcomeInvalid, cb.Outcome)
}

func TestConsumeCallback_StateIsSingleUse(t *testing.T) {
	t.Parallel()

	srv := newAuthServer(t, unusedTokenEndpoint(t))
	c, _ := newTestClient(t, srv.clientConfig())
	state := startAuthorization(t, c)

	cb, err := c.flow.ConsumeCallback(context.Background(), callbackQuery("C1", state))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, cb.Outcome)

	cb, err = c.flow.ConsumeCallback(context.Background(), callbackQuery("C1", state))
	require.ErrorIs(t, err, ErrInvalidCallback)
	assert.Equal(t, OutcomeInvalid, cb.Outcome)
}
