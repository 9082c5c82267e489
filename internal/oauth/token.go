package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// token responses are small, anything bigger is not a token response
const maxResponseSize = 1 << 20

type tokenEndpoint struct {
	tokenURL      string
	revocationURL string
	clientID      string
	redirectURI   string
	http          *http.Client
	now           func() time.Time
}

func (t *tokenEndpoint) exchangeCode(ctx context.Context, code, verifier string) (*Grant, error) {
	// https://datatracker.ietf.org/doc/html/rfc6749#section-4.1.3
	// https://datatracker.ietf.org/doc/html/rfc7636#section-4.5
	v := url.Values{}
	v.Set("grant_type", GrantTypeAuthorizationCode)
	v.Set("code", code)
	v.Set("redirect_uri", t.redirectURI)
	v.Set("client_id", t.clientID)
	v.Set("code_verifier", verifier)

	return t.requestToken(ctx, v)
}

func (t *tokenEndpoint) exchangeRefreshToken(ctx context.Context, refreshToken string) (*Grant, error) {
	// https://datatracker.ietf.org/doc/html/rfc6749#section-6
	v := url.Values{}
	v.Set("grant_type", GrantTypeRefreshToken)
	v.Set("refresh_token", refreshToken)
	v.Set("client_id", t.clientID)
	v.Set("redirect_uri", t.redirectURI)

	return t.requestToken(ctx, v)
}

func (t *tokenEndpoint) requestToken(ctx context.Context, v url.Values) (*Grant, error) {
	status, b, err := t.post(ctx, t.tokenURL, v)
	if err != nil {
		return nil, err
	}

	if status >= 200 && status < 300 {
		var token tokenResponse
		if err := json.Unmarshal(b, &token); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTokenResponse, MsgFailedParsing, err)
		}
		return t.toGrant(token)
	}

	// the error body is informative only, a missing or malformed one does not
	// change how the failure is classified
	var oauthError ErrorResponse
	_ = json.Unmarshal(b, &oauthError)

	if retryable(status) {
		return nil, &TransportError{StatusCode: status, Err: oauthError}
	}
	return nil, &GrantError{StatusCode: status, Response: oauthError}
}

// revoke asks the server to invalidate a token.
// https://datatracker.ietf.org/doc/html/rfc7009#section-2.1
func (t *tokenEndpoint) revoke(ctx context.Context, token, hint string) error {
	if t.revocationURL == "" {
		return nil
	}

	v := url.Values{}
	v.Set("token", token)
	v.Set("token_type_hint", hint)
	v.Set("client_id", t.clientID)

	status, b, err := t.post(ctx, t.revocationURL, v)
	if err != nil {
		return err
	}

	// https://datatracker.ietf.org/doc/html/rfc7009#section-2.2
	if status == http.StatusOK {
		return nil
	}

	var oauthError ErrorResponse
	_ = json.Unmarshal(b, &oauthError)

	if retryable(status) {
		return &TransportError{StatusCode: status, Err: oauthError}
	}
	return &GrantError{StatusCode: status, Response: oauthError}
}

func (t *tokenEndpoint) post(ctx context.Context, endpoint string, v url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		endpoint,
		strings.NewReader(v.Encode()),
	)

	if err != nil {
		return 0, nil, err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	r, err := t.http.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Err: err}
	}
	defer r.Body.Close()

	b, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
	if err != nil {
		return 0, nil, &TransportError{StatusCode: r.StatusCode, Err: err}
	}

	return r.StatusCode, b, nil
}

func (t *tokenEndpoint) toGrant(token tokenResponse) (*Grant, error) {
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access_token", ErrInvalidTokenResponse)
	}

	if !strings.EqualFold(token.TokenType, TokenTypeBearer) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTokenType, token.TokenType)
	}

	ttl, err := token.expiresIn()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTokenResponse, err)
	}

	g := &Grant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    TokenTypeBearer,
	}
	if ttl > 0 {
		g.ExpiresAt = t.now().Add(ttl)
	}
	return g, nil
}

func retryable(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}
