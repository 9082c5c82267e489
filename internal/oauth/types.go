package oauth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"
)

const (
	// https://datatracker.ietf.org/doc/html/rfc6749#section-4.1.3
	GrantTypeAuthorizationCode = "authorization_code"
	// https://datatracker.ietf.org/doc/html/rfc6749#section-6
	GrantTypeRefreshToken = "refresh_token"

	ResponseTypeCode    = "code"
	CodeChallengeMethod = "S256"
	TokenTypeBearer     = "bearer"

	// scopes are joined with a comma on the wire, not the usual space
	ScopeDelimiter = ","

	// https://datatracker.ietf.org/doc/html/rfc6749#section-5.2
	OAuthInvalidGrantCode   = "invalid_grant"
	OAuthInvalidClientCode  = "invalid_client"
	OAuthInvalidRequestCode = "invalid_request"

	// https://datatracker.ietf.org/doc/html/rfc6749#section-4.1.2.1
	OAuthAccessDeniedCode           = "access_denied"
	OAuthServerErrorCode            = "server_error"
	OAuthTemporarilyUnavailableCode = "temporarily_unavailable"
)

// keys under which the client state is persisted
const (
	KeyCodeVerifier      = "codeVerifier"
	KeySavedState        = "savedState"
	KeyAccessToken       = "accessToken"
	KeyRefreshToken      = "refreshToken"
	KeyAccessTokenExpiry = "accessTokenExpiry"
)

const (
	MsgFailedParsing       = "failed to parse response"
	MsgFailedTokensRequest = "OAuth tokens request failed"
	MsgFailedStorage       = "failed to access credential store"
)

// AuthorizationRequest is built once per authorization attempt.
// https://datatracker.ietf.org/doc/html/rfc6749#section-4.1.1
type AuthorizationRequest struct {
	ClientID      string
	RedirectURI   string
	Scopes        []string
	CodeChallenge string
	State         string
}

// Encode renders the query string in a fixed order. Each scope is escaped on
// its own so that the delimiter stays readable (scope=read,write).
func (r AuthorizationRequest) Encode() string {
	scopes := make([]string, len(r.Scopes))
	for i, s := range r.Scopes {
		scopes[i] = url.QueryEscape(s)
	}

	params := [][2]string{
		{"response_type", url.QueryEscape(ResponseTypeCode)},
		{"state", url.QueryEscape(r.State)},
		{"client_id", url.QueryEscape(r.ClientID)},
		{"redirect_uri", url.QueryEscape(r.RedirectURI)},
		{"scope", strings.Join(scopes, ScopeDelimiter)},
		{"code_challenge", url.QueryEscape(r.CodeChallenge)},
		{"code_challenge_method", CodeChallengeMethod},
	}

	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(p[1])
	}
	return b.String()
}

// URL appends the request to the authorization endpoint.
func (r AuthorizationRequest) URL(endpoint string) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + r.Encode()
}

func (r AuthorizationRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("client_id", r.ClientID),
		slog.String("redirect_uri", r.RedirectURI),
		slog.String("scope", strings.Join(r.Scopes, ScopeDelimiter)))
}

type Outcome int

const (
	// OutcomeNone means the landing URL carried no authorization response.
	OutcomeNone Outcome = iota
	OutcomeCompleted
	OutcomeDenied
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeDenied:
		return "denied"
	case OutcomeInvalid:
		return "invalid"
	}
	return "none"
}

// Callback is the authorization response read from the redirect URI.
// https://datatracker.ietf.org/doc/html/rfc6749#section-4.1.2
type Callback struct {
	Outcome          Outcome
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

func (c Callback) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("outcome", c.Outcome.String()),
		slog.String("code", strings.Repeat("x", len(c.Code))),
		slog.String("error", c.Error),
		slog.String("error_description", c.ErrorDescription))
}

// Grant is the current set of tokens. A new grant always replaces the
// previous one as a whole.
type Grant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	// ExpiresAt is zero when the server did not say when the token expires.
	ExpiresAt time.Time
}

func (g *Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

func (g Grant) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("access_token", strings.Repeat("x", len(g.AccessToken))),
		slog.String("refresh_token", strings.Repeat("x", len(g.RefreshToken))),
		slog.String("token_type", g.TokenType),
		slog.Time("expires_at", g.ExpiresAt))
}

// https://datatracker.ietf.org/doc/html/rfc6749#section-5.1
type tokenResponse struct {
	TokenType    string      `json:"token_type"`
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    json.Number `json:"expires_in"`
	Scope        string      `json:"scope"`
}

func (n tokenResponse) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("access_token", strings.Repeat("x", len(n.AccessToken))),
		slog.String("refresh_token", strings.Repeat("x", len(n.RefreshToken))),
		slog.String("token_type", n.TokenType),
		slog.String("scope", n.Scope),
		slog.String("expires_in", n.ExpiresIn.String()))
}

// maxExpiresIn is the largest lifetime, in seconds, a time.Duration holds.
const maxExpiresIn = math.MaxInt64 / int64(time.Second)

func (n tokenResponse) expiresIn() (time.Duration, error) {
	if n.ExpiresIn == "" {
		return 0, nil
	}

	f, err := n.ExpiresIn.Float64()
	if err != nil {
		return 0, fmt.Errorf("invalid expires_in %q", n.ExpiresIn)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative expires_in %q", n.ExpiresIn)
	}
	if f > float64(maxExpiresIn) {
		return 0, fmt.Errorf("expires_in %q is out of range", n.ExpiresIn)
	}

	if i, err := n.ExpiresIn.Int64(); err == nil {
		return time.Duration(i) * time.Second, nil
	}
	return time.Duration(f * float64(time.Second)), nil
}

// https://datatracker.ietf.org/doc/html/rfc6749#section-5.2
type ErrorResponse struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	URI         string `json:"error_uri"`
}

func (e ErrorResponse) Error() string {
	if e.URI != "" {
		return fmt.Sprintf("code: %s, description: %s, uri: %s", e.Code, e.Description, e.URI)
	}
	return fmt.Sprintf("code: %s, description: %s", e.Code, e.Description)
}
