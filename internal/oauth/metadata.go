package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/mickaelvieira/octoauth-go-client/internal/config"
)

const MetadataPath = "/.well-known/oauth-authorization-server"

// ServerMetadata is the subset of RFC 8414 the client can make use of.
// https://datatracker.ietf.org/doc/html/rfc8414#section-2
type ServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint"`
	IntrospectionEndpoint         string   `json:"introspection_endpoint"`
	ScopesSupported               []string `json:"scopes_supported"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

func FetchServerMetadata(ctx context.Context, c *http.Client, serverURL string) (*ServerMetadata, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		strings.TrimRight(serverURL, "/")+MetadataPath,
		nil,
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch server metadata: unexpected status %d", res.StatusCode)
	}

	var m ServerMetadata
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseSize)).Decode(&m); err != nil {
		return nil, fmt.Errorf("%s: %w", MsgFailedParsing, err)
	}

	return &m, nil
}

// Apply overrides the endpoint paths of cfg with the advertised endpoints.
// Endpoints must be served from cfg.ServerURL.
func (m *ServerMetadata) Apply(cfg config.Client) (config.Client, error) {
	if len(m.CodeChallengeMethodsSupported) > 0 && !slices.Contains(m.CodeChallengeMethodsSupported, CodeChallengeMethod) {
		return cfg, fmt.Errorf("authorization server does not support the %s code challenge method", CodeChallengeMethod)
	}

	base, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return cfg, err
	}

	for _, e := range []struct {
		endpoint string
		path     *string
	}{
		{m.AuthorizationEndpoint, &cfg.AuthorizePath},
		{m.TokenEndpoint, &cfg.TokenPath},
		{m.RevocationEndpoint, &cfg.RevocationPath},
		{m.IntrospectionEndpoint, &cfg.IntrospectPath},
	} {
		if e.endpoint == "" {
			continue
		}

		u, err := url.Parse(e.endpoint)
		if err != nil {
			return cfg, fmt.Errorf("invalid endpoint %q: %w", e.endpoint, err)
		}
		if u.Scheme != base.Scheme || u.Host != base.Host {
			return cfg, fmt.Errorf("endpoint %q is not served by %s", e.endpoint, cfg.ServerURL)
		}

		*e.path = strings.TrimPrefix(u.Path, strings.TrimRight(base.Path, "/"))
	}

	return cfg, nil
}

// Discover fetches the server metadata and applies it to cfg.
func Discover(ctx context.Context, c *http.Client, cfg config.Client) (config.Client, error) {
	m, err := FetchServerMetadata(ctx, c, cfg.ServerURL)
	if err != nil {
		return cfg, err
	}
	return m.Apply(cfg)
}
