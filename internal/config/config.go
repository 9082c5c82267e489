package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mickaelvieira/octoauth-go-client/internal/storage"
)

const (
	DefaultAuthorizePath  = "/authorize"
	DefaultTokenPath      = "/api/oauth2/token"
	DefaultIntrospectPath = "/oauth2/token/introspect"
	DefaultWhoAmIPath     = "/api/accounts/whoami"

	DefaultSafetyMargin = 10 * time.Second

	// ChallengeHex is base64(hex(sha256(verifier))), what OctoAuth servers expect.
	ChallengeHex = "hex"
	// ChallengeRFC7636 is base64url(sha256(verifier)).
	ChallengeRFC7636 = "rfc7636"
)

// Client describes the OAuth client registered on the authorization server.
type Client struct {
	ServerURL   string
	RedirectURI string
	ClientID    string
	Scopes      []string

	AuthorizePath  string
	TokenPath      string
	IntrospectPath string
	// RevocationPath is optional, tokens are only dropped locally without it.
	RevocationPath string

	ChallengeEncoding string
}

func (c *Client) Validate() error {
	var errs []error

	if c.ServerURL == "" {
		errs = append(errs, errors.New("you must provide serverURL in client configuration"))
	} else if u, err := url.Parse(c.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("serverURL %q must be an absolute URL", c.ServerURL))
	}

	if c.RedirectURI == "" {
		errs = append(errs, errors.New("you must provide redirectURI in client configuration"))
	} else if u, err := url.Parse(c.RedirectURI); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("redirectURI %q must be an absolute URL", c.RedirectURI))
	}

	if c.ClientID == "" {
		errs = append(errs, errors.New("you must provide clientId in client configuration"))
	}

	if c.Scopes == nil {
		errs = append(errs, errors.New("you must provide a list of scopes in client configuration"))
	}

	switch c.ChallengeEncoding {
	case "", ChallengeHex, ChallengeRFC7636:
	default:
		errs = append(errs, fmt.Errorf("unknown challenge encoding %q", c.ChallengeEncoding))
	}

	return errors.Join(errs...)
}

// WithDefaults fills the endpoint paths left empty.
func (c Client) WithDefaults() Client {
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.AuthorizePath == "" {
		c.AuthorizePath = DefaultAuthorizePath
	}
	if c.TokenPath == "" {
		c.TokenPath = DefaultTokenPath
	}
	if c.IntrospectPath == "" {
		c.IntrospectPath = DefaultIntrospectPath
	}
	if c.ChallengeEncoding == "" {
		c.ChallengeEncoding = ChallengeHex
	}
	return c
}

// App is the configuration of the binaries shipped with the client.
type App struct {
	Client        Client
	Store         storage.Config
	SessionSecret string
	WhoAmIPath    string
	SafetyMargin  time.Duration
	// Discover reads the endpoints from the server metadata document.
	Discover      bool
}

// Load reads an optional .env file then the OCTOAUTH_* environment.
func Load(envFiles ...string) (*App, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	margin := DefaultSafetyMargin
	if v := os.Getenv("OCTOAUTH_SAFETY_MARGIN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid OCTOAUTH_SAFETY_MARGIN: %w", err)
		}
		margin = d
	}

	cfg := &App{
		Client: Client{
			ServerURL:         os.Getenv("OCTOAUTH_SERVER_URL"),
			RedirectURI:       os.Getenv("OCTOAUTH_REDIRECT_URI"),
			ClientID:          os.Getenv("OCTOAUTH_CLIENT_ID"),
			Scopes:            splitList(os.Getenv("OCTOAUTH_SCOPES")),
			AuthorizePath:     os.Getenv("OCTOAUTH_AUTHORIZE_PATH"),
			TokenPath:         os.Getenv("OCTOAUTH_TOKEN_PATH"),
			IntrospectPath:    os.Getenv("OCTOAUTH_INTROSPECT_PATH"),
			RevocationPath:    os.Getenv("OCTOAUTH_REVOCATION_PATH"),
			ChallengeEncoding: os.Getenv("OCTOAUTH_CHALLENGE_ENCODING"),
		},
		Store: storage.Config{
			Type:           storage.Type(getEnv("OCTOAUTH_STORE", string(storage.TypeSQLite))),
			Path:           getEnv("OCTOAUTH_STORE_PATH", "octoauth.db"),
			RedisURL:       getEnv("OCTOAUTH_REDIS_URL", "redis://localhost:6379/0"),
			RedisPrefix:    os.Getenv("OCTOAUTH_REDIS_PREFIX"),
			KeyringService: os.Getenv("OCTOAUTH_KEYRING_SERVICE"),
		},
		SessionSecret: getEnv("OCTOAUTH_SESSION_SECRET", "octoauth-session"),
		WhoAmIPath:    getEnv("OCTOAUTH_WHOAMI_PATH", DefaultWhoAmIPath),
		SafetyMargin:  margin,
		Discover:      os.Getenv("OCTOAUTH_DISCOVERY") == "true",
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// splitList accepts both "read,write" and "read write". An unset variable
// gives an empty, non-nil list.
func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' '
	})
	if fields == nil {
		return []string{}
	}
	return fields
}
