package oauth

import (
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.HS256, jose.HS384, jose.HS512,
	jose.EdDSA,
}

// Claims is what the access token says about itself. The token is opaque to
// the client, this is for display only.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ParseClaims reads the claims of a JWT access token without verifying its
// signature. Tokens that are not JWTs return an error.
func ParseClaims(accessToken string) (*Claims, error) {
	tok, err := jwt.ParseSigned(accessToken, signatureAlgorithms)
	if err != nil {
		return nil, err
	}

	var std jwt.Claims
	var extra struct {
		Scope string `json:"scope"`
	}
	if err := tok.UnsafeClaimsWithoutVerification(&std, &extra); err != nil {
		return nil, err
	}

	c := &Claims{
		Subject:  std.Subject,
		Issuer:   std.Issuer,
		Audience: std.Audience,
		Scope:    extra.Scope,
	}
	if std.IssuedAt != nil {
		c.IssuedAt = std.IssuedAt.Time()
	}
	if std.Expiry != nil {
		c.ExpiresAt = std.Expiry.Time()
	}
	return c, nil
}
