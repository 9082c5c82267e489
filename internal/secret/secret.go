package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
)

const (
	// https://datatracker.ietf.org/doc/html/rfc7636#section-4.1
	UnreservedCharset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-._~"

	VerifierLen = 64
	StateLen    = 50

	MinVerifierLen = 43
	MaxVerifierLen = 128
)

var ErrEntropyUnavailable = errors.New("secure random source unavailable")

var verifierRegex = regexp.MustCompile(`^[A-Za-z0-9\-._~]+$`)

// Generator draws random strings from a cryptographically secure source.
// The zero value reads from crypto/rand.
type Generator struct {
	Reader io.Reader
}

func (g *Generator) reader() io.Reader {
	if g == nil || g.Reader == nil {
		return rand.Reader
	}
	return g.Reader
}

// RandomString returns l characters of UnreservedCharset, each one picked by
// reducing an independent random uint32 modulo the charset length.
func (g *Generator) RandomString(l int) (string, error) {
	if l < 1 {
		return "", fmt.Errorf("invalid random string length %d", l)
	}

	buf := make([]byte, 4*l)
	if _, err := io.ReadFull(g.reader(), buf); err != nil {
		return "", fmt.Errorf("%w: %w", ErrEntropyUnavailable, err)
	}

	b := make([]byte, l)
	for i := range b {
		n := binary.BigEndian.Uint32(buf[i*4:])
		b[i] = UnreservedCharset[n%uint32(len(UnreservedCharset))]
	}
	return string(b), nil
}

func (g *Generator) NewVerifier() (string, error) {
	return g.RandomString(VerifierLen)
}

func (g *Generator) NewState() (string, error) {
	return g.RandomString(StateLen)
}

// CodeChallenge hashes the verifier and base64 encodes the hexadecimal digest,
// which is what the OctoAuth server compares against.
func CodeChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(h[:])))
}

// CanonicalCodeChallenge is BASE64URL(SHA256(verifier)) without padding.
// https://datatracker.ietf.org/doc/html/rfc7636#section-4.2
func CanonicalCodeChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLen || len(verifier) > MaxVerifierLen {
		return fmt.Errorf("code verifier must be between %d and %d characters", MinVerifierLen, MaxVerifierLen)
	}
	if !verifierRegex.MatchString(verifier) {
		return errors.New("code verifier contains invalid characters")
	}
	return nil
}
