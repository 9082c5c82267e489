package secret

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("no entropy")
}

func TestRandomString(t *testing.T) {
	t.Parallel()

	g := &Generator{}
	for _, n := range []int{1, 2, 43, 50, 64, 128, 500} {
		s, err := g.RandomString(n)
		require.NoError(t, err)
		assert.Len(t, s, n)
		for _, c := range s {
			assert.True(t, strings.ContainsRune(UnreservedCharset, c), "unexpected character %q", c)
		}
	}
}

func TestRandomString_Distinct(t *testing.T) {
	t.Parallel()

	var g Generator
	a, err := g.RandomString(64)
	require.NoError(t, err)
	b, err := g.RandomString(64)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRandomString_InvalidLength(t *testing.T) {
	t.Parallel()

	var g Generator
	_, err := g.RandomString(0)
	assert.Error(t, err)
}

func TestRandomString_EntropyUnavailable(t *testing.T) {
	t.Parallel()

	g := &Generator{Reader: failingReader{}}
	_, err := g.RandomString(10)
	assert.ErrorIs(t, err, ErrEntropyUnavailable)

	// a short read is as bad as no read
	g = &Generator{Reader: bytes.NewReader([]byte{1, 2, 3})}
	_, err = g.RandomString(10)
	assert.ErrorIs(t, err, ErrEntropyUnavailable)
}

func TestRandomString_ModuloMapping(t *testing.T) {
	t.Parallel()

	// 0, 65, 66 and 67 map onto indexes 0, 65, 0 and 1
	src := []byte{
		0, 0, 0, 0,
		0, 0, 0, 65,
		0, 0, 0, 66,
		0, 0, 0, 67,
	}
	g := &Generator{Reader: bytes.NewReader(src)}
	s, err := g.RandomString(4)
	require.NoError(t, err)
	assert.Equal(t, "0~01", s)
}

func TestCharsetLength(t *testing.T) {
	t.Parallel()
	assert.Len(t, UnreservedCharset, 66)
}

func TestVerifierAndState(t *testing.T) {
	t.Parallel()

	var g Generator
	v, err := g.NewVerifier()
	require.NoError(t, err)
	assert.Len(t, v, VerifierLen)
	assert.NoError(t, ValidateVerifier(v))

	s, err := g.NewState()
	require.NoError(t, err)
	assert.Len(t, s, StateLen)
}

func TestCodeChallenge(t *testing.T) {
	t.Parallel()

	// fixture shared with the authorization server
	verifier := "y0AlzK4~4D-TGMuDfB3mpKfC6xRjhqJJ60aUACs_OcH-UJzUo8I3Me8usL3zm2sm"
	expected := "OGFkNTNhNWQ3NmQwMjljNGEyYzMyODkwNTkyNTA3NTljZjViYTA0NmU2MmEwMjQ5ZmFmZGY3NjRiMmJjNzhiZg=="

	assert.Equal(t, expected, CodeChallenge(verifier))
	assert.Equal(t, CodeChallenge(verifier), CodeChallenge(verifier))
	assert.Equal(t, "YmE3ODE2YmY4ZjAxY2ZlYTQxNDE0MGRlNWRhZTIyMjNiMDAzNjFhMzk2MTc3YTljYjQxMGZmNjFmMjAwMTVhZA==", CodeChallenge("abc"))
}

func TestCanonicalCodeChallenge(t *testing.T) {
	t.Parallel()

	// https://datatracker.ietf.org/doc/html/rfc7636#appendix-B
	assert.Equal(t,
		"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CanonicalCodeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU22ppkWkrWl1OXEaT0"),
	)
}

func TestValidateVerifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		verifier string
		wantErr  bool
	}{
		{"too short", strings.Repeat("a", 42), true},
		{"min length", strings.Repeat("a", 43), false},
		{"max length", strings.Repeat("a", 128), false},
		{"too long", strings.Repeat("a", 129), true},
		{"invalid char", strings.Repeat("a", 42) + "+", true},
		{"unreserved specials", strings.Repeat("-._~", 11), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateVerifier(tt.verifier)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
