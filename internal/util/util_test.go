package util

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomBytes(t *testing.T) {
	b1, err := RandomBytes(16)
	require.NoError(t, err)
	b2, err := RandomBytes(16)
	require.NoError(t, err)
	assert.Len(t, b1, 16)
	assert.NotEqual(t, b1, b2)
}

func TestNewSessionToken(t *testing.T) {
	tok, err := NewSessionToken()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)
	assert.Len(t, raw, sessionTokenBytes)

	other, err := NewSessionToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"trim and lower", "  Ana ", "ana", true},
		{"ascii different", "Ana", "Ane", false},
		{"accented upper vs lower", "ÁNGELA", "ángela", true},
		{"composed vs decomposed", "Jos\u00e9", "Jose\u0301", true},
		{"turkish dotted I stays distinct", "İrem", "irem", false},
		{"inner whitespace preserved", "Ana María", "Ana  María", false},
		{"accent is significant", "Jose", "Jos\u00e9", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeName(tt.a) == NormalizeName(tt.b)
			assert.Equal(t, tt.same, got, "NormalizeName(%q)=%q NormalizeName(%q)=%q",
				tt.a, NormalizeName(tt.a), tt.b, NormalizeName(tt.b))
		})
	}
}

func TestNormalizeNameEmpty(t *testing.T) {
	assert.Equal(t, "", NormalizeName("   "))
	assert.Equal(t, "", NormalizeName(""))
}
