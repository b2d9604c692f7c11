package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// ParseProxyList Tests
// ============================================================================

func TestParseProxyList_Valid(t *testing.T) {
	eps, err := ParseProxyList("1.2.3.4:8080  5.6.7.8:1080\t9.9.9.9")
	require.NoError(t, err)
	require.Len(t, eps, 3)
	assert.Equal(t, Endpoint{IP: ipv4(1, 2, 3, 4), Port: 8080}, eps[0])
	assert.Equal(t, Endpoint{IP: ipv4(5, 6, 7, 8), Port: 1080}, eps[1])
	assert.Equal(t, Endpoint{IP: ipv4(9, 9, 9, 9), Port: 80}, eps[2])
}

func TestParseProxyList_Empty(t *testing.T) {
	eps, err := ParseProxyList("   \n\t  ")
	require.NoError(t, err)
	assert.Empty(t, eps)
}

func TestParseProxyList_Errors(t *testing.T) {
	testCases := []struct {
		name   string
		text   string
		reason string
	}{
		{"not enough digits", "1.2.3.", "not enough digits for an ip"},
		{"too many colons", "1.2.3.4:80:90", "too many colons"},
		{"need 3 dots", "1.2.34:80", "need 3 dots for an ip address"},
		{"need 3 dots overrides not enough digits", "1.2.3", "need 3 dots for an ip address"},
		{"illegal character", "1.2.3.x:80", "illegal character"},
		{"bad ip all ones", "255.255.255.255", "bad proxy ip"},
		{"bad ip zero", "0.0.0.0", "bad proxy ip"},
		{"bad port", "1.2.3.4:999999", "bad port"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseProxyList(tc.text)
			require.Error(t, err)
			pe, ok := err.(*ParseError)
			require.True(t, ok, "expected *ParseError, got %T", err)
			assert.Equal(t, tc.reason, pe.Reason)
		})
	}
}

func ipv4(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}
