package auth

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/relay/config"
)

func assertion(t *testing.T, payload map[string]interface{}) string {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	encode := base64.RawURLEncoding.EncodeToString
	return strings.Join([]string{
		encode([]byte(`{"alg":"none"}`)),
		encode(body),
		encode([]byte("sig")),
	}, ".")
}

func TestFromRequestAssertion(t *testing.T) {
	cfg := &config.Config{}
	r := httptest.NewRequest("GET", "/chat", nil)
	r.Header.Set("Cf-Access-Jwt-Assertion", assertion(t, map[string]interface{}{
		"sub":     "1234",
		"email":   "alice@example.com",
		"name":    "Alice",
		"picture": "https://example.com/alice.png",
	}))

	identity := FromRequest(r, cfg)
	assert.Equal(t, "Alice", identity.Username)
	assert.Equal(t, "1234", identity.Subject)
	assert.Equal(t, "https://example.com/alice.png", identity.Picture)
}

func TestFromRequestEmailFallbacks(t *testing.T) {
	cfg := &config.Config{}
	r := httptest.NewRequest("GET", "/chat", nil)
	r.Header.Set("Cf-Access-Jwt-Assertion", assertion(t, map[string]interface{}{
		"email": "bob@example.com",
	}))

	identity := FromRequest(r, cfg)
	assert.Equal(t, "bob@example.com", identity.Username)
	assert.Equal(t, "bob@example.com", identity.Subject)
}

func TestFromRequestForwardedUser(t *testing.T) {
	cfg := &config.Config{}
	r := httptest.NewRequest("GET", "/chat", nil)
	r.Header.Set("X-Forwarded-User", "carol")

	identity := FromRequest(r, cfg)
	assert.Equal(t, "carol", identity.Username)
	assert.Equal(t, "carol", identity.Subject)
}

func TestFromRequestGuest(t *testing.T) {
	cfg := &config.Config{}
	r := httptest.NewRequest("GET", "/chat", nil)

	identity := FromRequest(r, cfg)
	assert.True(t, strings.HasSuffix(identity.Username, " (guest)"))
	assert.Empty(t, identity.Subject)
	assert.False(t, identity.IsAnonymous())
}

func TestFromRequestMalformedAssertion(t *testing.T) {
	cfg := &config.Config{}
	r := httptest.NewRequest("GET", "/chat", nil)
	r.Header.Set("Cf-Access-Jwt-Assertion", "garbage")

	identity := FromRequest(r, cfg)
	// falls back to a guest rather than failing the connection
	assert.False(t, identity.IsAnonymous())
	assert.Empty(t, identity.Subject)
}
