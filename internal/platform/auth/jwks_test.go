package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idp struct {
	server   *httptest.Server
	key      *rsa.PrivateKey
	kid      string
	jwksHits atomic.Int32
	down     atomic.Bool
}

func newIDP(t *testing.T) *idp {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p := &idp{key: key, kid: "key-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"jwks_uri": p.server.URL + "/jwks"})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		p.jwksHits.Add(1)
		if p.down.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{
				{
					"kty": "RSA", "kid": p.kid, "use": "sig",
					"n": base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
					"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
				},
				{"kty": "EC", "kid": "ec-1"},
			},
		})
	})
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *idp) token(t *testing.T, kid, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    p.server.URL,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{RoleNurse},
	})
	tok.Header["kid"] = kid
	s, err := tok.SignedString(p.key)
	require.NoError(t, err)
	return s
}

func TestJWTMiddleware_DiscoveredKeys(t *testing.T) {
	p := newIDP(t)
	cfg := JWTConfig{Issuer: p.server.URL}

	c, err := runJWT(t, "Bearer "+p.token(t, "key-1", "nurse-1"), cfg)
	require.NoError(t, err)
	assert.Equal(t, "nurse-1", UserIDFromContext(c.Request().Context()))

	// HS256 is refused when keys are published.
	hs := createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "nurse-1", Issuer: p.server.URL, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}, testSigningKey)
	_, err = runJWT(t, "Bearer "+hs, cfg)
	expectUnauthorized(t, err)
}

func TestKeySet_CachesAndLimitsRefetch(t *testing.T) {
	p := newIDP(t)
	ks := NewKeySet(p.server.URL+"/jwks", "")
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	ks.now = func() time.Time { return now }
	ctx := context.Background()

	key, err := ks.Key(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, p.key.PublicKey.N, key.N)

	_, err = ks.Key(ctx, "key-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.jwksHits.Load())

	_, err = ks.Key(ctx, "rotated")
	assert.Error(t, err)
	assert.EqualValues(t, 1, p.jwksHits.Load(), "unknown kid inside the refetch interval must not hit the provider")

	now = now.Add(minRefetchInterval + time.Second)
	_, err = ks.Key(ctx, "rotated")
	assert.Error(t, err)
	assert.EqualValues(t, 2, p.jwksHits.Load())

	_, err = ks.Key(ctx, "ec-1")
	assert.Error(t, err, "non-RSA keys are ignored")
}

func TestKeySet_ServesStaleKeyWhileProviderDown(t *testing.T) {
	p := newIDP(t)
	ks := NewKeySet("", p.server.URL)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	ks.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := ks.Key(ctx, "key-1")
	require.NoError(t, err)

	p.down.Store(true)
	now = now.Add(keySetTTL + time.Minute)
	key, err := ks.Key(ctx, "key-1")
	require.NoError(t, err)
	assert.NotNil(t, key)
	assert.EqualValues(t, 2, p.jwksHits.Load())
}

func TestKeySet_NoSource(t *testing.T) {
	_, err := NewKeySet("", "").Key(context.Background(), "key-1")
	assert.Error(t, err)
}

func TestJWK_RejectsBadExponent(t *testing.T) {
	k := jwk{Kty: "RSA", Kid: "k", N: base64.RawURLEncoding.EncodeToString([]byte{1, 2, 3}), E: base64.RawURLEncoding.EncodeToString([]byte{1})}
	_, err := k.rsaKey()
	assert.Error(t, err)

	k.E = "!!"
	_, err = k.rsaKey()
	assert.Error(t, err)
}
