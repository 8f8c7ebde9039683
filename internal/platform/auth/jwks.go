package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	keySetTTL = 5 * time.Minute
	// An unknown kid forces a refetch at most this often.
	minRefetchInterval = 30 * time.Second
	fetchTimeout       = 10 * time.Second
)

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// KeySet holds the RSA signing keys published by the identity provider.
// Keys are refetched after keySetTTL, or sooner when a token names a kid the
// set has not seen. Concurrent refetches share one request.
type KeySet struct {
	issuer  string
	jwksURL string
	client  *http.Client
	now     func() time.Time
	group   singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewKeySet creates a key set for jwksURL. When jwksURL is empty it is
// discovered from the issuer's OpenID configuration on first use.
func NewKeySet(jwksURL, issuer string) *KeySet {
	return &KeySet{
		issuer:  issuer,
		jwksURL: jwksURL,
		client:  &http.Client{Timeout: fetchTimeout},
		now:     time.Now,
		keys:    make(map[string]*rsa.PublicKey),
	}
}

// Key returns the public key for kid.
func (s *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	key, ok := s.keys[kid]
	fetchedAt := s.fetchedAt
	s.mu.RUnlock()

	age := s.now().Sub(fetchedAt)
	if ok && age < keySetTTL {
		return key, nil
	}
	if !ok && !fetchedAt.IsZero() && age < minRefetchInterval {
		return nil, fmt.Errorf("signing key %q not published", kid)
	}

	if _, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		return nil, s.refresh(ctx)
	}); err != nil {
		if ok {
			// Keep serving the stale key while the provider is unreachable.
			return key, nil
		}
		return nil, fmt.Errorf("fetch signing keys: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("signing key %q not published", kid)
}

// Keyfunc adapts the set for jwt.Parse.
func (s *KeySet) Keyfunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token has no kid header")
	}
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	return s.Key(ctx, kid)
}

func (s *KeySet) refresh(ctx context.Context) error {
	s.mu.RLock()
	url := s.jwksURL
	s.mu.RUnlock()
	if url == "" {
		if s.issuer == "" {
			return errors.New("no JWKS url or issuer configured")
		}
		discovered, err := DiscoverJWKSURL(ctx, s.client, s.issuer)
		if err != nil {
			return err
		}
		url = discovered
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := getJSON(ctx, s.client, url, &doc); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.rsaKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	s.mu.Lock()
	s.jwksURL = url
	s.keys = keys
	s.fetchedAt = s.now()
	s.mu.Unlock()
	return nil
}

func (k jwk) rsaKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("unsupported exponent for key %q", k.Kid)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// DiscoverJWKSURL reads the issuer's OpenID configuration and returns its
// jwks_uri.
func DiscoverJWKSURL(ctx context.Context, client *http.Client, issuer string) (string, error) {
	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	url := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"
	if err := getJSON(ctx, client, url, &doc); err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("oidc discovery: document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
