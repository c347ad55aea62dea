package dat

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// jwkSetTTL bounds how long a fetched JWKS document is trusted; once older,
// the next verification refetches it. A kid missing from the cached document
// triggers a refetch regardless of age.
const jwkSetTTL = time.Hour

// jsonWebKey is the subset of RFC 7517 fields needed to reconstruct an RSA
// public key.
type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jsonWebKeySet struct {
	Keys []jsonWebKey `json:"keys"`
}

// jwksCache fetches and caches a DAPS's JWKS document, resolving signing
// keys by kid. Guarded by a read-write lock: resolution is read-heavy and
// only blocks writers during a refresh.
type jwksCache struct {
	mu         sync.RWMutex
	httpClient *http.Client

	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	jwksURI   string
}

func newJWKSCache(httpClient *http.Client) *jwksCache {
	return &jwksCache{httpClient: httpClient, keys: make(map[string]*rsa.PublicKey)}
}

// resolve returns the RSA public key for kid, fetching (or refreshing a
// stale) JWKS document from jwksURI as needed.
func (c *jwksCache) resolve(ctx context.Context, jwksURI, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := c.jwksURI == jwksURI && time.Since(c.fetchedAt) < jwkSetTTL
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := c.refresh(ctx, jwksURI); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("dat: no jwks key for kid %q", kid)
	}
	return key, nil
}

func (c *jwksCache) refresh(ctx context.Context, jwksURI string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return fmt.Errorf("dat: build jwks request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dat: fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dat: jwks endpoint returned status %d", resp.StatusCode)
	}

	var set jsonWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("dat: decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Kty != "RSA" || jwk.Kid == "" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(jwk)
		if err != nil {
			continue
		}
		keys[jwk.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.jwksURI = jwksURI
	c.mu.Unlock()

	return nil
}

func rsaPublicKeyFromJWK(jwk jsonWebKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(jwk.N))
	if err != nil {
		return nil, fmt.Errorf("decode jwk n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(jwk.E))
	if err != nil {
		return nil, fmt.Errorf("decode jwk e: %w", err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
