package dat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/idscp2go/idscp2go/internal/logger"
)

// metadata holds the subset of RFC 8414 authorization-server metadata the
// DAT provider needs.
type metadata struct {
	Issuer        string `json:"issuer"`
	TokenEndpoint string `json:"token_endpoint"`
	JwksURI       string `json:"jwks_uri"`
}

// fallbackMetadataTTL is how long a synthesized fallback (used when a DAPS
// deployment does not expose the well-known metadata document) is trusted
// before being recomputed.
const fallbackMetadataTTL = 24 * time.Hour

// metadataCache fetches and caches one DAPS's metadata document, respecting
// the document's HTTP max-age when present and falling back to a
// conventional layout when the well-known endpoint 404s.
//
// Guarded by a read-write mutex: reads (the common case) don't block each
// other, only a refresh does. Scoped per-Provider rather than process-wide,
// since a Provider already is the per-connector-identity unit of sharing.
type metadataCache struct {
	mu         sync.RWMutex
	dapsURL    string
	httpClient *http.Client

	cached    *metadata
	expiresAt time.Time
}

func newMetadataCache(dapsURL string, httpClient *http.Client) *metadataCache {
	return &metadataCache{dapsURL: dapsURL, httpClient: httpClient}
}

// get returns the cached metadata if still fresh, otherwise fetches (or
// falls back) and caches the result.
func (m *metadataCache) get(ctx context.Context) (*metadata, error) {
	m.mu.RLock()
	if m.cached != nil && time.Now().Before(m.expiresAt) {
		cached := m.cached
		m.mu.RUnlock()
		return cached, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the write lock: another goroutine may have refreshed
	// while we waited.
	if m.cached != nil && time.Now().Before(m.expiresAt) {
		return m.cached, nil
	}

	meta, ttl, err := m.fetch(ctx)
	if err != nil {
		return nil, err
	}
	m.cached = meta
	m.expiresAt = time.Now().Add(ttl)
	return meta, nil
}

func (m *metadataCache) fetch(ctx context.Context) (*metadata, time.Duration, error) {
	url := strings.TrimSuffix(m.dapsURL, "/") + "/.well-known/oauth-authorization-server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("dat: build metadata request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("dat: fetch daps metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		logger.DebugCtx(ctx, "daps metadata endpoint not found, using conventional fallback", "daps_url", m.dapsURL)
		return m.fallback(), fallbackMetadataTTL, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("dat: daps metadata endpoint returned status %d", resp.StatusCode)
	}

	var meta metadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, 0, fmt.Errorf("dat: decode daps metadata: %w", err)
	}

	return &meta, maxAge(resp.Header.Get("Cache-Control")), nil
}

// fallback builds the conventional DAPS metadata layout used when the
// well-known endpoint is absent.
func (m *metadataCache) fallback() *metadata {
	base := strings.TrimSuffix(m.dapsURL, "/")
	return &metadata{
		Issuer:        base,
		TokenEndpoint: base + "/token",
		JwksURI:       base + "/jwks.json",
	}
}

// maxAge extracts max-age from a Cache-Control header, defaulting to 1 hour
// when absent or unparsable - long enough to avoid refetching on every
// handshake, short enough not to wedge a rotated DAPS deployment.
func maxAge(cacheControl string) time.Duration {
	const defaultTTL = time.Hour
	if cacheControl == "" {
		return defaultTTL
	}
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if after, ok := strings.CutPrefix(directive, "max-age="); ok {
			if seconds, err := strconv.Atoi(after); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}
	return defaultTTL
}
