// Package dat implements the DAT provider (C3): acquisition of a Dynamic
// Attribute Token from DAPS, threshold-based caching of that token, and
// verification of peer-presented DATs against JWKS signatures, claims, and
// the peer's TLS certificate fingerprint.
package dat

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/codes"

	"github.com/idscp2go/idscp2go/internal/logger"
	"github.com/idscp2go/idscp2go/internal/telemetry"
	"github.com/idscp2go/idscp2go/pkg/metrics"
)

// ErrInvalidDat is returned (wrapped with detail) whenever a DAT fails
// signature, claim, fingerprint, or security-level verification.
var ErrInvalidDat = errors.New("dat: invalid dat")

const daapsClientAssertionAudience = "idsc:IDS_CONNECTORS_ALL"
const daapsTokenScope = "idsc:IDS_CONNECTOR_ATTRIBUTES_ALL"

// Config configures a Provider.
type Config struct {
	// DapsURL is the DAPS base URL, e.g. "https://daps.example.org".
	DapsURL string

	// ConnectorUUID is the local connector's subject/issuer identity,
	// normally derived from the TLS certificate via ConnectorUUID.
	ConnectorUUID string

	// SigningKey signs the client-assertion JWT sent to DAPS when
	// acquiring a token.
	SigningKey *rsa.PrivateKey

	// RenewalThreshold is the fraction (0,1] of a DAT's validity period
	// after which a cached token is considered due for renewal.
	RenewalThreshold float64

	// RequiredSecurityLevel is the minimum peer security profile accepted
	// by Verify. Zero value (SecurityLevelBase) accepts everything.
	RequiredSecurityLevel SecurityLevel

	// HTTPClient is used for all DAPS HTTP calls. Defaults to
	// http.DefaultClient when nil.
	HTTPClient *http.Client

	// Metrics, when non-nil, records each Acquire as a cache hit ("cached")
	// or a fresh DAPS round trip ("fresh").
	Metrics metrics.Metrics
}

// Provider acquires, caches, and verifies DATs for one connector identity.
type Provider struct {
	cfg        Config
	httpClient *http.Client
	metadata   *metadataCache
	jwks       *jwksCache

	// tokenMu guards the cached current token. Go's sync.Mutex already
	// hands off fairly to waiters under contention (starvation mode since
	// Go 1.9), so concurrent Acquire callers are served in order without
	// reaching for a third-party fair-lock implementation.
	tokenMu     sync.Mutex
	current     []byte
	issuedAt    time.Time
	renewalTime time.Time
}

// NewProvider constructs a Provider. RenewalThreshold defaults to 0.7 when
// unset or out of (0,1].
func NewProvider(cfg Config) *Provider {
	if cfg.RenewalThreshold <= 0 || cfg.RenewalThreshold > 1 {
		cfg.RenewalThreshold = 0.7
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Provider{
		cfg:        cfg,
		httpClient: httpClient,
		metadata:   newMetadataCache(cfg.DapsURL, httpClient),
		jwks:       newJWKSCache(httpClient),
	}
}

// Acquire returns the cached DAT if it is not yet due for renewal,
// otherwise fetches a fresh one from DAPS and caches it.
func (p *Provider) Acquire(ctx context.Context) ([]byte, error) {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()

	if p.current != nil && time.Now().Before(p.renewalTime) {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordDatRefresh("cached")
		}
		return p.current, nil
	}

	ctx, span := telemetry.StartDatSpan(ctx, telemetry.SpanDatRefresh,
		telemetry.ConnectorUUID(p.cfg.ConnectorUUID), telemetry.DatSource("fresh"))
	defer span.End()

	meta, err := p.metadata.get(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("dat: acquire: %w", err)
	}

	assertion, err := p.buildClientAssertion(meta.Issuer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("dat: acquire: %w", err)
	}

	token, err := p.requestToken(ctx, meta.TokenEndpoint, assertion)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("dat: acquire: %w", err)
	}

	validity := tokenValidity(token)
	p.current = token
	p.issuedAt = time.Now()
	p.renewalTime = p.issuedAt.Add(time.Duration(float64(validity) * p.cfg.RenewalThreshold))
	span.SetAttributes(telemetry.DatValidity(int64(validity.Seconds())))

	logger.DebugCtx(ctx, "dat acquired", "connector_uuid", p.cfg.ConnectorUUID, "validity", validity, "renewal_in", time.Until(p.renewalTime))

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordDatRefresh("fresh")
	}
	return token, nil
}

// buildClientAssertion builds the RS256 client-assertion JWT DAPS expects
// alongside a client_credentials token request.
func (p *Provider) buildClientAssertion(issuer string) ([]byte, error) {
	if p.cfg.SigningKey == nil {
		return nil, errors.New("dat: no signing key configured")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    p.cfg.ConnectorUUID,
		Subject:   p.cfg.ConnectorUUID,
		Audience:  jwt.ClaimStrings{daapsClientAssertionAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(p.cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("sign client assertion: %w", err)
	}
	return []byte(signed), nil
}

// requestToken exchanges a client assertion for an access token at the
// DAPS token endpoint.
func (p *Provider) requestToken(ctx context.Context, tokenEndpoint string, assertion []byte) ([]byte, error) {
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {"jwt-bearer"},
		"client_assertion":      {string(assertion)},
		"scope":                 {daapsTokenScope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daps token endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return nil, errors.New("daps token response missing access_token")
	}

	return []byte(body.AccessToken), nil
}

// tokenValidity returns the validity window of an (unverified-here; it was
// just issued to us by DAPS over TLS) access token, falling back to one
// hour if it cannot be parsed.
func tokenValidity(token []byte) time.Duration {
	const fallback = time.Hour

	var claims Claims
	parsed, _, err := jwt.NewParser().ParseUnverified(string(token), &claims)
	if err != nil || parsed == nil {
		return fallback
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return fallback
	}
	validity := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time)
	if validity <= 0 {
		return fallback
	}
	return validity
}

// Verify validates a peer-presented DAT: RS256 signature via JWKS, issuer,
// audience, subject, clock skew, optional certificate fingerprint binding,
// and optional minimum security level. Returns the token's remaining
// validity in seconds on success.
func (p *Provider) Verify(ctx context.Context, token []byte, peerCertDER []byte) (int64, error) {
	ctx, span := telemetry.StartDatSpan(ctx, telemetry.SpanDatVerify)
	defer span.End()

	remaining, err := p.verify(ctx, token, peerCertDER)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(telemetry.DatValidity(remaining))
	return remaining, nil
}

func (p *Provider) verify(ctx context.Context, token []byte, peerCertDER []byte) (int64, error) {
	meta, err := p.metadata.get(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: fetch daps metadata: %v", ErrInvalidDat, err)
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(string(token), &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header missing kid")
		}
		return p.jwks.resolve(ctx, meta.JwksURI, kid)
	}, jwt.WithLeeway(30*time.Second), jwt.WithIssuer(meta.Issuer))
	if err != nil || !parsed.Valid {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDat, err)
	}

	if !hasAcceptedAudience(&claims) {
		return 0, fmt.Errorf("%w: audience %v not accepted", ErrInvalidDat, claims.Audience)
	}
	if claims.Subject == "" {
		return 0, fmt.Errorf("%w: missing subject", ErrInvalidDat)
	}

	if peerCertDER != nil {
		fingerprint := sha256Hex(peerCertDER)
		if !claims.TransportCertsSha256.Contains(fingerprint) {
			return 0, fmt.Errorf("%w: transportCertsSha256 does not bind peer certificate", ErrInvalidDat)
		}
	}

	peerLevel, err := ParseSecurityLevel(claims.SecurityProfile)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDat, err)
	}
	if peerLevel < p.cfg.RequiredSecurityLevel {
		return 0, fmt.Errorf("%w: security profile %s below required %s", ErrInvalidDat, peerLevel, p.cfg.RequiredSecurityLevel)
	}

	if claims.ExpiresAt == nil {
		return 0, fmt.Errorf("%w: missing exp", ErrInvalidDat)
	}
	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining <= 0 {
		return 0, fmt.Errorf("%w: expired", ErrInvalidDat)
	}

	return int64(remaining.Seconds()), nil
}

// VerifyCert is a convenience wrapper extracting the DER bytes from cert.
func (p *Provider) VerifyCert(ctx context.Context, token []byte, cert *x509.Certificate) (int64, error) {
	if cert == nil {
		return p.Verify(ctx, token, nil)
	}
	return p.Verify(ctx, token, cert.Raw)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}
