package dat

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestStringOrSlice_AcceptsStringAndArray(t *testing.T) {
	var single StringOrSlice
	require.NoError(t, json.Unmarshal([]byte(`"abc123"`), &single))
	require.Equal(t, StringOrSlice{"abc123"}, single)
	require.True(t, single.Contains("abc123"))

	var multi StringOrSlice
	require.NoError(t, json.Unmarshal([]byte(`["a","b"]`), &multi))
	require.Equal(t, StringOrSlice{"a", "b"}, multi)
	require.True(t, multi.Contains("b"))
	require.False(t, multi.Contains("c"))
}

func TestConnectorUUID_ColonBeautified(t *testing.T) {
	cert := &x509.Certificate{
		SubjectKeyId:   []byte{0xAA, 0xBB, 0xCC},
		AuthorityKeyId: []byte{0x11, 0x22},
	}
	require.Equal(t, "AA:BB:CC:keyid:11:22", ConnectorUUID(cert))
}

func TestSecurityLevel_Ordering(t *testing.T) {
	base, err := ParseSecurityLevel("BASE")
	require.NoError(t, err)
	trusted, err := ParseSecurityLevel("TRUSTED")
	require.NoError(t, err)
	plus, err := ParseSecurityLevel("TRUSTED_PLUS")
	require.NoError(t, err)
	require.True(t, base < trusted)
	require.True(t, trusted < plus)
}

// testDAPS spins up an httptest server implementing just enough of a DAPS
// to exercise acquisition and verification: well-known metadata, a token
// endpoint that echoes back a signed DAT, and a jwks endpoint.
type testDAPS struct {
	server  *httptest.Server
	priv    *rsa.PrivateKey
	kid     string
	subject string
	secProf string
	certs   StringOrSlice
}

func newTestDAPS(t *testing.T) *testDAPS {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	d := &testDAPS{priv: priv, kid: "test-key-1", subject: "test-subject", secProf: "TRUSTED"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":         d.issuer(),
			"token_endpoint": d.issuer() + "/token",
			"jwks_uri":       d.issuer() + "/jwks.json",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		token, err := d.issueDAT()
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": token})
	})
	mux.HandleFunc("/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": d.kid,
				"n":   base64.RawURLEncoding.EncodeToString(priv.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.PublicKey.E)).Bytes()),
			}},
		})
	})

	d.server = httptest.NewServer(mux)
	return d
}

func (d *testDAPS) issuer() string { return d.server.URL }

func (d *testDAPS) issueDAT() (string, error) {
	return d.issueDATWithOpts(d.subject, d.secProf, d.certs, time.Hour, "idsc:IDS_CONNECTORS_ALL")
}

func (d *testDAPS) issueDATWithOpts(subject, secProfile string, certs StringOrSlice, validity time.Duration, audience string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    d.issuer(),
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
		TransportCertsSha256: certs,
		SecurityProfile:      secProfile,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = d.kid
	return token.SignedString(d.priv)
}

func (d *testDAPS) close() { d.server.Close() }

func connectorCert() *x509.Certificate {
	return &x509.Certificate{
		Subject:        pkix.Name{CommonName: "test-connector"},
		SubjectKeyId:   []byte{0x01, 0x02, 0x03},
		AuthorityKeyId: []byte{0x04, 0x05},
		Raw:            []byte("fake-der-bytes-for-fingerprint"),
	}
}

func TestProvider_AcquireAndVerify_HappyPath(t *testing.T) {
	daps := newTestDAPS(t)
	defer daps.close()

	cert := connectorCert()
	daps.certs = StringOrSlice{sha256Hex(cert.Raw)}

	signingKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	provider := NewProvider(Config{
		DapsURL:          daps.server.URL,
		ConnectorUUID:    ConnectorUUID(cert),
		SigningKey:       signingKey,
		RenewalThreshold: 0.7,
	})

	token, err := provider.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, token)

	remaining, err := provider.VerifyCert(context.Background(), token, cert)
	require.NoError(t, err)
	require.Greater(t, remaining, int64(0))
}

func TestProvider_Acquire_CachesUntilRenewalThreshold(t *testing.T) {
	daps := newTestDAPS(t)
	defer daps.close()
	signingKey, _ := rsa.GenerateKey(rand.Reader, 2048)

	provider := NewProvider(Config{DapsURL: daps.server.URL, ConnectorUUID: "uuid", SigningKey: signingKey, RenewalThreshold: 0.9})

	first, err := provider.Acquire(context.Background())
	require.NoError(t, err)
	second, err := provider.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second, "a token well inside its renewal window must be served from cache")
}

func TestProvider_Verify_RejectsWrongFingerprint(t *testing.T) {
	daps := newTestDAPS(t)
	defer daps.close()
	daps.certs = StringOrSlice{"not-the-right-fingerprint"}

	signingKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	cert := connectorCert()
	provider := NewProvider(Config{DapsURL: daps.server.URL, ConnectorUUID: ConnectorUUID(cert), SigningKey: signingKey})

	token, err := provider.Acquire(context.Background())
	require.NoError(t, err)

	_, err = provider.VerifyCert(context.Background(), token, cert)
	require.ErrorIs(t, err, ErrInvalidDat)
}

func TestProvider_Verify_SecurityLevelMonotonic(t *testing.T) {
	daps := newTestDAPS(t)
	defer daps.close()
	daps.secProf = "TRUSTED"

	signingKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	providerRequiringTrusted := NewProvider(Config{DapsURL: daps.server.URL, ConnectorUUID: "uuid", SigningKey: signingKey, RequiredSecurityLevel: SecurityLevelTrusted})
	providerRequiringBase := NewProvider(Config{DapsURL: daps.server.URL, ConnectorUUID: "uuid", SigningKey: signingKey, RequiredSecurityLevel: SecurityLevelBase})

	token, err := providerRequiringTrusted.Acquire(context.Background())
	require.NoError(t, err)

	_, err = providerRequiringTrusted.Verify(context.Background(), token, nil)
	require.NoError(t, err, "a TRUSTED DAT must be accepted when TRUSTED is required")

	_, err = providerRequiringBase.Verify(context.Background(), token, nil)
	require.NoError(t, err, "a TRUSTED DAT must also be accepted when only BASE is required")
}

func TestProvider_Verify_RejectsExpired(t *testing.T) {
	daps := newTestDAPS(t)
	defer daps.close()

	expired, err := daps.issueDATWithOpts(daps.subject, "BASE", nil, -time.Minute, "idsc:IDS_CONNECTORS_ALL")
	require.NoError(t, err)

	signingKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	provider := NewProvider(Config{DapsURL: daps.server.URL, ConnectorUUID: "uuid", SigningKey: signingKey})

	_, err = provider.Verify(context.Background(), []byte(expired), nil)
	require.ErrorIs(t, err, ErrInvalidDat)
}

func TestProvider_Verify_AcceptsBothAudienceVariants(t *testing.T) {
	daps := newTestDAPS(t)
	defer daps.close()
	signingKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	provider := NewProvider(Config{DapsURL: daps.server.URL, ConnectorUUID: "uuid", SigningKey: signingKey})

	for _, aud := range []string{"idsc:IDS_CONNECTORS_ALL", "IDS_Connector"} {
		token, err := daps.issueDATWithOpts(daps.subject, "BASE", nil, time.Hour, aud)
		require.NoError(t, err)
		_, err = provider.Verify(context.Background(), []byte(token), nil)
		require.NoError(t, err, fmt.Sprintf("audience %q must be accepted", aud))
	}
}
