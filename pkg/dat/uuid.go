package dat

import (
	"crypto/x509"
	"encoding/hex"
	"strings"
)

// ConnectorUUID derives the stable connector identifier DAPS uses as a
// subject from a connector's TLS leaf certificate: the colon-beautified,
// upper-case hex of the Subject Key Identifier, followed by "keyid:" and
// the colon-beautified, upper-case hex of the Authority Key Identifier -
// e.g. "AA:BB:CC:keyid:11:22:33".
func ConnectorUUID(cert *x509.Certificate) string {
	return colonHex(cert.SubjectKeyId) + ":keyid:" + colonHex(cert.AuthorityKeyId)
}

// colonHex renders b as upper-case hex with a colon between every byte and
// no trailing colon.
func colonHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	encoded := strings.ToUpper(hex.EncodeToString(b))
	parts := make([]string, 0, len(encoded)/2)
	for i := 0; i < len(encoded); i += 2 {
		parts = append(parts, encoded[i:i+2])
	}
	return strings.Join(parts, ":")
}
