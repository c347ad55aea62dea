package dat

import (
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// SecurityLevel is the ordinal security-profile ladder DAPS assigns to a
// connector: BASE < TRUSTED < TRUSTED_PLUS.
type SecurityLevel int

const (
	SecurityLevelBase SecurityLevel = iota
	SecurityLevelTrusted
	SecurityLevelTrustedPlus
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityLevelBase:
		return "BASE"
	case SecurityLevelTrusted:
		return "TRUSTED"
	case SecurityLevelTrustedPlus:
		return "TRUSTED_PLUS"
	default:
		return "UNKNOWN"
	}
}

// ParseSecurityLevel maps a securityProfile claim string onto its ordinal.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch s {
	case "", "BASE", "BASE_SECURITY_PROFILE":
		return SecurityLevelBase, nil
	case "TRUSTED", "TRUSTED_SECURITY_PROFILE":
		return SecurityLevelTrusted, nil
	case "TRUSTED_PLUS", "TRUSTED_PLUS_SECURITY_PROFILE":
		return SecurityLevelTrustedPlus, nil
	default:
		return SecurityLevelBase, fmt.Errorf("dat: unknown security profile %q", s)
	}
}

// StringOrSlice decodes a JSON value that may be either a single string or
// an array of strings into a uniform []string. This is the shape the
// transportCertsSha256 claim takes in the wild: a single fingerprint when a
// connector has one certificate, a list when it has rotated through
// several.
type StringOrSlice []string

// UnmarshalJSON accepts either a bare string or a JSON array of strings.
func (s *StringOrSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringOrSlice{single}
		return nil
	}

	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("dat: transportCertsSha256 must be a string or string array: %w", err)
	}
	*s = StringOrSlice(multi)
	return nil
}

// MarshalJSON emits a bare string when there is exactly one value, an array
// otherwise - mirroring the asymmetry callers must tolerate on decode.
func (s StringOrSlice) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// Contains reports whether v is present among the decoded values.
func (s StringOrSlice) Contains(v string) bool {
	for _, candidate := range s {
		if candidate == v {
			return true
		}
	}
	return false
}

// Claims is the DAT's JWT claim set: the standard registered claims plus
// the two IDSCP2-specific claims binding it to a connector's TLS identity
// and security profile.
type Claims struct {
	jwt.RegisteredClaims
	TransportCertsSha256 StringOrSlice `json:"transportCertsSha256,omitempty"`
	SecurityProfile      string        `json:"securityProfile,omitempty"`
}

// acceptedAudiences lists both audience spellings observed across DAPS
// deployments in the wild; both are accepted and neither is preferred, to
// remain interoperable with existing issuers.
var acceptedAudiences = []string{"idsc:IDS_CONNECTORS_ALL", "IDS_Connector"}

// hasAcceptedAudience reports whether claims carries at least one audience
// value from acceptedAudiences.
func hasAcceptedAudience(claims *Claims) bool {
	for _, aud := range claims.Audience {
		for _, accepted := range acceptedAudiences {
			if aud == accepted {
				return true
			}
		}
	}
	return false
}
