package commands

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/idscp2go/idscp2go/internal/cli/timeutil"
	"github.com/idscp2go/idscp2go/pkg/dat"
)

var datCmd = &cobra.Command{
	Use:   "dat [file]",
	Short: "Inspect a Dynamic Attribute Token",
	Long: `dat decodes a DAT (a signed JWT) and prints its claims. The token is
read from the given file, or from stdin when the file is "-" or omitted.
The signature is NOT verified; this is an inspection tool, not a
verification tool.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDat,
}

// datView is the printable projection of a DAT's claim set.
type datView struct {
	Subject              string   `json:"subject" yaml:"subject"`
	Issuer               string   `json:"issuer" yaml:"issuer"`
	Audience             []string `json:"audience" yaml:"audience"`
	SecurityProfile      string   `json:"security_profile" yaml:"security_profile"`
	TransportCertsSha256 []string `json:"transport_certs_sha256" yaml:"transport_certs_sha256"`
	IssuedAt             string   `json:"issued_at" yaml:"issued_at"`
	ExpiresAt            string   `json:"expires_at" yaml:"expires_at"`
	Expired              bool     `json:"expired" yaml:"expired"`
}

func (v datView) Headers() []string {
	return []string{"CLAIM", "VALUE"}
}

func (v datView) Rows() [][]string {
	return [][]string{
		{"subject", v.Subject},
		{"issuer", v.Issuer},
		{"audience", strings.Join(v.Audience, ", ")},
		{"securityProfile", v.SecurityProfile},
		{"transportCertsSha256", strings.Join(v.TransportCertsSha256, ", ")},
		{"issued at", v.IssuedAt},
		{"expires at", v.ExpiresAt},
		{"expired", fmt.Sprintf("%t", v.Expired)},
	}
}

func runDat(cmd *cobra.Command, args []string) error {
	p, err := printer()
	if err != nil {
		return err
	}

	token, err := readInput(args)
	if err != nil {
		return err
	}

	var claims dat.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(string(token)), &claims); err != nil {
		return fmt.Errorf("parse dat: %w", err)
	}

	view := datView{
		Subject:              claims.Subject,
		Issuer:               claims.Issuer,
		Audience:             []string(claims.Audience),
		SecurityProfile:      claims.SecurityProfile,
		TransportCertsSha256: []string(claims.TransportCertsSha256),
	}
	if claims.IssuedAt != nil {
		view.IssuedAt = timeutil.FormatTime(claims.IssuedAt.Time.Format(time.RFC3339))
	}
	if claims.ExpiresAt != nil {
		view.ExpiresAt = timeutil.FormatTime(claims.ExpiresAt.Time.Format(time.RFC3339))
		view.Expired = time.Now().After(claims.ExpiresAt.Time)
	}

	return p.Print(view)
}

// readInput reads the single optional file argument, treating "-" or no
// argument as stdin.
func readInput(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(args[0])
}
