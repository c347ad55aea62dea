// idscp2ctl is the operator tool for idscp2go: it inspects DATs, decodes
// captured wire frames, browses the evidence archive, and initializes
// configuration files.
package main

import (
	"os"

	"github.com/idscp2go/idscp2go/cmd/idscp2ctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
