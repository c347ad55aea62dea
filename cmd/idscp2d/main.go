// idscp2d is the IDSCP2 example peer daemon: it can serve inbound
// sessions or connect out to another peer, exchanging line-oriented
// application messages over the established channel.
package main

import (
	"os"

	"github.com/idscp2go/idscp2go/cmd/idscp2d/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
