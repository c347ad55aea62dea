package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/idscp2go/idscp2go/internal/cli/prompt"
	"github.com/idscp2go/idscp2go/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter configuration file",
	Long: `init writes the default idscp2go configuration to the given path
(default: $XDG_CONFIG_HOME/idscp2/config.yaml), prompting for the DAPS
URL and asking before overwriting an existing file unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file without asking")
}

func defaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "idscp2", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "idscp2", "config.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := defaultConfigPath()
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		ok, err := prompt.Confirm(fmt.Sprintf("Config file %s exists, overwrite?", path), false)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("aborted")
			return nil
		}
	}

	cfg := config.Default()

	dapsURL, err := prompt.Input("DAPS URL", "https://daps.aisec.fraunhofer.de")
	if err != nil {
		if prompt.IsAborted(err) {
			fmt.Println("aborted")
			return nil
		}
		return err
	}
	cfg.Daps.URL = dapsURL

	if err := config.Save(cfg, path); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Set tls.cert_file and tls.key_file before starting idscp2d.")
	return nil
}
