// Package commands implements the idscp2ctl operator CLI.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/idscp2go/idscp2go/internal/cli/output"
)

var (
	// Version information injected at build time.
	Version = "dev"

	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "idscp2ctl",
	Short: "idscp2ctl - operator tool for idscp2go",
	Long: `idscp2ctl inspects the artifacts an IDSCP2 deployment produces: Dynamic
Attribute Tokens, captured wire frames, and archived attestation evidence.

Use "idscp2ctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// printer builds the output printer from the global --output flag.
func printer() (*output.Printer, error) {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	return output.NewPrinter(os.Stdout, format, true), nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("idscp2ctl %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(datCmd)
	rootCmd.AddCommand(frameCmd)
	rootCmd.AddCommand(evidenceCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(schemaCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
