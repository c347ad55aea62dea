package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/idscp2go/idscp2go/internal/cli/timeutil"
	"github.com/idscp2go/idscp2go/pkg/evidence"
)

var evidenceDir string

var evidenceCmd = &cobra.Command{
	Use:   "evidence <connection-id>",
	Short: "List archived attestation evidence for a connection",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvidence,
}

func init() {
	evidenceCmd.Flags().StringVar(&evidenceDir, "dir", "evidence", "local evidence archive directory")
}

type evidenceList []evidence.Record

func (evidenceList) Headers() []string {
	return []string{"COMPLETED", "ROLE", "SUITE", "OUTCOME", "DETAIL"}
}

func (l evidenceList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, rec := range l {
		rows = append(rows, []string{
			timeutil.FormatTime(rec.CompletedAt.Format(time.RFC3339)),
			rec.Role,
			rec.Suite,
			rec.Outcome,
			rec.Detail,
		})
	}
	return rows
}

func runEvidence(cmd *cobra.Command, args []string) error {
	p, err := printer()
	if err != nil {
		return err
	}

	archive, err := evidence.NewLocal(evidenceDir)
	if err != nil {
		return err
	}

	records, err := archive.Load(args[0])
	if err != nil {
		return fmt.Errorf("load evidence for %s: %w", args[0], err)
	}

	return p.Print(evidenceList(records))
}
