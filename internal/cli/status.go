package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chronohq/chrono/internal/cli/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler state from the store file",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	svc, err := loadedService(cmd)
	if err != nil {
		return err
	}
	info := svc.Status()

	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(cmd, info)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s jobs: %d (%d enabled, %d running)\n",
		ui.StyleCyan.Render(ui.SymbolDot), info.Jobs, info.Enabled, info.Running)
	fmt.Fprintf(out, "  next due: %s\n", formatMs(info.NextDueAtMs))
	return nil
}
