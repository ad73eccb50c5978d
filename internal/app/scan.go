package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	scanJSON bool

	scanCmd = &cobra.Command{
		Use:   "scan <package>...",
		Short: "Scan packages now, outside the feed",
		Long: `Fetch each package, compare the install scripts of its newest release
with the release before it and deliver any new finding. A release that was
already reported is not reported again.`,
		Example: `  scriptwatch scan event-stream
  scriptwatch scan @babel/core left-pad --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: runScan,
	}
)

func init() {
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "print findings as JSON lines")
}

func runScan(cmd *cobra.Command, args []string) error {
	m, logger, err := newMonitor()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer m.Close()

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	for _, name := range args {
		findings, err := m.ScanOnce(cmd.Context(), name)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", name, err)
		}
		if len(findings) == 0 && !scanJSON {
			fmt.Fprintf(out, "%s: no new install script changes\n", name)
			continue
		}
		for _, f := range findings {
			if scanJSON {
				if err := enc.Encode(f); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintf(out, "%s@%s: %s %s: %s\n", f.PackageName, f.Version, f.ScriptType, f.Action, f.Command)
		}
	}
	return nil
}
