package app

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/git-pkgs/scriptwatch"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Follow the replication feed until interrupted",
	Long: `Follow the npm replication feed, scan every changed package and deliver
alerts to the configured sinks. Jobs left over from a previous run are
scanned first. SIGINT or SIGTERM stops the monitor; running scans get the
configured shutdown grace period to finish.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	m, logger, err := newMonitor()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer m.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = m.Run(ctx)
	if errors.Is(err, scriptwatch.ErrInitialCursor) {
		logger.Error("cannot start without a feed position", zap.Error(err))
	}
	return err
}
