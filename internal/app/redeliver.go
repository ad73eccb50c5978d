package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

var redeliverCmd = &cobra.Command{
	Use:   "redeliver",
	Short: "Deliver recorded findings that no sink accepted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, logger, err := newMonitor()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		defer m.Close()

		n, err := m.Redeliver(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "delivered %d finding(s)\n", n)
		return nil
	},
}
