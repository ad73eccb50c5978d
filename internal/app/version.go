package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/git-pkgs/scriptwatch"
)

// Version is set at build time with -ldflags "-X ...app.Version=v1.2.3".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and the supported sink kinds",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "scriptwatch %s\n", Version)
		fmt.Fprintf(cmd.OutOrStdout(), "sinks: %s\n", strings.Join(scriptwatch.SupportedSinkKinds(), ", "))
	},
}
