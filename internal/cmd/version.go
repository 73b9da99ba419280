package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		name := "gofleet"
		if id := GetAppIdentity(); id != nil {
			name = id.BinaryName
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "%s %s\n", name, versionInfo.Version)
		_, _ = fmt.Fprintf(out, "  commit:     %s\n", versionInfo.Commit)
		_, _ = fmt.Fprintf(out, "  built:      %s\n", versionInfo.BuildDate)
		_, _ = fmt.Fprintf(out, "  go version: %s\n", runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
