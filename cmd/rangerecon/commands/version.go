package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/wikiops/rangerecon/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the rangerecon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s/%s)\n",
			version.AppName, version.Current, runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
