package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wikiops/rangerecon/internal/app"
)

var resolveRegistry string

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve a provider registry and print its ranges (dry run)",
	Long: `Resolve one registry against RIR delegation data, feeds, and WHOIS,
then print the resulting ranges. Nothing is written to the wiki.

Example:
  rangerecon resolve --registry default`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runResolve(cmd.Context()))
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().StringVar(&resolveRegistry, "registry", "default", "Registry to resolve")
}

func runResolve(parent context.Context) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing: %v\n", err)
		return exitFatal
	}
	defer a.Close(context.WithoutCancel(ctx))

	resolved, err := a.ResolveRegistry(ctx, resolveRegistry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving %s: %v\n", resolveRegistry, err)
		return exitFatal
	}

	for _, pr := range resolved {
		fmt.Printf("%s (%d prefixes)\n", pr.Provider.Name, pr.Ranges.Len())
		for _, p := range pr.Ranges.Prefixes() {
			fmt.Printf("  %s\n", p)
		}
	}
	return exitOK
}
