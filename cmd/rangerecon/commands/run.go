package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/wikiops/rangerecon/internal/app"
	"github.com/wikiops/rangerecon/internal/engine"
	"github.com/wikiops/rangerecon/internal/errs"
	"github.com/wikiops/rangerecon/internal/report"
	"github.com/wikiops/rangerecon/pkg/config"
)

// Exit statuses: 0 all scopes reconciled, 1 fatal setup error, 2 batch
// finished but at least one scope failed.
const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

var scopeArgs []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Reconcile every configured scope and publish reports",
	Long: `Run the full reconciliation batch. Designed for cron: exit status 2
means some scopes failed while others published.

Example:
  rangerecon run
  rangerecon run --scope site=en.wikipedia.org,days=30
  rangerecon run --scope global`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runBatch(cmd.Context()))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringArrayVar(&scopeArgs, "scope", nil,
		"Limit the batch to ad-hoc scopes: site=<domain>[,days=<n>] or global")
}

func runBatch(parent context.Context) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return exitFatal
	}

	if len(scopeArgs) > 0 {
		scopes, err := parseScopes(scopeArgs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitFatal
		}
		cfg.Scopes = scopes
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing: %v\n", err)
		return exitFatal
	}
	defer a.Close(context.WithoutCancel(ctx))

	// Read the ledger before the batch appends this run's snapshots.
	prior, histErr := a.History(ledgerWindow)
	if histErr != nil {
		logger.Warn("history unavailable", "error", histErr)
	}

	batch, err := a.Run(ctx)
	printSummary(batch, lastPublished(prior))

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errs.ErrPartialResult):
		return exitPartial
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFatal
	}
}

func parseScopes(args []string) ([]config.Scope, error) {
	scopes := make([]config.Scope, 0, len(args))
	seen := map[string]bool{}
	for _, arg := range args {
		s, err := config.ParseScopeArg(arg)
		if err != nil {
			return nil, err
		}
		if seen[s.ID()] {
			return nil, fmt.Errorf("duplicate scope %s", s.ID())
		}
		seen[s.ID()] = true
		scopes = append(scopes, s)
	}
	return scopes, nil
}

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF99"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
)

// ledgerWindow caps how far back the summary looks for a scope's last
// successful publish.
const ledgerWindow = 200

// lastPublished indexes each scope's most recent publishing snapshot.
func lastPublished(snaps []report.Snapshot) map[string]report.Snapshot {
	out := make(map[string]report.Snapshot)
	for _, s := range snaps {
		if !s.Published {
			continue
		}
		if cur, ok := out[s.Scope]; !ok || s.Timestamp > cur.Timestamp {
			out[s.Scope] = s
		}
	}
	return out
}

func printSummary(batch *engine.BatchResult, prior map[string]report.Snapshot) {
	if batch == nil {
		return
	}
	fmt.Println()
	for _, r := range batch.Results {
		switch r.Status {
		case engine.StatusSuccess:
			action := "unchanged"
			if r.Published {
				action = "published"
			}
			fmt.Printf("%s %s  %s\n",
				okStyle.Render("✓"), r.Scope.ID(),
				dimStyle.Render(fmt.Sprintf("%d candidates, %s (%s)",
					r.Candidates, action, r.Duration.Round(time.Second))))
		case engine.StatusCancelled:
			fmt.Printf("%s %s  %s\n",
				failStyle.Render("✗"), r.Scope.ID(),
				dimStyle.Render("cancelled before completion"+staleNote(prior, r.Scope.ID())))
		default:
			fmt.Printf("%s %s  %s\n",
				failStyle.Render("✗"), r.Scope.ID(),
				dimStyle.Render(fmt.Sprintf("failed: %v%s", r.Err, staleNote(prior, r.Scope.ID()))))
		}
	}
}

// staleNote tells the operator how old a broken scope's report now is.
func staleNote(prior map[string]report.Snapshot, scopeID string) string {
	snap, ok := prior[scopeID]
	if !ok {
		return "; never published"
	}
	when := time.Unix(snap.Timestamp, 0).UTC().Format("2006-01-02")
	return fmt.Sprintf("; last published %s (%d candidates)", when, snap.Candidates)
}
