// Package main implements feedbackd, the CLI that consolidates agent
// feedback into guidance and manages its generations.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

var version = "dev"

// Flags shared by every command.
var (
	configPath   string
	agent        string
	category     string
	agentVersion string
	outputJSON   bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "feedbackd",
		Short: "Consolidate agent feedback into reusable guidance",
		Long: `feedbackd clusters raw feedback about an agent, synthesizes one guidance
item per cluster with an LLM, and manages CURRENT, PENDING and ARCHIVED
generations of the result.

Configuration is read from ~/.config/feedbackd/config.yaml and
FEEDBACKD_<SECTION>_<FIELD> environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/feedbackd/config.yaml)")
	root.PersistentFlags().StringVar(&agent, "agent", "", "agent the scope belongs to")
	root.PersistentFlags().StringVar(&category, "category", "", "restrict the scope to one category")
	root.PersistentFlags().StringVar(&agentVersion, "agent-version", "", "restrict the scope to one agent version")
	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "output results as JSON")

	root.AddCommand(
		newImportCmd(),
		newDismissCmd(),
		newAggregateCmd(),
		newListCmd(),
		newCountCmd(),
		newPendingCmd(),
		newUpgradeCmd(),
		newDowngradeCmd(),
		newStatusCmd(),
		newCancelCmd(),
	)
	return root
}

// scopeFromFlags builds the scope selected by --agent, --category and
// --agent-version.
func scopeFromFlags() (feedback.Scope, error) {
	scope := feedback.Scope{Agent: agent, Category: category, AgentVersion: agentVersion}
	if err := scope.Validate(); err != nil {
		return feedback.Scope{}, err
	}
	return scope, nil
}
