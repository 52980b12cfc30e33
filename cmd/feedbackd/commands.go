package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/aggregation"
	"github.com/fyrsmithlabs/feedbackd/internal/consolidation"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/logging"
	"github.com/fyrsmithlabs/feedbackd/internal/operation"
)

// runWithApp loads the app, runs fn and closes the app.
func runWithApp(cmd *cobra.Command, withSynthesis bool, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, withSynthesis)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx = logging.WithLogger(ctx, a.logger)
	return fn(ctx, a)
}

// kindsFromFlag expands "all" to feedback then skill. Skills are built
// from CURRENT feedback, so feedback runs first.
func kindsFromFlag(kind string) ([]feedback.Kind, error) {
	if kind == "all" {
		return []feedback.Kind{feedback.KindFeedback, feedback.KindSkill}, nil
	}
	k := feedback.Kind(kind)
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return []feedback.Kind{k}, nil
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Import raw feedback from a JSON Lines file or stdin",
		Long: `Import raw feedback items, one JSON object per line.

Each line carries agent, category, agent_version, embedding and fields.
Ids are assigned on import. --agent fills in a missing agent.

Examples:
  feedbackd import feedback.jsonl
  cat feedback.jsonl | feedbackd import - --agent support-bot`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", args[0], err)
				}
				defer f.Close()
				in = f
			}
			items, err := readRawItems(in, agent)
			if err != nil {
				return err
			}
			return runWithApp(cmd, false, func(ctx context.Context, a *app) error {
				saved, err := a.store.AddRawItems(ctx, items)
				if err != nil {
					return fmt.Errorf("failed to import items: %w", err)
				}
				a.logger.Info(ctx, "raw items imported", zap.Int("count", len(saved)))
				return printImport(cmd.OutOrStdout(), saved)
			})
		},
	}
}

func newDismissCmd() *cobra.Command {
	var restore bool
	cmd := &cobra.Command{
		Use:   "dismiss <id>...",
		Short: "Exclude raw items from clustering",
		Long: `Dismiss raw items so later aggregation runs ignore them. --restore makes
them active again.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}
			status := feedback.RawDismissed
			if restore {
				status = feedback.RawActive
			}
			return runWithApp(cmd, false, func(ctx context.Context, a *app) error {
				for _, id := range ids {
					if err := a.store.SetRawStatus(ctx, id, status); err != nil {
						return fmt.Errorf("item %d: %w", id, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d item(s) set to %s\n", len(ids), status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&restore, "restore", false, "set items back to active")
	return cmd
}

func newAggregateCmd() *cobra.Command {
	var (
		kind  string
		rerun bool
		ifNew bool
		input string
	)
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Cluster feedback and synthesize CURRENT guidance",
		Long: `Run aggregation for a scope. Unchanged clusters are kept, changed clusters
are resynthesized and their predecessors archived.

Examples:
  # Incremental run for every category of an agent
  feedbackd aggregate --agent support-bot

  # Rebuild feedback and skills from scratch
  feedbackd aggregate --agent support-bot --kind all --rerun

  # Only run when new feedback arrived since the last run
  feedbackd aggregate --agent support-bot --if-new

  # One-shot run with the memory driver
  FEEDBACKD_STORAGE_DRIVER=memory feedbackd aggregate --agent support-bot --input feedback.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromFlags()
			if err != nil {
				return err
			}
			kinds, err := kindsFromFlag(kind)
			if err != nil {
				return err
			}
			var items []feedback.RawItem
			if input != "" {
				f, err := os.Open(input)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", input, err)
				}
				items, err = readRawItems(f, scope.Agent)
				f.Close()
				if err != nil {
					return err
				}
			}

			return runWithApp(cmd, true, func(ctx context.Context, a *app) error {
				ctx = logging.WithScope(ctx, scope.Key())
				if len(items) > 0 {
					if _, err := a.store.AddRawItems(ctx, items); err != nil {
						return fmt.Errorf("failed to import items: %w", err)
					}
				}

				// Skills are built from the feedback this batch writes, so a
				// queued feedback unit queues the skill unit too.
				var units []aggregation.Unit
				for _, k := range kinds {
					if ifNew && !(k == feedback.KindSkill && len(units) > 0) {
						n, err := a.service.NewItemCount(ctx, k, scope)
						if err != nil {
							return err
						}
						if n == 0 {
							a.logger.Info(ctx, "no new items since last run, skipping", zap.String("kind", string(k)))
							continue
						}
					}
					units = append(units, aggregation.Unit{Kind: k, Scope: scope})
				}
				if len(units) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no new items")
					return nil
				}
				state, err := a.service.RunBatch(ctx, aggregation.BatchRequest{
					Service: consolidation.ServiceAggregation,
					Scope:   consolidation.OperationScope(scope),
					Units:   units,
					Rerun:   rerun,
				})
				if err != nil {
					return err
				}
				return printState(cmd.OutOrStdout(), state)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "feedback", "feedback, skill or all")
	cmd.Flags().BoolVar(&rerun, "rerun", false, "archive everything in scope and rebuild")
	cmd.Flags().BoolVar(&ifNew, "if-new", false, "skip the run when no new items arrived")
	cmd.Flags().StringVar(&input, "input", "", "import a JSON Lines file before running")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		kind   string
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List consolidated items in a scope",
		Long: `List consolidated items of one kind and lifecycle status.

Examples:
  feedbackd list --agent support-bot
  feedbackd list --agent support-bot --kind skill --status PENDING --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromFlags()
			if err != nil {
				return err
			}
			k := feedback.Kind(kind)
			if err := k.Validate(); err != nil {
				return err
			}
			st := feedback.Status(strings.ToUpper(status))
			if err := st.Validate(); err != nil {
				return err
			}
			return runWithApp(cmd, false, func(ctx context.Context, a *app) error {
				items, err := a.store.ListConsolidated(ctx, k, scope, st)
				if err != nil {
					return err
				}
				return printItems(cmd.OutOrStdout(), items)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "feedback", "feedback or skill")
	cmd.Flags().StringVar(&status, "status", string(feedback.StatusCurrent), "CURRENT, PENDING, ARCHIVED or ARCHIVE_IN_PROGRESS")
	return cmd
}

func newCountCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count items that arrived since the last aggregation",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromFlags()
			if err != nil {
				return err
			}
			return runWithApp(cmd, false, func(ctx context.Context, a *app) error {
				n, err := a.service.NewItemCount(ctx, feedback.Kind(kind), scope)
				if err != nil {
					return err
				}
				if outputJSON {
					return writeJSON(cmd.OutOrStdout(), map[string]int{"new_items": n})
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "feedback", "feedback or skill")
	return cmd
}

func newPendingCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Generate a PENDING generation without touching CURRENT",
		Long: `Synthesize a complete new generation for the scope as PENDING. Review it,
then promote it with 'feedbackd upgrade'. A previous PENDING generation is
replaced once the new one is saved.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromFlags()
			if err != nil {
				return err
			}
			return runWithApp(cmd, true, func(ctx context.Context, a *app) error {
				state, err := a.service.GeneratePending(ctx, feedback.Kind(kind), scope)
				if err != nil {
					return err
				}
				return printState(cmd.OutOrStdout(), state)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "feedback", "feedback or skill")
	return cmd
}

func newUpgradeCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Promote PENDING to CURRENT and archive the old CURRENT",
		Long: `Upgrade deletes the ARCHIVED generation, archives CURRENT and promotes
PENDING, in that order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromFlags()
			if err != nil {
				return err
			}
			return runWithApp(cmd, false, func(ctx context.Context, a *app) error {
				res, err := a.service.Upgrade(ctx, feedback.Kind(kind), scope)
				if err != nil {
					return err
				}
				if outputJSON {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d, archived %d, promoted %d\n", res.Deleted, res.Archived, res.Promoted)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "feedback", "feedback or skill")
	return cmd
}

func newDowngradeCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "downgrade",
		Short: "Restore the ARCHIVED generation as CURRENT",
		Long: `Downgrade swaps CURRENT and ARCHIVED. An interrupted downgrade is finished
on the next call.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromFlags()
			if err != nil {
				return err
			}
			return runWithApp(cmd, false, func(ctx context.Context, a *app) error {
				res, err := a.service.Downgrade(ctx, feedback.Kind(kind), scope)
				if err != nil {
					return err
				}
				if outputJSON {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "demoted %d, restored %d", res.Demoted, res.Restored)
				if res.Resumed {
					fmt.Fprint(cmd.OutOrStdout(), " (resumed interrupted downgrade)")
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "feedback", "feedback or skill")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the batch operation for a scope",
		Long: `Show the operation document for --service and the agent. Operations
are tracked per agent whatever category or version they ran over. An
operation that has been IN_PROGRESS longer than aggregation.stale_after is
reported as FAILED.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromFlags()
			if err != nil {
				return err
			}
			return runWithApp(cmd, false, func(ctx context.Context, a *app) error {
				state, err := a.service.GetOperationStatus(ctx, service, consolidation.OperationScope(scope))
				if errors.Is(err, operation.ErrNoOperation) {
					fmt.Fprintln(cmd.OutOrStdout(), "no operation recorded")
					return nil
				}
				if err != nil {
					return err
				}
				return printState(cmd.OutOrStdout(), state)
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", consolidation.ServiceAggregation, "aggregation or pending")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Ask a running batch to stop after its current unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromFlags()
			if err != nil {
				return err
			}
			return runWithApp(cmd, false, func(ctx context.Context, a *app) error {
				ok, err := a.service.RequestCancel(ctx, service, consolidation.OperationScope(scope))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "no operation in progress")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cancellation requested")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", consolidation.ServiceAggregation, "aggregation or pending")
	return cmd
}
