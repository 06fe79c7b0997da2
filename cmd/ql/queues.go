package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"queueline/internal/config"
	"queueline/internal/domain"
	"queueline/internal/engine"
	"queueline/internal/reconcile"
	"queueline/internal/repo"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive queues",
	}
	cmd.AddCommand(queueShowCmd())
	cmd.AddCommand(queueNextCmd())
	cmd.AddCommand(queueCallNextCmd())
	cmd.AddCommand(queueRecalcCmd())
	return cmd
}

func queueRef(e engine.Engine, queueID string) domain.QueueRef {
	return domain.QueueRef{TenantID: tenantOf(e), QueueID: queueID}
}

func queueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <queue_id>",
		Short: "Show the active tickets of a queue by position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				board, err := e.Board(ctx, queueRef(e, args[0]))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(board)
				}
				tickets := make([]domain.Ticket, 0, len(board))
				waits := make(map[string]int, len(board))
				for _, entry := range board {
					tickets = append(tickets, entry.Ticket)
					waits[entry.ID] = entry.EstimatedWaitTime
				}
				renderTickets(tickets, waits)
				return nil
			})
		},
	}
}

func queueNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next <queue_id>",
		Short: "Show the ticket that would be called next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.NextTicket(ctx, queueRef(e, args[0]))
				if err != nil {
					return err
				}
				return printTicket(ctx, e, t)
			})
		},
	}
}

func queueCallNextCmd() *cobra.Command {
	var counterID, clerkID string
	cmd := &cobra.Command{
		Use:   "call-next <queue_id>",
		Short: "Call the next waiting ticket to a counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CallNext(ctx, queueRef(e, args[0]), counterID, clerkID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printTicket(ctx, e, t)
			})
		},
	}
	cmd.Flags().StringVar(&counterID, "counter", "", "counter id")
	cmd.Flags().StringVar(&clerkID, "clerk", "", "clerk id")
	return cmd
}

func queueRecalcCmd() *cobra.Command {
	var all bool
	var exclude string
	cmd := &cobra.Command{
		Use:   "recalc [queue_id]",
		Short: "Re-rank a queue and rewrite positions that drifted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("queue id required unless --all is set")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if all {
					sweep := reconcile.Sweeper{Queues: tenantQueues{Repo: e.Repo, TenantID: tenantOf(e)}, Engine: e, Logger: e.Logger}
					changed, err := sweep.Run(ctx)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{"tenant_id": tenantOf(e), "changed": changed})
				}
				q := queueRef(e, args[0])
				changed, err := e.RecalculatePositions(ctx, q, exclude, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"tenant_id": q.TenantID, "queue_id": q.QueueID, "changed": changed})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "recalculate every queue of the tenant holding active tickets")
	cmd.Flags().StringVar(&exclude, "exclude", "", "ticket id left out of the ranking")
	return cmd
}

// tenantQueues narrows the active queue listing to one tenant.
type tenantQueues struct {
	Repo     repo.Repo
	TenantID string
}

func (q tenantQueues) ActiveQueues(ctx context.Context) ([]domain.QueueRef, error) {
	all, err := q.Repo.ActiveQueues(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.QueueRef
	for _, ref := range all {
		if ref.TenantID == q.TenantID {
			out = append(out, ref)
		}
	}
	return out, nil
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every ticket change and position move, newest first.",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.TenantID = tenantOf(e)
				events, err := e.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Queue", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.QueueID, evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.QueueID, "queue", "", "queue filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "queueline.yml holds the tenant, the default service time, the database, notification sinks, the reconcile schedule and webhooks.",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configInitCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate queueline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default queueline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			tenantID := viper.GetString("tenant")
			if tenantID == "" {
				tenantID = "default"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(tenantID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
}
