package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/repo"
)

func entityCmd() *cobra.Command {
	ent := &cobra.Command{
		Use:     "entity",
		Aliases: []string{"risk"},
		Short:   "Manage risks, issues and opportunities",
		Long:    "An entity is a risk (may happen), an issue (has happened; likelihood fixed at 5) or an opportunity. Likelihood or impact changes need --likelihood-reason/--impact-reason, and some statuses need --status-reason.",
	}
	ent.AddCommand(entityCreateCmd())
	ent.AddCommand(entityListCmd())
	ent.AddCommand(entityShowCmd())
	ent.AddCommand(entityUpdateCmd())
	ent.AddCommand(entityDeleteCmd())
	return ent
}

func entityCreateCmd() *cobra.Command {
	var opts engine.CreateEntityOptions
	var due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an entity; its first version becomes the baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Likelihood = intFlag(cmd, "likelihood")
			opts.Impact = intFlag(cmd, "impact")
			d, err := parseDate(due)
			if err != nil {
				return err
			}
			opts.DueDate = d
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = actorID(e.Config)
				v, err := e.CreateEntity(ctx, opts)
				if err != nil {
					return err
				}
				return printEntity(v)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "entity id (UUID if omitted)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "risk", "risk, issue or opportunity")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner")
	cmd.Flags().StringVar(&opts.Status, "status", "", "initial status (kind default if omitted)")
	cmd.Flags().StringVar(&opts.StatusReason, "status-reason", "", "reason for the initial status")
	cmd.Flags().Int("likelihood", 0, "likelihood 1-5 (omit for issues)")
	cmd.Flags().Int("impact", 0, "impact 1-5")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD or RFC3339)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func entityListCmd() *cobra.Command {
	var f repo.EntityFilters
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities with current and baseline scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind != "" {
				k, err := domain.ParseKind(kind)
				if err != nil {
					return err
				}
				f.Kind = k
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEntities(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Status", "L", "I", "Level", "Rank", "Baseline"})
				for _, v := range items {
					base := ""
					if v.OriginalScore != nil {
						base = fmt.Sprintf("%d (%s)", v.OriginalScore.Rank, v.OriginalScore.Level)
					}
					tw.AppendRow(table.Row{v.ID, v.Kind, v.Title, v.Status, v.Likelihood, v.Impact, v.Score.Level, v.Score.Rank, base})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Owner, "owner", "", "owner filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func entityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetEntity(ctx, args[0])
				if err != nil {
					return err
				}
				return printEntity(v)
			})
		},
	}
}

func entityUpdateCmd() *cobra.Command {
	var opts engine.UpdateEntityOptions
	var due string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an entity; appends a version and an audit entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.Title = stringFlag(cmd, "title")
			opts.Description = stringFlag(cmd, "description")
			opts.Category = stringFlag(cmd, "category")
			opts.Owner = stringFlag(cmd, "owner")
			opts.Status = stringFlag(cmd, "status")
			opts.Likelihood = intFlag(cmd, "likelihood")
			opts.Impact = intFlag(cmd, "impact")
			d, err := parseDate(due)
			if err != nil {
				return err
			}
			opts.DueDate = d
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = actorID(e.Config)
				v, err := e.UpdateEntity(ctx, opts)
				if err != nil {
					return err
				}
				return printEntity(v)
			})
		},
	}
	cmd.Flags().String("title", "", "title")
	cmd.Flags().String("description", "", "description")
	cmd.Flags().String("category", "", "category")
	cmd.Flags().String("owner", "", "owner")
	cmd.Flags().String("status", "", "status")
	cmd.Flags().Int("likelihood", 0, "likelihood 1-5")
	cmd.Flags().Int("impact", 0, "impact 1-5")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().BoolVar(&opts.ClearDueDate, "clear-due", false, "remove the due date")
	cmd.Flags().StringVar(&opts.Justifications.LikelihoodReason, "likelihood-reason", "", "why likelihood changed")
	cmd.Flags().StringVar(&opts.Justifications.ImpactReason, "impact-reason", "", "why impact changed")
	cmd.Flags().StringVar(&opts.Justifications.StatusReason, "status-reason", "", "why the status changed")
	return cmd
}

func entityDeleteCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an entity; its audit log is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteEntity(ctx, args[0], actorID(e.Config), note); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": args[0]})
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note stored with the audit entry")
	return cmd
}

func printEntity(v engine.EntityView) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", v.ID},
		{"Kind", v.Kind},
		{"Title", v.Title},
		{"Status", v.Status},
		{"Owner", v.Owner},
		{"Category", v.Category},
		{"Likelihood", v.Likelihood},
		{"Impact", v.Impact},
		{"Score", fmt.Sprintf("%d (%s)", v.Score.Rank, v.Score.Level)},
		{"Baseline", fmt.Sprintf("%s / %s", formatInt(v.OriginalLikelihood), formatInt(v.OriginalImpact))},
		{"Due", formatTime(v.DueDate)},
		{"Updated", formatTime(&v.UpdatedAt)},
	})
	tw.Render()
	return nil
}
