package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"riskline/internal/engine"
)

func stepCmd() *cobra.Command {
	step := &cobra.Command{
		Use:   "step",
		Short: "Manage mitigation, resolution and action plan steps",
		Long:  "Steps are ordered from 0. Each carries the expected likelihood/impact once it is done; 'complete' records what actually happened. Completed steps are locked unless steps.lock_completed is false.",
	}
	step.AddCommand(stepAddCmd())
	step.AddCommand(stepListCmd())
	step.AddCommand(stepUpdateCmd())
	step.AddCommand(stepCompleteCmd())
	step.AddCommand(stepDeleteCmd())
	step.AddCommand(stepReorderCmd())
	step.AddCommand(stepHistoryCmd())
	return step
}

func stepAddCmd() *cobra.Command {
	var opts engine.AddStepOptions
	var start, end string
	cmd := &cobra.Command{
		Use:   "add <entity-id>",
		Short: "Append a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.EntityID = args[0]
			opts.ExpectedLikelihood = intFlag(cmd, "expected-likelihood")
			opts.ExpectedImpact = intFlag(cmd, "expected-impact")
			var err error
			if opts.EstimatedStart, err = parseDate(start); err != nil {
				return err
			}
			if opts.EstimatedEnd, err = parseDate(end); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = actorID(e.Config)
				v, err := e.AddStep(ctx, opts)
				if err != nil {
					return err
				}
				return printSteps([]engine.StepView{v})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "step id (UUID if omitted)")
	cmd.Flags().StringVar(&opts.Action, "action", "", "what will be done")
	cmd.Flags().StringVar(&start, "start", "", "estimated start")
	cmd.Flags().StringVar(&end, "end", "", "estimated end")
	cmd.Flags().Int("expected-likelihood", 0, "expected likelihood after the step (omit for issues)")
	cmd.Flags().Int("expected-impact", 0, "expected impact after the step")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func stepListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <entity-id>",
		Short: "List steps in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSteps(ctx, args[0])
				if err != nil {
					return err
				}
				return printSteps(items)
			})
		},
	}
}

func stepUpdateCmd() *cobra.Command {
	var opts engine.UpdateStepOptions
	var start, end string
	cmd := &cobra.Command{
		Use:   "update <step-id>",
		Short: "Edit a step's plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.StepID = args[0]
			opts.Action = stringFlag(cmd, "action")
			opts.ExpectedLikelihood = intFlag(cmd, "expected-likelihood")
			opts.ExpectedImpact = intFlag(cmd, "expected-impact")
			var err error
			if opts.EstimatedStart, err = parseDate(start); err != nil {
				return err
			}
			if opts.EstimatedEnd, err = parseDate(end); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = actorID(e.Config)
				v, err := e.UpdateStep(ctx, opts)
				if err != nil {
					return err
				}
				return printSteps([]engine.StepView{v})
			})
		},
	}
	cmd.Flags().String("action", "", "what will be done")
	cmd.Flags().StringVar(&start, "start", "", "estimated start")
	cmd.Flags().StringVar(&end, "end", "", "estimated end")
	cmd.Flags().BoolVar(&opts.ClearEstimatedStart, "clear-start", false, "remove the estimated start")
	cmd.Flags().BoolVar(&opts.ClearEstimatedEnd, "clear-end", false, "remove the estimated end")
	cmd.Flags().Int("expected-likelihood", 0, "expected likelihood")
	cmd.Flags().Int("expected-impact", 0, "expected impact")
	return cmd
}

func stepCompleteCmd() *cobra.Command {
	var opts engine.CompleteStepOptions
	var at string
	cmd := &cobra.Command{
		Use:   "complete <step-id>",
		Short: "Record the actual outcome of a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.StepID = args[0]
			opts.ActualLikelihood = intFlag(cmd, "actual-likelihood")
			opts.ActualImpact = intFlag(cmd, "actual-impact")
			var err error
			if opts.CompletedAt, err = parseDate(at); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = actorID(e.Config)
				v, err := e.CompleteStep(ctx, opts)
				if err != nil {
					return err
				}
				return printSteps([]engine.StepView{v})
			})
		},
	}
	cmd.Flags().Int("actual-likelihood", 0, "actual likelihood (omit for issues)")
	cmd.Flags().Int("actual-impact", 0, "actual impact")
	cmd.Flags().StringVar(&at, "at", "", "completion time (now if omitted)")
	return cmd
}

func stepDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <step-id>",
		Short: "Delete a step and close the gap in the order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteStep(ctx, args[0], actorID(e.Config)); err != nil {
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
}

func stepReorderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <entity-id> <step-id>...",
		Short: "Set the step order; every step must be listed once",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ReorderSteps(ctx, args[0], args[1:], actorID(e.Config))
				if err != nil {
					return err
				}
				return printSteps(items)
			})
		},
	}
}

func stepHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <step-id>",
		Short: "List a step's versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.StepHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Version", "Seq", "Action", "Expected", "Actual", "Completed", "Actor", "At"})
				for _, v := range items {
					s := v.Snapshot
					tw.AppendRow(table.Row{
						v.Version, s.Sequence, s.Action,
						fmt.Sprintf("%d/%d", s.ExpectedLikelihood, s.ExpectedImpact),
						fmt.Sprintf("%s/%s", formatInt(s.ActualLikelihood), formatInt(s.ActualImpact)),
						formatTime(s.CompletedAt), v.ActorID, formatTime(&v.CreatedAt),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printSteps(items []engine.StepView) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Seq", "ID", "Action", "End", "Expected", "Actual", "Completed"})
	for _, v := range items {
		actual := ""
		if v.ActualScore != nil {
			actual = fmt.Sprintf("%d (%s)", v.ActualScore.Rank, v.ActualScore.Level)
		}
		tw.AppendRow(table.Row{
			v.Sequence, v.ID, v.Action, formatTime(v.PlannedDate()),
			fmt.Sprintf("%d (%s)", v.ExpectedScore.Rank, v.ExpectedScore.Level),
			actual, formatTime(v.CompletedAt),
		})
	}
	tw.Render()
	return nil
}
