package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/matrix"
	"riskline/internal/waterfall"
)

func historyCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "history <entity-id>",
		Short: "List versions, or the version in force at --at",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseDate(at)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.History(ctx, args[0], when)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Version", "At", "Status", "L", "I", "Score", "Reasons", "Actor"})
				for _, v := range items {
					score := "unscorable"
					if v.Score != nil {
						score = fmt.Sprintf("%d (%s)", v.Score.Rank, v.Score.Level)
					}
					tw.AppendRow(table.Row{
						v.Version.Version, formatTime(&v.CreatedAt), v.Snapshot.Status,
						formatInt(v.Snapshot.Likelihood), formatInt(v.Snapshot.Impact),
						score, reasons(v.Justifications), v.ActorID,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "point in time (YYYY-MM-DD or RFC3339)")
	return cmd
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <entity-id>",
		Short: "Show the audit log, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.AuditLog(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"At", "Action", "Target", "Changes", "Reasons", "Note", "Actor"})
				for _, a := range items {
					tw.AppendRow(table.Row{
						formatTime(&a.CreatedAt), a.Action, fmt.Sprintf("%s %s", a.TargetKind, a.TargetID),
						formatChanges(a.Changes), reasons(a.Justifications), a.Note, a.ActorID,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func waterfallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "waterfall <entity-id>",
		Short: "Show planned and actual score trajectories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Waterfall(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				for _, series := range []struct {
					title  string
					points []waterfall.Point
				}{{"Planned", w.Planned}, {"Actual", w.Actual}} {
					tw := newTable()
					tw.SetTitle(series.title)
					tw.AppendHeader(table.Row{"Date", "Rank", "Level", "L", "I", "Source", "Label"})
					for _, p := range series.points {
						label := p.Label
						if p.IsOriginal {
							label += " (original)"
						}
						tw.AppendRow(table.Row{formatTime(&p.Date), p.Rank, colorLevel(p.Level).Sprint(p.Level), p.Likelihood, p.Impact, p.Source, label})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func baselineCmd() *cobra.Command {
	base := &cobra.Command{
		Use:   "baseline",
		Short: "Inspect or repair original assessments",
		Long:  "The baseline is the likelihood and impact recorded by version 1. The cached original columns are only a copy; 'repair' rewrites them from version 1.",
	}
	base.AddCommand(&cobra.Command{
		Use:   "show <entity-id>",
		Short: "Show the baseline derived from version 1",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Baseline(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(o)
				}
				fmt.Printf("%s: likelihood %d, impact %d, rank %d (%s)\n", o.EntityID, o.Likelihood, o.Impact, o.Score.Rank, o.Score.Level)
				return nil
			})
		},
	})
	base.AddCommand(&cobra.Command{
		Use:   "repair",
		Short: "Rewrite cached originals from version 1 for every entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.RepairBaselines(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("scanned %d, repaired %d, skipped %d\n", rep.Scanned, rep.Repaired, rep.Skipped)
				if len(rep.Failed) > 0 {
					fmt.Println("no usable version 1:", strings.Join(rep.Failed, ", "))
				}
				return nil
			})
		},
	})
	return base
}

func backfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Write version 1 for entities and steps that have no version log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.BackfillMissingVersions(ctx, actorID(e.Config))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("backfilled %d entities, %d steps\n", rep.Entities, rep.Steps)
				return nil
			})
		},
	}
}

func matrixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "matrix",
		Short: "Print the 5x5 classification matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			cells := matrix.Grid()
			if viper.GetBool("json") {
				return printJSON(cells)
			}
			tw := newTable()
			tw.SetTitle("rank (level) by likelihood and impact")
			header := table.Row{"L \\ I"}
			for b := matrix.MinValue; b <= matrix.MaxValue; b++ {
				header = append(header, b)
			}
			tw.AppendHeader(header)
			for a := matrix.MaxValue; a >= matrix.MinValue; a-- {
				row := table.Row{a}
				for b := matrix.MinValue; b <= matrix.MaxValue; b++ {
					s := matrix.Classify(a, b)
					row = append(row, colorLevel(s.Level).Sprintf("%2d %s", s.Rank, s.Level))
				}
				tw.AppendRow(row)
			}
			tw.Render()
			return nil
		},
	}
}

func colorLevel(l matrix.Level) text.Colors {
	switch l {
	case matrix.High:
		return text.Colors{text.FgRed}
	case matrix.Moderate:
		return text.Colors{text.FgYellow}
	default:
		return text.Colors{text.FgGreen}
	}
}

func reasons(j domain.Justifications) string {
	var parts []string
	if j.LikelihoodReason != "" {
		parts = append(parts, "likelihood: "+j.LikelihoodReason)
	}
	if j.ImpactReason != "" {
		parts = append(parts, "impact: "+j.ImpactReason)
	}
	if j.StatusReason != "" {
		parts = append(parts, "status: "+j.StatusReason)
	}
	return strings.Join(parts, "\n")
}

func formatChanges(changes map[string]domain.FieldChange) string {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		c := changes[k]
		lines = append(lines, fmt.Sprintf("%s: %v -> %v", k, c.From, c.To))
	}
	return strings.Join(lines, "\n")
}
