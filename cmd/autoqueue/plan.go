package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/aristath/autoqueue/internal/graph"
	"github.com/aristath/autoqueue/internal/persistence"
	"github.com/aristath/autoqueue/internal/planner"
	"github.com/aristath/autoqueue/internal/taskfile"
	"github.com/aristath/autoqueue/internal/tui"
)

// errInvalidGraph is returned after the graph problems have been printed.
var errInvalidGraph = errors.New("task graph is invalid")

// planOutput is what plan prints in the machine formats.
type planOutput struct {
	Analysis graph.Analysis `json:"analysis"`
	Plan     planner.Result `json:"plan"`
}

func newPlanCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "plan <taskfile>",
		Short: "Validate a task file and print a resource-aware schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tf, err := taskfile.Load(args[0])
			if err != nil {
				return err
			}
			g, err := tf.Graph()
			if err != nil {
				return err
			}
			pc, err := tf.Context(time.Now())
			if err != nil {
				return err
			}

			analysis := g.Analyze()
			var res planner.Result
			if analysis.Validation.IsValid {
				res = planner.New(planner.WithLogger(a.logger)).Schedule(g, analysis, pc)
			}

			out := cmd.OutOrStdout()
			switch format {
			case "text", "":
				if !analysis.Validation.IsValid {
					printValidation(out, analysis.Validation)
					return errInvalidGraph
				}
				printPlan(out, analysis, res)
			default:
				f, err := persistence.ParseFormat(format)
				if err != nil {
					return err
				}
				if err := persistence.EncodeValue(out, planOutput{Analysis: analysis, Plan: res}, f); err != nil {
					return err
				}
				if !analysis.Validation.IsValid {
					return errInvalidGraph
				}
			}
			if !res.Success {
				return fmt.Errorf("%d tasks could not be scheduled", len(res.Errors))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, json, yaml)")
	return cmd
}

var (
	planHeading  = lipgloss.NewStyle().Bold(true).Underline(true)
	planCritical = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)
	planDim      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func printValidation(w io.Writer, v graph.ValidationResult) {
	fmt.Fprintln(w, tui.StyleStatusFailed.Render("Invalid task graph"))
	for _, e := range v.Errors {
		fmt.Fprintf(w, "  %s: %s\n", e.Type, e.Message)
	}
	for _, c := range v.CircularDependencies {
		fmt.Fprintf(w, "  cycle %s\n", strings.Join(c.Nodes, " -> "))
		for _, bp := range c.BreakingPoints {
			fmt.Fprintf(w, "    break %s -> %s (cost %.2f)\n", bp.From, bp.To, bp.Cost)
		}
	}
}

func printPlan(w io.Writer, a graph.Analysis, res planner.Result) {
	fmt.Fprintln(w, planHeading.Render("Schedule"))
	var origin time.Time
	if len(res.Schedule) > 0 {
		origin = res.Schedule[0].Start
		for _, e := range res.Schedule {
			if e.Start.Before(origin) {
				origin = e.Start
			}
		}
	}
	for _, e := range res.Schedule {
		id := e.TaskID
		if e.Critical {
			id = planCritical.Render(id)
		}
		fmt.Fprintf(w, "  %-24s %s  +%-10s %s\n", id,
			e.Start.Format("2006-01-02 15:04"), e.Start.Sub(origin), planDim.Render(e.End.Sub(e.Start).String()))
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s %s\n", tui.StyleStatusFailed.Render("✗"), e)
	}

	m := res.Metrics
	fmt.Fprintln(w)
	fmt.Fprintln(w, planHeading.Render("Metrics"))
	fmt.Fprintf(w, "  makespan       %s\n", m.Makespan)
	fmt.Fprintf(w, "  total work     %s\n", m.TotalWork)
	fmt.Fprintf(w, "  critical path  %s (%s)\n", m.CriticalPath, strings.Join(a.CriticalPath.Nodes, " -> "))
	fmt.Fprintf(w, "  parallelism    %.2f\n", m.ParallelismFactor)
	for _, id := range slices.Sorted(maps.Keys(m.ResourceUtilization)) {
		fmt.Fprintf(w, "  %-14s %.0f%%\n", id, m.ResourceUtilization[id]*100)
	}

	if len(res.Conflicts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, planHeading.Render("Conflicts"))
		for _, c := range res.Conflicts {
			fmt.Fprintf(w, "  %s waits %s for %s (held by %s)\n",
				c.TaskID, c.Delay, c.ResourceID, strings.Join(c.BlockedBy, ", "))
		}
	}
	if len(res.Recommendations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, planHeading.Render("Recommendations"))
		for _, r := range res.Recommendations {
			fmt.Fprintf(w, "  [%s] %s\n", r.Type, r.Description)
		}
	}
}
