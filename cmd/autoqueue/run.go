package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/aristath/autoqueue/internal/graph"
	"github.com/aristath/autoqueue/internal/task"
	"github.com/aristath/autoqueue/internal/taskfile"
	"github.com/aristath/autoqueue/internal/tui"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		withTUI   bool
		storePath string
		restore   bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <taskfile>",
		Short: "Run every task in a task file until the queue drains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tf, err := taskfile.Load(args[0])
			if err != nil {
				return err
			}
			pool, err := tf.Pool()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := newStack(ctx, a.cfg, a.logger, pool, storePath)
			if err != nil {
				return err
			}
			if restore {
				if err := s.restore(ctx); err != nil {
					_ = s.close(ctx)
					return err
				}
			}

			// Quitting the dashboard early stops the wait below.
			waitCtx, stopWait := context.WithCancel(ctx)
			defer stopWait()

			// The dashboard subscribes before anything is published.
			var prog *tea.Program
			progDone := make(chan error, 1)
			if withTUI {
				model := tui.New(s.bus, s.queue, a.cfg, a.globalPath, a.projectPath)
				prog = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
				go func() {
					_, err := prog.Run()
					progDone <- err
					stopWait()
				}()
			}

			if err := s.start(ctx); err != nil {
				if prog != nil {
					prog.Quit()
					<-progDone
				}
				_ = s.close(ctx)
				return err
			}
			for _, spec := range tf.Specs() {
				_, err := s.queue.Submit(spec)
				switch {
				case errors.Is(err, graph.ErrDuplicate):
					// Already restored from the snapshot.
					a.logger.Debug("task already queued", "task", spec.ID)
				case err != nil:
					a.logger.Error("submit failed", "task", spec.ID, "error", err)
				}
			}

			waitErr := s.queue.Wait(waitCtx)
			if prog != nil {
				if waitErr == nil {
					// Leave the final state on screen until the user quits.
					prog.Send(tui.DoneMsg{})
				} else {
					prog.Quit()
				}
				if err := <-progDone; err != nil {
					a.logger.Warn("dashboard exited", "error", err)
				}
			}

			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			defer cancel()
			failed := s.failed()
			all := s.queue.AllTasks()
			closeErr := s.close(closeCtx)

			printSummary(cmd.OutOrStdout(), all)
			if waitErr != nil {
				return fmt.Errorf("interrupted: %w", waitErr)
			}
			if closeErr != nil {
				return closeErr
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d tasks did not complete", len(failed), len(all))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withTUI, "tui", false, "Show the live dashboard")
	cmd.Flags().StringVar(&storePath, "store", "", "SQLite file for snapshots and the task journal (overrides store.path)")
	cmd.Flags().BoolVar(&restore, "restore", false, "Restore the latest snapshot from the store before submitting")
	cmd.Flags().DurationVar(&timeout, "shutdown-timeout", 30*time.Second, "How long running tasks get to finish on exit")
	return cmd
}

var (
	summaryTitle = lipgloss.NewStyle().Bold(true)
	summaryDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// printSummary writes one line per task and the totals by status.
func printSummary(w io.Writer, tasks []*task.Task) {
	counts := make(map[task.Status]int)
	fmt.Fprintln(w, summaryTitle.Render("Results"))
	for _, t := range tasks {
		counts[t.Status]++
		line := fmt.Sprintf("%s %-24s %-11s", tui.StatusIcon(t.Status), t.ID, t.Status)
		if t.ActualDuration > 0 {
			line += " " + t.ActualDuration.Round(time.Millisecond).String()
		}
		if t.RetryCount > 0 {
			line += summaryDim.Render(fmt.Sprintf(" (%d retries)", t.RetryCount))
		}
		if t.FailureReason != "" {
			line += " " + tui.StyleStatusFailed.Render(t.FailureReason)
		}
		fmt.Fprintln(w, line)
	}

	var parts []string
	for _, s := range []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusBlocked, task.StatusCancelled} {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "nothing ran")
	}
	fmt.Fprintln(w, summaryDim.Render(strings.Join(parts, ", ")))
}
