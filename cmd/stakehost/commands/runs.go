package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stakehost/stakehost/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded process runs",
	}
	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsAuditCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		process string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Example: `  stakehost runs list
  stakehost runs list --process install --limit 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var filter *string
			if process != "" {
				filter = &process
			}
			runs, err := a.db.ListRuns(ctx, filter, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "ID\tPROCESS\tSTATUS\tSTEP\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					r.ID, r.Process, r.Status, r.CurrentStep, r.StepCount,
					r.StartedAt.Local().Format(time.DateTime), runDuration(r))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&process, "process", "p", "", "only runs of this process")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	return cmd
}

func newRunsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.db.GetRun(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return err
			}
			events, err := a.db.ListRunEvents(ctx, run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(out, map[string]any{"run": run, "events": events})
			}

			fmt.Fprintf(out, "Run:      %s\n", run.ID)
			fmt.Fprintf(out, "Process:  %s\n", run.Process)
			fmt.Fprintf(out, "Status:   %s\n", run.Status)
			fmt.Fprintf(out, "Started:  %s\n", run.StartedAt.Local().Format(time.DateTime))
			fmt.Fprintf(out, "Duration: %s\n", runDuration(run))
			if run.DisplayMessage != nil {
				fmt.Fprintf(out, "Message:  %s\n", *run.DisplayMessage)
			}
			if run.Error != nil {
				fmt.Fprintf(out, "Error:    %s\n", *run.Error)
			}

			fmt.Fprintln(out)
			tw := newTable(out)
			fmt.Fprintln(tw, "TIME\tSTEP\tEVENT\tOPERATION\tDETAIL")
			for _, e := range events {
				op := "-"
				if e.Operation != nil {
					op = *e.Operation
				}
				detail := ""
				switch {
				case e.Error != nil:
					detail = *e.Error
				case e.Message != nil:
					detail = *e.Message
				}
				kind := e.Kind
				if e.Fallback {
					kind += " (fallback)"
				}
				fmt.Fprintf(tw, "%s\t%d/%d\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.TimeOnly), e.Step, e.Total, kind, op, detail)
			}
			return tw.Flush()
		},
	}
	return cmd
}

func newRunsAuditCommand() *cobra.Command {
	var (
		action string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var filter *string
			if action != "" {
				filter = &action
			}
			entries, err := a.db.ListAuditEntries(ctx, filter, nil, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(out, entries)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tTARGET")
			for _, e := range entries {
				target := "-"
				if e.TargetID != nil {
					target = *e.TargetID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.DateTime), e.Action, orDash(e.Actor), target)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only entries with this action")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of entries")
	return cmd
}

func runDuration(r *stores.Run) string {
	if r.CompletedAt == nil {
		if r.Status.IsTerminal() {
			return "-"
		}
		return time.Since(r.StartedAt).Round(time.Second).String() + " (running)"
	}
	return r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}
