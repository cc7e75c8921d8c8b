package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/service"
	"github.com/spf13/cobra"
)

// EnqueueCmd returns the enqueue command.
func EnqueueCmd(g *globals) *cobra.Command {
	var (
		priority   string
		origin     string
		executor   string
		maxRetries int
		estimateMB int
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue [task description]",
		Short: "Defer a task and print its promise ID",
		Long: `Persist a pending promise. A running "promised serve" against the same
database picks it up on its next poll.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := service.EnqueueRequest{
				TaskDescription: strings.Join(args, " "),
				Priority:        priority,
				Origin:          origin,
				Executor:        executor,
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			if cmd.Flags().Changed("estimate-mb") {
				req.ResourceEstimateMB = &estimateMB
			}

			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			id, err := a.Service().Enqueue(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("failed to enqueue: %w", err)
			}

			out := cmd.OutOrStdout()
			if quiet {
				fmt.Fprintln(out, id)
				return nil
			}
			fmt.Fprintf(out, "✓ Enqueued promise %s\n", id)
			fmt.Fprintf(out, "  Priority: %s\n", priorityLabel(domain.Priority(strings.ToLower(priority))))
			fmt.Fprintf(out, "  Origin:   %s\n", origin)
			return nil
		},
	}
	cmd.Flags().StringVarP(&priority, "priority", "p", string(domain.PriorityMedium), "critical, high, medium or low")
	cmd.Flags().StringVarP(&origin, "origin", "o", "cli", "conversation or producer that receives the result")
	cmd.Flags().StringVarP(&executor, "executor", "e", "", "executor name (default: configured default)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retries after the first failure (default: configured default)")
	cmd.Flags().IntVar(&estimateMB, "estimate-mb", 0, "advisory memory estimate in MB")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the promise ID")
	return cmd
}

// StatusCmd returns the status command.
func StatusCmd(g *globals) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status [promise-id]",
		Short: "Show a promise and its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid promise id %q", args[0])
			}

			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			p, err := a.Service().GetStatus(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(p)
			}
			printPromise(out, p)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the promise as JSON")
	return cmd
}

// CancelCmd returns the cancel command.
func CancelCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [promise-id]",
		Short: "Cancel a pending promise or request cancellation of a running one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid promise id %q", args[0])
			}

			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			accepted, err := a.Service().Cancel(cmd.Context(), id)
			if err != nil {
				return err
			}
			p, err := a.Service().GetStatus(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case !accepted:
				fmt.Fprintf(out, "Promise %s is already %s; nothing to cancel\n", id, statusLabel(p.Status))
			case p.Status == domain.StatusRunning:
				fmt.Fprintf(out, "✓ Cancellation requested for running promise %s\n", id)
			default:
				fmt.Fprintf(out, "✓ Cancelled promise %s\n", id)
			}
			return nil
		},
	}
}

// ListCmd returns the list command.
func ListCmd(g *globals) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List promises in a lifecycle state",
		Long:  "List promises. Pending promises are shown in the order workers will claim them.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseStatus(status)
			if err != nil {
				return err
			}

			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			promises, err := a.Service().List(cmd.Context(), st, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(promises) == 0 {
				fmt.Fprintf(out, "No %s promises\n", st)
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPRIORITY\tSTATUS\tRETRIES\tAGE\tTASK")
			fmt.Fprintln(w, "--\t--------\t------\t-------\t---\t----")
			now := time.Now()
			for _, p := range promises {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					p.ID,
					priorityLabel(p.Priority),
					statusLabel(p.Status),
					p.RetryCount, p.MaxRetries,
					p.WaitTime(now).Truncate(time.Second),
					truncate(p.TaskDescription, 48))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", string(domain.StatusPending), "pending, running, completed, failed or cancelled")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of promises to show")
	return cmd
}

func printPromise(out io.Writer, p *domain.Promise) {
	fmt.Fprintf(out, "Promise %s [%s]\n", p.ID, statusLabel(p.Status))
	fmt.Fprintf(out, "  Priority: %s\n", priorityLabel(p.Priority))
	fmt.Fprintf(out, "  Origin:   %s\n", p.Origin)
	if p.Executor != "" {
		fmt.Fprintf(out, "  Executor: %s\n", p.Executor)
	}
	fmt.Fprintf(out, "  Retries:  %d/%d\n", p.RetryCount, p.MaxRetries)
	fmt.Fprintf(out, "  Created:  %s\n", p.CreatedAt.Format(time.RFC3339))
	if p.CompletedAt != nil {
		fmt.Fprintf(out, "  Finished: %s\n", p.CompletedAt.Format(time.RFC3339))
	}
	if p.CancelRequested {
		fmt.Fprintf(out, "  %s\n", color.New(color.FgYellow).Sprint("cancellation requested"))
	}
	fmt.Fprintf(out, "  Task:     %s\n", p.TaskDescription)
	if p.ResultSummary != "" {
		fmt.Fprintf(out, "  Result:\n%s\n", indent(p.ResultSummary))
	}
	if p.ErrorDetail != "" {
		fmt.Fprintf(out, "  Error:    %s\n", color.New(color.FgRed).Sprint(p.ErrorDetail))
	}
}

func statusLabel(s domain.Status) string {
	switch s {
	case domain.StatusCompleted:
		return color.New(color.FgGreen).Sprint(s)
	case domain.StatusFailed:
		return color.New(color.FgRed).Sprint(s)
	case domain.StatusCancelled:
		return color.New(color.FgHiBlack).Sprint(s)
	case domain.StatusRunning:
		return color.New(color.FgCyan).Sprint(s)
	default:
		return color.New(color.FgYellow).Sprint(s)
	}
}

func priorityLabel(p domain.Priority) string {
	switch p {
	case domain.PriorityCritical:
		return color.New(color.FgHiRed, color.Bold).Sprint(p)
	case domain.PriorityHigh:
		return color.New(color.FgHiMagenta).Sprint(p)
	default:
		return string(p)
	}
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}
