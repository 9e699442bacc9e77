package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"broadcastd/internal/app"
	"broadcastd/internal/model"
	"broadcastd/internal/storage"
)

func newProgressCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <broadcast-id>",
		Short: "Show delivery counters and recent errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, app.ModeReadOnly, func(c context.Context, eng *app.Engine) error {
				p, err := eng.Broadcasts.Progress(c, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, p)
				}
				printProgress(cmd, p)
				return nil
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var by string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List broadcasts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := storage.ListFilter{CreatedBy: strings.TrimSpace(by), Limit: limit}
			for _, s := range statuses {
				st := model.Status(strings.ToUpper(strings.TrimSpace(s)))
				switch st {
				case model.StatusDraft, model.StatusScheduled, model.StatusSending, model.StatusCompleted, model.StatusCancelled:
					f.Statuses = append(f.Statuses, st)
				default:
					return fmt.Errorf("unknown status %q", s)
				}
			}
			return ctx.withEngine(cmd, app.ModeReadOnly, func(c context.Context, eng *app.Engine) error {
				list, err := eng.Broadcasts.List(c, f)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, list)
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No broadcasts")
					return nil
				}
				rows := make([][]string, 0, len(list))
				for _, b := range list {
					rows = append(rows, []string{
						b.ID,
						string(b.Status),
						string(b.TargetGroup),
						string(b.Channel),
						truncate(b.Message.Subject, 32),
						fmt.Sprintf("%d/%d", b.SentCount, b.TotalRecipients),
						strconv.Itoa(b.FailedCount),
						strconv.Itoa(b.SkippedCount),
						b.CreatedAt.Local().Format(time.DateTime),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Status", "Group", "Channel", "Subject", "Sent", "Failed", "Skipped", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable)")
	cmd.Flags().StringVar(&by, "by", "", "Filter by creator")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func newOutcomesCommand(ctx *commandContext) *cobra.Command {
	var only []string

	cmd := &cobra.Command{
		Use:   "outcomes <broadcast-id>",
		Short: "List per-recipient delivery outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]model.Outcome, 0, len(only))
			for _, o := range only {
				filter = append(filter, model.Outcome(strings.ToUpper(strings.TrimSpace(o))))
			}
			return ctx.withEngine(cmd, app.ModeReadOnly, func(c context.Context, eng *app.Engine) error {
				list, err := eng.Broadcasts.Outcomes(c, args[0], filter...)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, list)
				}
				rows := make([][]string, 0, len(list))
				for _, o := range list {
					msg := ""
					if o.ErrorMessage != nil {
						msg = truncate(*o.ErrorMessage, 60)
					}
					rows = append(rows, []string{
						o.RecipientID,
						string(o.Audience),
						string(o.Outcome),
						strconv.Itoa(o.Attempts),
						formatTime(o.ResolvedAt),
						msg,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Recipient", "Audience", "Outcome", "Attempts", "Resolved", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&only, "only", nil, "Only these outcomes, e.g. FAILED")
	return cmd
}

func newAuditCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <broadcast-id>",
		Short: "Show operator actions recorded for a broadcast",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, app.ModeReadOnly, func(c context.Context, eng *app.Engine) error {
				entries, err := eng.Broadcasts.Audit(c, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, entries)
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{e.At.Local().Format(time.DateTime), e.Actor, e.Action, e.Detail})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"At", "Actor", "Action", "Detail"}, rows, nil))
				return nil
			})
		},
	}
}

func printBroadcast(cmd *cobra.Command, b model.Broadcast) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Broadcast %s\n", b.ID)
	fmt.Fprintf(out, "  Status:   %s\n", b.Status)
	fmt.Fprintf(out, "  Group:    %s\n", b.TargetGroup)
	fmt.Fprintf(out, "  Channel:  %s (%s)\n", b.Channel, b.EventType)
	if b.ScheduledAt != nil {
		fmt.Fprintf(out, "  Schedule: %s\n", formatTime(b.ScheduledAt))
	}
}

func printProgress(cmd *cobra.Command, p model.Progress) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Broadcast %s: %s (%.1f%%)\n", p.BroadcastID, p.Status, p.ProgressPct)
	fmt.Fprintln(out, renderTable(
		[]string{"Total", "Sent", "Failed", "Skipped", "Pending"},
		[][]string{{
			strconv.Itoa(p.Total), strconv.Itoa(p.Sent), strconv.Itoa(p.Failed),
			strconv.Itoa(p.Skipped), strconv.Itoa(p.Pending),
		}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
	))
	if p.ErrorSummary.Total == 0 {
		return
	}

	reasons := make([]string, 0, len(p.ErrorSummary.ByReason))
	for r := range p.ErrorSummary.ByReason {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		return p.ErrorSummary.ByReason[reasons[i]] > p.ErrorSummary.ByReason[reasons[j]]
	})
	rows := make([][]string, 0, len(reasons))
	for _, r := range reasons {
		rows = append(rows, []string{truncate(r, 70), strconv.Itoa(p.ErrorSummary.ByReason[r])})
	}
	fmt.Fprintf(out, "Errors (%d):\n", p.ErrorSummary.Total)
	fmt.Fprintln(out, renderTable([]string{"Reason", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))

	if len(p.ErrorSummary.Recent) > 0 {
		recent := make([][]string, 0, len(p.ErrorSummary.Recent))
		for _, e := range p.ErrorSummary.Recent {
			recent = append(recent, []string{e.Timestamp.Local().Format(time.DateTime), e.RecipientID, truncate(e.Reason, 60)})
		}
		fmt.Fprintln(out, "Recent:")
		fmt.Fprintln(out, renderTable([]string{"At", "Recipient", "Reason"}, recent, nil))
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
