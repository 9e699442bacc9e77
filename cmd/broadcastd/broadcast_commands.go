package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"broadcastd/internal/app"
	"broadcastd/internal/broadcast"
	"broadcastd/internal/model"
)

type createFlags struct {
	group          string
	classes        []string
	ids            []string
	includeParents bool
	subject        string
	body           string
	bodyFile       string
	channel        string
	event          string
	at             string
	by             string
}

func (f *createFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.group, "group", "g", "", "Target group: ALL, STUDENTS, TEACHERS, TUTORS, PARENTS or CUSTOM")
	fs.StringSliceVar(&f.classes, "class", nil, "Only recipients enrolled in (or teaching) these classes")
	fs.StringSliceVar(&f.ids, "ids", nil, "Explicit recipient ids (required for CUSTOM)")
	fs.BoolVar(&f.includeParents, "include-parents", false, "Also notify the parents of resolved students")
	fs.StringVarP(&f.subject, "subject", "s", "", "Message subject")
	fs.StringVarP(&f.body, "body", "b", "", "Message body")
	fs.StringVar(&f.bodyFile, "body-file", "", "Read the message body from a file ('-' for stdin)")
	fs.StringVar(&f.channel, "channel", string(model.ChannelInApp), "Delivery channel: inapp, email or telegram")
	fs.StringVar(&f.event, "event", string(model.EventAnnouncement), "Event type: announcement, feedback or reminder")
	fs.StringVar(&f.at, "at", "", "Schedule time (RFC3339 or 'YYYY-MM-DD HH:MM' in the configured timezone)")
	fs.StringVar(&f.by, "by", "", "Creator id (defaults to --actor)")
}

func (f *createFlags) request(c *commandContext) (broadcast.CreateRequest, error) {
	body := f.body
	if f.bodyFile != "" {
		var (
			b   []byte
			err error
		)
		if f.bodyFile == "-" {
			b, err = io.ReadAll(os.Stdin)
		} else {
			b, err = os.ReadFile(f.bodyFile)
		}
		if err != nil {
			return broadcast.CreateRequest{}, fmt.Errorf("read body: %w", err)
		}
		body = string(b)
	}

	filter := model.Filter{}
	if len(f.classes) > 0 {
		filter["classes"] = f.classes
	}
	if len(f.ids) > 0 {
		filter["ids"] = f.ids
	}
	if f.includeParents {
		filter["include_parents"] = true
	}

	by := strings.TrimSpace(f.by)
	if by == "" {
		by = strings.TrimSpace(*c.actorFlag)
	}

	req := broadcast.CreateRequest{
		CreatedBy:    by,
		TargetGroup:  model.TargetGroup(f.group),
		TargetFilter: filter,
		Message:      model.Message{Subject: f.subject, Body: body},
		Channel:      model.Channel(strings.ToLower(strings.TrimSpace(f.channel))),
		EventType:    model.EventType(strings.ToLower(strings.TrimSpace(f.event))),
	}
	if strings.TrimSpace(f.at) != "" {
		cfg, _ := c.ensureConfig()
		tz := ""
		if cfg != nil {
			tz = cfg.Timezone
		}
		at, err := parseScheduleTime(f.at, tz)
		if err != nil {
			return broadcast.CreateRequest{}, err
		}
		req.ScheduledAt = &at
	}
	return req, nil
}

func parseScheduleTime(raw, tz string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	loc := time.Local
	if tz = strings.TrimSpace(tz); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("timezone: %w", err)
		}
		loc = l
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: want RFC3339 or 'YYYY-MM-DD HH:MM'", raw)
	}
	return t, nil
}

func newCreateCommand(ctx *commandContext) *cobra.Command {
	var f createFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a broadcast (DRAFT, or SCHEDULED with --at)",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(ctx)
			if err != nil {
				return err
			}
			return ctx.withEngine(cmd, app.ModeReadOnly, func(c context.Context, eng *app.Engine) error {
				b, err := eng.Broadcasts.Create(c, req)
				if err != nil {
					return describeError(err)
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, b)
				}
				printBroadcast(cmd, b)
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newSendCommand(ctx *commandContext) *cobra.Command {
	var f createFlags
	var noWait bool
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Create and start a broadcast, then follow it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(ctx)
			if err != nil {
				return err
			}
			if req.ScheduledAt != nil {
				return errors.New("send starts immediately; use create --at to schedule")
			}
			return ctx.withEngine(cmd, app.ModeAuto, func(c context.Context, eng *app.Engine) error {
				b, err := eng.Broadcasts.Create(c, req)
				if err != nil {
					return describeError(err)
				}
				if err := eng.Broadcasts.Start(c, b.ID); err != nil {
					return describeError(err)
				}
				return followBroadcast(c, cmd, ctx, eng, b.ID, !noWait)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return after handing off to a running daemon")
	return cmd
}

func newStartCommand(ctx *commandContext) *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "start <broadcast-id>",
		Short: "Start a DRAFT or SCHEDULED broadcast now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, app.ModeAuto, func(c context.Context, eng *app.Engine) error {
				if err := eng.Broadcasts.Start(c, args[0]); err != nil {
					return describeError(err)
				}
				return followBroadcast(c, cmd, ctx, eng, args[0], !noWait)
			})
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return after handing off to a running daemon")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <broadcast-id>",
		Short: "Cancel a broadcast; undelivered recipients become SKIPPED_CANCELLED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, app.ModeReadOnly, func(c context.Context, eng *app.Engine) error {
				res, err := eng.Broadcasts.Cancel(c, args[0])
				if err != nil {
					return describeError(err)
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{
						"broadcast_id": args[0],
						"cancelled_at": res.CancelledAt,
						"skipped":      res.Skipped,
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Broadcast %s cancelled at %s (%d recipients skipped)\n",
					args[0], res.CancelledAt.Local().Format(time.DateTime), res.Skipped)
				return nil
			})
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "retry <broadcast-id>",
		Short: "Re-send to the FAILED recipients of a completed broadcast",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, app.ModeAuto, func(c context.Context, eng *app.Engine) error {
				res, err := eng.Broadcasts.RetryFailed(c, args[0])
				if err != nil {
					return describeError(err)
				}
				if !ctx.jsonOutput() {
					fmt.Fprintf(cmd.OutOrStdout(), "Retrying %d failed recipients (task %s)\n", res.RetriedCount, res.TaskHandle)
				}
				return followBroadcast(c, cmd, ctx, eng, args[0], !noWait)
			})
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return after handing off to a running daemon")
	return cmd
}

// followBroadcast waits for a started broadcast and prints its final progress.
// A local pool always waits; a handoff waits unless wait is false.
func followBroadcast(ctx context.Context, cmd *cobra.Command, cc *commandContext, eng *app.Engine, id string, wait bool) error {
	if !eng.Dispatching() {
		fmt.Fprintf(cmd.ErrOrStderr(), "Daemon is running; broadcast %s handed off for delivery\n", id)
		if !wait {
			return nil
		}
	}
	report := func(p model.Progress) {
		fmt.Fprintf(cmd.ErrOrStderr(), "  %5.1f%%  sent=%d failed=%d skipped=%d pending=%d\n",
			p.ProgressPct, p.Sent, p.Failed, p.Skipped, p.Pending)
	}
	if cc.jsonOutput() {
		report = nil
	}
	if _, err := eng.Wait(ctx, id, time.Second, report); err != nil {
		if errors.Is(err, context.Canceled) && eng.Dispatching() {
			fmt.Fprintf(cmd.ErrOrStderr(), "Interrupted; remaining recipients of %s stay pending until the daemon resumes them\n", id)
		}
		return err
	}
	p, err := eng.Broadcasts.Progress(ctx, id)
	if err != nil {
		return describeError(err)
	}
	if cc.jsonOutput() {
		return writeJSON(cmd, p)
	}
	printProgress(cmd, p)
	return nil
}

// describeError flattens validation problems into one readable error.
func describeError(err error) error {
	var ve *broadcast.ValidationError
	if errors.As(err, &ve) && len(ve.Problems) > 0 {
		return fmt.Errorf("invalid broadcast:\n  - %s", strings.Join(ve.Problems, "\n  - "))
	}
	return err
}
