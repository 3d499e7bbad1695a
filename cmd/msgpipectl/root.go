package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"msgpipe/internal/config"
	"msgpipe/internal/domain"
	"msgpipe/internal/logging"
	"msgpipe/internal/outbox"
	"msgpipe/internal/service"
	"msgpipe/internal/store"
	"msgpipe/internal/store/pg"
	"msgpipe/internal/util"
)

// app holds what every command needs once the store is open.
type app struct {
	open  func(ctx context.Context) (store.Store, func(), error)
	store store.Store
	close func()
	out   io.Writer
}

func openPostgres(ctx context.Context) (store.Store, func(), error) {
	cfg, err := config.LoadCLI()
	if err != nil {
		return nil, nil, err
	}
	logging.Init("msgpipectl", cfg.LogFormat, cfg.LogLevel)
	util.DefaultRegion = cfg.DefaultPhoneRegion

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: 2, PingTimeout: 3 * time.Second})
	if err != nil {
		return nil, nil, err
	}
	return pg.New(db), db.Close, nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "msgpipectl",
		Short:         "Operate the msgpipe messaging pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.out == nil {
				a.out = cmd.OutOrStdout()
			}
			if a.store != nil {
				return nil
			}
			st, closeFn, err := a.open(cmd.Context())
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			a.store, a.close = st, closeFn
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.close != nil {
				a.close()
			}
		},
	}

	root.AddCommand(
		newOutboxCmd(a),
		newReminderCmd(a),
		newProviderCmd(a),
		newStatusCmd(a),
		newMessageCmd(a),
	)
	return root
}

func (a *app) messaging() *service.Messaging {
	return service.NewMessaging(a.store, outbox.New(a.store))
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newOutboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Inspect the outbox"}
	cmd.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "Count tasks that are due now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := outbox.New(a.store).Pending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%d\n", n)
			return nil
		},
	})
	return cmd
}

func newReminderCmd(a *app) *cobra.Command {
	var (
		task domain.ReminderTask
		in   time.Duration
		at   string
	)
	schedule := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule or move a reminder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var when *time.Time
			switch {
			case at != "":
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				when = &t
			case in > 0:
				t := time.Now().Add(in)
				when = &t
			}
			id, err := a.messaging().ScheduleReminder(cmd.Context(), task, when)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, id)
			return nil
		},
	}
	f := schedule.Flags()
	f.StringVar(&task.TaskID, "task-id", "", "reminder id; scheduling it again moves the pending reminder")
	f.StringVar(&task.ContactID, "contact", "", "contact id")
	f.StringVar((*string)(&task.Channel), "channel", string(domain.ChannelSMS), "channel")
	f.StringVar(&task.Body, "body", "", "message text")
	f.DurationVar(&in, "in", 0, "fire after this delay")
	f.StringVar(&at, "at", "", "fire at this RFC3339 time")
	_ = schedule.MarkFlagRequired("task-id")
	_ = schedule.MarkFlagRequired("contact")
	_ = schedule.MarkFlagRequired("body")
	schedule.MarkFlagsMutuallyExclusive("in", "at")

	cmd := &cobra.Command{Use: "reminder", Short: "Manage reminders"}
	cmd.AddCommand(schedule)
	return cmd
}

func newProviderCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "provider", Short: "Inspect providers"}
	cmd.AddCommand(&cobra.Command{
		Use:   "health <provider>",
		Short: "Show a provider's health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h := &service.Health{Store: a.store}
			report, err := h.Report(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(report)
		},
	})
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "status", Short: "Apply delivery statuses"}
	cmd.AddCommand(&cobra.Command{
		Use:   "ingest <provider> <provider-message-id> <status>",
		Short: "Apply a provider status as if its callback had arrived",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := &service.Reconciler{Store: a.store}
			outcome, err := r.IngestDeliveryStatus(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, outcome)
			return nil
		},
	})
	return cmd
}

func newMessageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "message", Short: "Inspect messages"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a message and its delivery events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := a.messaging().GetMessage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			m := view.Message
			fmt.Fprintf(a.out, "%s %s %s %s provider=%s id=%s\n", m.ID, m.Direction, m.Channel, m.DeliveryStatus, m.Provider, m.ProviderMessageID)
			for _, e := range view.Events {
				fmt.Fprintf(a.out, "  %s %s %s\n", e.OccurredAt.Format(time.RFC3339), e.Status, e.Detail)
			}
			return nil
		},
	})
	return cmd
}
