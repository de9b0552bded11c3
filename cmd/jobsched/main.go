package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"jobsched/internal/app"
	"jobsched/internal/config"
	"jobsched/internal/task/trigger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "jobsched",
		Short:         "In-process job scheduler with cron and interval triggers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./jobsched.yaml", "path to config file (yaml or json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the scheduler until SIGINT or SIGTERM",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), cfgPath)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the config file and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.NewConfigManager(cfgPath).Load()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d jobs)\n", cfgPath, len(cfg.Jobs))
				return nil
			},
		},
		newNextCmd(),
	)
	return root
}

func newNextCmd() *cobra.Command {
	var (
		count int
		tz    string
	)
	cmd := &cobra.Command{
		Use:   "next <schedule>",
		Short: "Print the next fire times of a schedule",
		Example: `  jobsched next "0 3 * * *" -n 3
  jobsched next "@every 90m"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := trigger.ParseSchedule(args[0])
			if err != nil {
				return err
			}
			var opts []trigger.Option
			if tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return err
				}
				opts = append(opts, trigger.WithLocation(loc))
			}
			now := time.Now()
			var times []time.Time
			if p.Source == "at" {
				if p.At.After(now) {
					times = []time.Time{p.At}
				}
			} else if times, err = trigger.New(opts...).Preview(p.Schedule, now, count); err != nil {
				return err
			}
			for _, t := range times {
				fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire times")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone for cron schedules (default local)")
	return cmd
}

func run(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	// No-op outside a systemd Type=notify unit.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-parent.Done():
		reason = app.StopAppStop
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopErr := a.Stop(context.Background(), reason)
	if err := a.Err(); err != nil {
		return err
	}
	return stopErr
}
