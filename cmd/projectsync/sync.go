package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jdziat/projectsync"
	"github.com/jdziat/projectsync/pkg/api"
	"github.com/jdziat/projectsync/pkg/queue"
)

func newSyncCmd() *cobra.Command {
	var userID string

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Operator controls of the ERP sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	syncCmd.PersistentFlags().StringVar(&userID, "user", api.AnonymousUser, "User id recorded with the action")

	withApp := func(run func(cmd *cobra.Command, app *projectsync.App) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closer, err := setup()
			if err != nil {
				return err
			}
			defer closer.Close()

			app, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return run(cmd, app)
		}
	}

	triggerCmd := &cobra.Command{
		Use:   "trigger",
		Short: "Enqueue a sync run now",
		RunE: withApp(func(cmd *cobra.Command, app *projectsync.App) error {
			id, err := app.TriggerSyncNow(cmd.Context(), userID)
			if errors.Is(err, projectsync.ErrSyncPending) {
				fmt.Fprintln(cmd.OutOrStdout(), "a manual sync is already pending")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}),
	}

	policy := queue.DefaultRetryPolicy()
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a sync in this process and wait for it to fan out",
		Long: `Starts a worker, enqueues a manual sync and waits until the trigger job
has enqueued every project. A failed trigger is sent again up to --retries
times. The process keeps working on project jobs until interrupted.`,
		RunE: withApp(func(cmd *cobra.Command, app *projectsync.App) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errc := make(chan error, 1)
			go func() { errc <- app.Start(ctx) }()

			id, err := app.RunSync(ctx, userID, policy)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return <-errc
		}),
	}
	runCmd.Flags().IntVar(&policy.MaxRetries, "retries", policy.MaxRetries, "Extra triggers sent after a failure")
	runCmd.Flags().DurationVar(&policy.InitialInterval, "retry-wait", policy.InitialInterval, "Wait before the first retry")
	runCmd.Flags().DurationVar(&policy.PollInterval, "poll", policy.PollInterval, "How often the trigger status is checked")

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel queued sync jobs",
		RunE: withApp(func(cmd *cobra.Command, app *projectsync.App) error {
			n, err := app.CancelPendingSync(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d jobs\n", n)
			return nil
		}),
	}

	var limit int
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the latest sync runs as JSON",
		RunE: withApp(func(cmd *cobra.Command, app *projectsync.App) error {
			runs, err := app.GetSyncSummary(cmd.Context(), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}),
	}
	statusCmd.Flags().IntVar(&limit, "limit", 0, "Number of runs (default 10)")

	syncCmd.AddCommand(triggerCmd, runCmd, cancelCmd, statusCmd)
	return syncCmd
}
