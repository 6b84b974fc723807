// Command teamchatctl inspects and maintains the offline message queue
// stored on disk.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"teamchat/internal/constants"
	"teamchat/internal/models"
	"teamchat/internal/queue"
	"teamchat/internal/retry"
	"teamchat/internal/storage"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	dbPath  string
	appName string
	asJSON  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "teamchatctl",
		Short:         "Inspect the teamchat offline queue",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db", envOr("TEAMCHAT_DB_PATH", "teamchat.db"), "Path to the SQLite store")
	root.PersistentFlags().StringVar(&opts.appName, "app", constants.DefaultAppName, "Application name used in the queue storage key")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "Print JSON instead of text")

	root.AddCommand(
		newStatsCmd(opts),
		newListCmd(opts),
		newClearFailedCmd(opts),
		newClearCmd(opts),
	)
	return root
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// withManager opens the store read-write and hands a queue manager to fn.
// The manager has no remote sender; commands never process the queue.
func withManager(cmd *cobra.Command, opts *options, fn func(ctx context.Context, m *queue.Manager) error) error {
	store, err := storage.NewSQLiteStore(opts.dbPath, storage.Options{
		EncryptionSecret: os.Getenv("TEAMCHAT_ENCRYPTION_SECRET"),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(logrus.WarnLevel)

	m := queue.NewManager(store, nil, nil, queue.Options{AppName: opts.appName}, logger)
	return fn(cmd.Context(), m)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pending and failed message counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(ctx context.Context, m *queue.Manager) error {
				stats := m.GetQueueStats(ctx)
				if opts.asJSON {
					return printJSON(cmd.OutOrStdout(), stats)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Total:   %d\nPending: %d\nFailed:  %d\n", stats.Total, stats.Pending, stats.Failed)
				return nil
			})
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	var failedOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(ctx context.Context, m *queue.Manager) error {
				entries, err := m.Entries(ctx)
				if err != nil {
					return err
				}
				if failedOnly {
					entries = filterExhausted(entries)
				}
				if opts.asJSON {
					return printJSON(cmd.OutOrStdout(), entries)
				}
				return printEntries(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "Only list messages that exhausted their retries")
	return cmd
}

func filterExhausted(entries []models.QueuedMessage) []models.QueuedMessage {
	out := make([]models.QueuedMessage, 0, len(entries))
	for _, e := range entries {
		if retry.IsExhausted(e) {
			out = append(out, e)
		}
	}
	return out
}

func printEntries(w io.Writer, entries []models.QueuedMessage) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "Queue is empty")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCAL ID\tCONVERSATION\tRETRIES\tSTATE\tNEXT ATTEMPT")
	for _, e := range entries {
		state := "pending"
		next := retry.NextAttemptAt(e).UTC().Format(time.RFC3339)
		if retry.IsExhausted(e) {
			state = "failed"
			next = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", e.LocalID, e.Message.ConversationID, e.RetryCount, state, next)
	}
	return tw.Flush()
}

func newClearFailedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-failed",
		Short: "Remove messages that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(ctx context.Context, m *queue.Manager) error {
				n := m.ClearFailedMessages(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d failed message(s)\n", n)
				return nil
			})
		},
	}
}

func newClearCmd(opts *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every queued message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to drop the whole queue without --yes")
			}
			return withManager(cmd, opts, func(ctx context.Context, m *queue.Manager) error {
				if err := m.ClearQueue(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Queue cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm removal of all queued messages")
	return cmd
}
