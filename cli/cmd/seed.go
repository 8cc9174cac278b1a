package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/autonlabs/inbox-broker/cli/internal/seeder"
	"github.com/autonlabs/inbox-broker/cli/pkg/output"
)

var seedCmd = &cobra.Command{
	Use:   "seed <inbox-id>",
	Short: "Fill an inbox with fake agent messages",
	Example: `  inboxctl seed 0192... --count 200
  inboxctl seed 0192... --count 50 --interval 500ms --topics build,deploy`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		key, err := inboxKey(cmd, id)
		if err != nil {
			return err
		}

		opts := seeder.Options{InboxID: id, PublicKey: key}
		opts.Count, _ = cmd.Flags().GetInt("count")
		opts.Interval, _ = cmd.Flags().GetDuration("interval")
		opts.Seed, _ = cmd.Flags().GetInt64("seed")
		opts.Topics, _ = cmd.Flags().GetStringSlice("topics")
		verbose, _ := cmd.Flags().GetBool("verbose")

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stats, err := seeder.NewRunner(brokerClient(cmd), logger).Run(ctx, opts)
		if err != nil {
			return fmt.Errorf("seeding failed: %w", err)
		}

		if outputJSON(cmd) {
			return output.JSON(map[string]any{
				"sent":       stats.Sent,
				"failed":     stats.Failed,
				"elapsed_ms": stats.Elapsed.Milliseconds(),
			})
		}
		output.Success("Sent %d message(s) in %s", stats.Sent, stats.Elapsed.Round(time.Millisecond))
		if stats.Failed > 0 {
			output.Warn("%d message(s) failed", stats.Failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().StringP("key", "k", "", "Inbox public key (default: saved credentials)")
	seedCmd.Flags().IntP("count", "c", 20, "Number of messages to send")
	seedCmd.Flags().Duration("interval", 0, "Pause between messages")
	seedCmd.Flags().Int64("seed", 0, "Random seed (default: time based)")
	seedCmd.Flags().StringSlice("topics", nil, "Topics to cycle through (default: build,deploy,review,alert,chat)")
	seedCmd.Flags().BoolP("verbose", "v", false, "Log every message sent")
}
