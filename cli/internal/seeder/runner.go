package seeder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/autonlabs/inbox-broker/cli/internal/client"
)

// Sender delivers one envelope to an inbox.
type Sender interface {
	Send(ctx context.Context, id, key string, env client.Envelope) (string, error)
}

type Options struct {
	InboxID   string
	PublicKey string
	Count     int
	Interval  time.Duration
	Seed      int64
	Topics    []string
}

type Stats struct {
	Sent    int
	Failed  int
	Elapsed time.Duration
}

type Runner struct {
	sender Sender
	logger *slog.Logger
}

func NewRunner(sender Sender, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{sender: sender, logger: logger}
}

// Run sends opts.Count messages, pausing opts.Interval between them. A
// cancelled context stops the run early and is not reported as an error.
func (r *Runner) Run(ctx context.Context, opts Options) (Stats, error) {
	if opts.Count <= 0 {
		return Stats{}, errors.New("count must be positive")
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	gen := NewGenerator(seed, opts.Topics)

	r.logger.Info("starting seeder",
		slog.String("inbox_id", opts.InboxID),
		slog.Int("count", opts.Count),
		slog.Duration("interval", opts.Interval))

	start := time.Now()
	var stats Stats
	var lastErr error
	for i := 0; i < opts.Count; i++ {
		if i > 0 && opts.Interval > 0 {
			select {
			case <-ctx.Done():
				stats.Elapsed = time.Since(start)
				return stats, nil
			case <-time.After(opts.Interval):
			}
		}
		if ctx.Err() != nil {
			break
		}

		env := gen.Next(i)
		id, err := r.sender.Send(ctx, opts.InboxID, opts.PublicKey, env)
		if err != nil {
			stats.Failed++
			lastErr = err
			r.logger.Warn("failed to send message", slog.Int("index", i), slog.String("error", err.Error()))
			continue
		}
		stats.Sent++
		r.logger.Debug("sent message", slog.String("id", id), slog.String("topic", env.Topic))
	}
	stats.Elapsed = time.Since(start)

	if stats.Sent == 0 && lastErr != nil {
		return stats, lastErr
	}
	return stats, nil
}
