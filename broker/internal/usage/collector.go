package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/autonlabs/inbox-broker/broker/internal/models"
)

// Batch is the usage of one inbox accumulated between flushes.
type Batch struct {
	InboxID    string
	Messages   int64
	Bytes      int64
	Senders    map[string]struct{}
	LastSender string
	LastAt     time.Time
}

func newBatch(inboxID string) *Batch {
	return &Batch{InboxID: inboxID, Senders: make(map[string]struct{})}
}

func (b *Batch) add(sender string, bytes int64, at time.Time) {
	b.Messages++
	b.Bytes += bytes
	if sender != "" {
		b.Senders[sender] = struct{}{}
		b.LastSender = sender
	}
	if at.After(b.LastAt) {
		b.LastAt = at
	}
}

func (b *Batch) merge(o *Batch) {
	b.Messages += o.Messages
	b.Bytes += o.Bytes
	for s := range o.Senders {
		b.Senders[s] = struct{}{}
	}
	if o.LastAt.After(b.LastAt) {
		b.LastAt = o.LastAt
		if o.LastSender != "" {
			b.LastSender = o.LastSender
		}
	}
}

// Collector buffers arrivals in memory and flushes them to Redis on an
// interval, so the ingest path never waits on Redis. Safe for concurrent use.
type Collector struct {
	client   *Client
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	batches map[string]*Batch

	// flushMu serializes flushes with Forget.
	flushMu sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewCollector(client *Client, interval time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	c := &Collector{
		client:   client,
		interval: interval,
		logger:   logger,
		batches:  make(map[string]*Batch),
		stop:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.flushLoop()
	return c
}

// Record notes one accepted message.
func (c *Collector) Record(msg *models.Message, sender string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.batches[msg.InboxID]
	if !ok {
		b = newBatch(msg.InboxID)
		c.batches[msg.InboxID] = b
	}
	b.add(sender, int64(len(msg.Body)), msg.ReceivedAt)
}

// Usage returns flushed statistics plus whatever is still buffered locally.
func (c *Collector) Usage(ctx context.Context, inboxID string) (*models.InboxUsage, error) {
	u, err := c.client.Get(ctx, inboxID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.batches[inboxID]; ok {
		u.TotalMessages += b.Messages
		u.TotalBytes += b.Bytes
		u.MessagesLastHour += b.Messages
		u.MessagesLast24h += b.Messages
		if u.LastReceivedAt == nil || b.LastAt.After(*u.LastReceivedAt) {
			at := b.LastAt
			u.LastReceivedAt = &at
			u.LastSender = b.LastSender
		}
	}
	return u, nil
}

// Forget drops buffered and stored usage of a deleted inbox.
func (c *Collector) Forget(ctx context.Context, inboxID string) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	delete(c.batches, inboxID)
	c.mu.Unlock()
	return c.client.Forget(ctx, inboxID)
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			c.flush()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	batches := c.batches
	c.batches = make(map[string]*Batch)
	c.mu.Unlock()

	if len(batches) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var flushed int
	var messages int64
	for _, b := range batches {
		if err := c.client.Flush(ctx, b); err != nil {
			c.logger.Error("failed to flush inbox usage",
				slog.String("inbox_id", b.InboxID),
				slog.Int64("messages", b.Messages),
				slog.String("error", err.Error()),
			)
			// Keep it for the next round.
			c.mu.Lock()
			if existing, ok := c.batches[b.InboxID]; ok {
				existing.merge(b)
			} else {
				c.batches[b.InboxID] = b
			}
			c.mu.Unlock()
			continue
		}
		flushed++
		messages += b.Messages
	}

	if flushed > 0 {
		c.logger.Debug("flushed inbox usage", slog.Int("inboxes", flushed), slog.Int64("messages", messages))
	}
}

// FlushNow writes everything buffered immediately.
func (c *Collector) FlushNow() {
	c.flush()
}

// Pending reports buffered message counts per inbox.
func (c *Collector) Pending() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.batches))
	for id, b := range c.batches {
		out[id] = b.Messages
	}
	return out
}

// Stop flushes what is left and ends the background loop.
func (c *Collector) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}
