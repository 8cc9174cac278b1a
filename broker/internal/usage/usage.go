// Package usage keeps Redis-backed ingest statistics per inbox.
//
// Several broker instances may write concurrently; any of them can read.
//
// Redis key structure:
//
//	inbox:usage:{inbox_id}                     - hash with totals and last arrival (expires 30d idle)
//	inbox:usage:hourly:{inbox_id}:{YYYYMMDDHH} - arrivals in that hour (expires 48h)
//	inbox:usage:senders:{inbox_id}:{YYYYMMDD}  - set of sender addresses that day (expires 7d)
//	inbox:usage:instances:{inbox_id}          - hash of broker instance -> last seen
package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/autonlabs/inbox-broker/broker/internal/models"
)

const (
	statsTTL     = 30 * 24 * time.Hour
	hourlyTTL    = 48 * time.Hour
	sendersTTL   = 7 * 24 * time.Hour
	instancesTTL = 24 * time.Hour
)

type Client struct {
	redis      *redis.Client
	instanceID string
	now        func() time.Time
}

// NewClient connects to redisURL. instanceID identifies this broker process
// in the instances hash (hostname, pod name).
func NewClient(redisURL, instanceID string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewClientFromRedis(client, instanceID), nil
}

func NewClientFromRedis(client *redis.Client, instanceID string) *Client {
	return &Client{redis: client, instanceID: instanceID, now: time.Now}
}

func statsKey(inboxID string) string { return "inbox:usage:" + inboxID }

func hourlyKey(inboxID string, t time.Time) string {
	return fmt.Sprintf("inbox:usage:hourly:%s:%s", inboxID, t.UTC().Format("2006010215"))
}

func sendersKey(inboxID string, t time.Time) string {
	return fmt.Sprintf("inbox:usage:senders:%s:%s", inboxID, t.UTC().Format("20060102"))
}

func instancesKey(inboxID string) string { return "inbox:usage:instances:" + inboxID }

// Flush writes one accumulated batch.
func (c *Client) Flush(ctx context.Context, b *Batch) error {
	if b.Messages == 0 {
		return nil
	}

	now := c.now()
	nowUnix := strconv.FormatInt(b.LastAt.Unix(), 10)

	pipe := c.redis.Pipeline()

	key := statsKey(b.InboxID)
	pipe.HSet(ctx, key, map[string]any{
		"last_received_at": nowUnix,
		"last_sender":      b.LastSender,
	})
	pipe.HIncrBy(ctx, key, "total_messages", b.Messages)
	pipe.HIncrBy(ctx, key, "total_bytes", b.Bytes)
	// Every key expires so a write that lands after Forget cannot linger.
	pipe.Expire(ctx, key, statsTTL)

	hk := hourlyKey(b.InboxID, now)
	pipe.IncrBy(ctx, hk, b.Messages)
	pipe.Expire(ctx, hk, hourlyTTL)

	if len(b.Senders) > 0 {
		sk := sendersKey(b.InboxID, now)
		senders := make([]any, 0, len(b.Senders))
		for s := range b.Senders {
			senders = append(senders, s)
		}
		pipe.SAdd(ctx, sk, senders...)
		pipe.Expire(ctx, sk, sendersTTL)
	}

	ik := instancesKey(b.InboxID)
	pipe.HSet(ctx, ik, c.instanceID, strconv.FormatInt(now.Unix(), 10))
	pipe.Expire(ctx, ik, instancesTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush usage: %w", err)
	}
	return nil
}

// Get reads the current statistics of an inbox. An inbox that never received
// anything yields zero counters.
func (c *Client) Get(ctx context.Context, inboxID string) (*models.InboxUsage, error) {
	now := c.now()

	pipe := c.redis.Pipeline()
	statsCmd := pipe.HGetAll(ctx, statsKey(inboxID))
	hourly := make([]*redis.StringCmd, 24)
	for i := range hourly {
		hourly[i] = pipe.Get(ctx, hourlyKey(inboxID, now.Add(-time.Duration(i)*time.Hour)))
	}
	sendersCmd := pipe.SCard(ctx, sendersKey(inboxID, now))
	instancesCmd := pipe.HGetAll(ctx, instancesKey(inboxID))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}

	u := &models.InboxUsage{Instances: make(map[string]time.Time)}

	if fields, err := statsCmd.Result(); err == nil {
		if v, ok := fields["last_received_at"]; ok {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
				t := time.Unix(unix, 0).UTC()
				u.LastReceivedAt = &t
			}
		}
		u.LastSender = fields["last_sender"]
		u.TotalMessages, _ = strconv.ParseInt(fields["total_messages"], 10, 64)
		u.TotalBytes, _ = strconv.ParseInt(fields["total_bytes"], 10, 64)
	}

	if v, err := hourly[0].Int64(); err == nil {
		u.MessagesLastHour = v
	}
	for _, cmd := range hourly {
		if v, err := cmd.Int64(); err == nil {
			u.MessagesLast24h += v
		}
	}

	if v, err := sendersCmd.Result(); err == nil {
		u.SendersToday = v
	}

	if instances, err := instancesCmd.Result(); err == nil {
		for id, seen := range instances {
			if unix, err := strconv.ParseInt(seen, 10, 64); err == nil {
				u.Instances[id] = time.Unix(unix, 0).UTC()
			}
		}
	}

	return u, nil
}

// Forget removes every key of a deleted inbox.
func (c *Client) Forget(ctx context.Context, inboxID string) error {
	now := c.now()
	keys := []string{statsKey(inboxID), instancesKey(inboxID)}
	for i := 0; i < int(hourlyTTL/time.Hour); i++ {
		keys = append(keys, hourlyKey(inboxID, now.Add(-time.Duration(i)*time.Hour)))
	}
	for i := 0; i < int(sendersTTL/(24*time.Hour)); i++ {
		keys = append(keys, sendersKey(inboxID, now.AddDate(0, 0, -i)))
	}

	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to forget usage: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.redis.Close()
}
