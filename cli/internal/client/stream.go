package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrStreamEnded is returned by Tail when the broker ends the stream on its
// own, for example after the inbox was deleted.
var ErrStreamEnded = errors.New("stream ended by broker")

// StreamEvent is one server-sent event.
type StreamEvent struct {
	ID    string
	Event string
	Data  string
}

// Tail follows the inbox's live stream and calls fn for every message until
// ctx is cancelled, fn fails, or the broker ends the stream. When after is
// set, messages following that ID are replayed first.
func (c *BrokerClient) Tail(ctx context.Context, id, secret, after string, fn func(*Message) error) error {
	path := inboxPath(id) + "/stream"
	if after != "" {
		path += "?after=" + url.QueryEscape(after)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(headerSecret, secret)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	err = readEvents(resp.Body, func(ev StreamEvent) error {
		if ev.Event != "message" {
			return fmt.Errorf("%w: %s %s", ErrStreamEnded, ev.Event, ev.Data)
		}
		var msg Message
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			return fmt.Errorf("failed to decode message: %w", err)
		}
		return fn(&msg)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readEvents parses a text/event-stream body. Comment lines are heartbeats
// and are skipped.
func readEvents(r io.Reader, fn func(StreamEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)

	var ev StreamEvent
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.Event == "" && len(data) == 0 {
				continue
			}
			if ev.Event == "" {
				ev.Event = "message"
			}
			ev.Data = strings.Join(data, "\n")
			if err := fn(ev); err != nil {
				return err
			}
			ev, data = StreamEvent{}, nil
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				ev.ID = value
			case "event":
				ev.Event = value
			case "data":
				data = append(data, value)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}
