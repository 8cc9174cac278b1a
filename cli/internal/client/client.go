// Package client is the inboxctl HTTP client for the broker API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	headerKey    = "X-Inbox-Key"
	headerSecret = "X-Inbox-Secret"
	userAgent    = "inboxctl"
)

type BrokerClient struct {
	baseURL string
	client  *http.Client
	// stream has no overall timeout; live tails run until cancelled.
	stream *http.Client
}

// APIError is a non-2xx broker response.
type APIError struct {
	Status  int
	Message string     `json:"error"`
	Code    string     `json:"code"`
	Fields  []FieldErr `json:"fields"`
}

type FieldErr struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *APIError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + " " + f.Reason
	}
	return fmt.Sprintf("%s (HTTP %d): %s", e.Message, e.Status, strings.Join(parts, "; "))
}

type Inbox struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	PublicKey     string    `json:"public_key"`
	PrivateSecret string    `json:"private_secret,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	EndpointURL   string    `json:"endpoint_url,omitempty"`
	MonitorURL    string    `json:"monitor_url,omitempty"`
	MessageCount  *int64    `json:"message_count,omitempty"`
	Usage         *Usage    `json:"usage,omitempty"`
}

// Usage is reported only by brokers with usage statistics enabled.
type Usage struct {
	TotalMessages    int64      `json:"total_messages"`
	TotalBytes       int64      `json:"total_bytes"`
	MessagesLastHour int64      `json:"messages_last_hour"`
	MessagesLast24h  int64      `json:"messages_last_24h"`
	SendersToday     int64      `json:"senders_today"`
	LastReceivedAt   *time.Time `json:"last_received_at,omitempty"`
	LastSender       string     `json:"last_sender,omitempty"`
}

type Message struct {
	ID         string            `json:"id"`
	InboxID    string            `json:"inbox_id"`
	Seq        int64             `json:"seq"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
	Method     string            `json:"method"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Envelope is the schema every message body follows.
type Envelope struct {
	Source  string          `json:"source"`
	Topic   string          `json:"topic"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope decodes the message body. Unknown fields are dropped.
func (m *Message) Envelope() Envelope {
	var env Envelope
	_ = json.Unmarshal(m.Body, &env)
	return env
}

type MessageQuery struct {
	Limit       int
	Topic       string
	Source      string
	Ref         string
	Interactive bool
}

type MessageList struct {
	Messages []*Message `json:"messages"`
	Count    int        `json:"count"`
	Limit    int        `json:"limit"`
}

func NewBrokerClient(baseURL string) *BrokerClient {
	return &BrokerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		stream:  &http.Client{},
	}
}

func (c *BrokerClient) CreateInbox(ctx context.Context, name string) (*Inbox, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	var inbox Inbox
	if err := c.do(ctx, http.MethodPost, "/api/inboxes", nil, body, &inbox); err != nil {
		return nil, err
	}
	return &inbox, nil
}

func (c *BrokerClient) ListInboxes(ctx context.Context) ([]*Inbox, error) {
	var resp struct {
		Inboxes []*Inbox `json:"inboxes"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/inboxes", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Inboxes, nil
}

func (c *BrokerClient) GetInbox(ctx context.Context, id, secret string) (*Inbox, error) {
	var inbox Inbox
	if err := c.do(ctx, http.MethodGet, inboxPath(id), secretHeader(secret), nil, &inbox); err != nil {
		return nil, err
	}
	return &inbox, nil
}

func (c *BrokerClient) DeleteInbox(ctx context.Context, id, secret string) error {
	return c.do(ctx, http.MethodDelete, inboxPath(id), secretHeader(secret), nil, nil)
}

// Send posts an envelope to the public endpoint and returns the message ID.
func (c *BrokerClient) Send(ctx context.Context, id, key string, env Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return c.SendRaw(ctx, id, key, body)
}

// SendRaw posts body unchanged, for bodies that carry extra top-level fields.
func (c *BrokerClient) SendRaw(ctx context.Context, id, key string, body []byte) (string, error) {
	h := http.Header{}
	h.Set(headerKey, key)
	h.Set("Content-Type", "application/json")

	var resp struct {
		OK bool   `json:"ok"`
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, inboxPath(id), h, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *BrokerClient) GetMessages(ctx context.Context, id, secret string, q MessageQuery) (*MessageList, error) {
	values := url.Values{}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Topic != "" {
		values.Set("topic", q.Topic)
	}
	if q.Source != "" {
		values.Set("source", q.Source)
	}
	if q.Ref != "" {
		values.Set("ref", q.Ref)
	}
	if q.Interactive {
		values.Set("view", "interactive")
	}

	path := inboxPath(id) + "/messages"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}

	var list MessageList
	if err := c.do(ctx, http.MethodGet, path, secretHeader(secret), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *BrokerClient) do(ctx context.Context, method, path string, header http.Header, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

func inboxPath(id string) string {
	return "/api/inbox/" + url.PathEscape(id)
}

func secretHeader(secret string) http.Header {
	h := http.Header{}
	h.Set(headerSecret, secret)
	return h
}
