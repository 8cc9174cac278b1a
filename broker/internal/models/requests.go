package models

import "encoding/json"

type CreateInboxRequest struct {
	Name string `json:"name"`
}

// SendRequest is the programmatic equivalent of posting an envelope to the
// public endpoint.
type SendRequest struct {
	InboxID   string          `json:"inbox_id"`
	PublicKey string          `json:"public_key"`
	Source    string          `json:"source"`
	Topic     string          `json:"topic"`
	Ref       string          `json:"ref,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IngestRequest is a raw arrival at the public endpoint. RemoteAddr is the
// sender's address for usage statistics; it is never stored on the message.
type IngestRequest struct {
	InboxID    string
	PublicKey  string
	Method     string
	Headers    map[string]string
	Body       []byte
	RemoteAddr string
}

type IngestResponse struct {
	OK bool   `json:"ok"`
	ID string `json:"id,omitempty"`
}

type ListMessagesResponse struct {
	Messages []*Message `json:"messages"`
	Count    int        `json:"count"`
	Limit    int        `json:"limit"`
}

type ListInboxesResponse struct {
	Inboxes []*InboxSummary `json:"inboxes"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}
