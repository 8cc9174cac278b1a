package models

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// DefaultMethod is recorded when the transport verb is unknown.
const DefaultMethod = "POST"

// AllowedHeaders is the complete set of transport headers a message may retain.
var AllowedHeaders = []string{"content-type", "user-agent", "x-request-id", "x-forwarded-for"}

// Message is one stored, immutable entry of an inbox log.
type Message struct {
	ID         string            `json:"id"`
	InboxID    string            `json:"inbox_id"`
	Seq        int64             `json:"seq"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
	Method     string            `json:"method"`
	ReceivedAt time.Time         `json:"received_at"`

	// Envelope is the decoded view of Body; it is not serialised separately.
	Envelope Envelope `json:"-"`
}

// Envelope is the universal message schema.
type Envelope struct {
	Source  string          `json:"source"`
	Topic   string          `json:"topic"`
	Ref     *string         `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RefValue returns the ref or "" when absent.
func (e Envelope) RefValue() string {
	if e.Ref == nil {
		return ""
	}
	return *e.Ref
}

// FilterHeaders keeps only the allow-listed headers, keyed in lower case.
// Multi-valued headers are joined with ", ".
func FilterHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(AllowedHeaders))
	for _, name := range AllowedHeaders {
		values := h.Values(name)
		if len(values) == 0 {
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// FilterHeaderMap applies the allow-list to an already flattened header map.
func FilterHeaderMap(h map[string]string) map[string]string {
	out := make(map[string]string, len(AllowedHeaders))
	for k, v := range h {
		key := strings.ToLower(k)
		for _, name := range AllowedHeaders {
			if key == name {
				out[name] = v
				break
			}
		}
	}
	return out
}

// DecodeEnvelope populates Envelope from Body. Stored bodies were validated
// on the way in, so a failure here means the row was tampered with.
func (m *Message) DecodeEnvelope() error {
	return json.Unmarshal(m.Body, &m.Envelope)
}
