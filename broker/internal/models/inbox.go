package models

import "time"

// Inbox is a disposable, credential-gated mailbox.
// PublicKey grants ingestion; PrivateSecret grants every owner operation.
type Inbox struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	PublicKey     string    `json:"public_key"`
	PrivateSecret string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// InboxSummary is the public view of an inbox. It never carries the secret.
type InboxSummary struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	PublicKey    string      `json:"public_key"`
	CreatedAt    time.Time   `json:"created_at"`
	EndpointURL  string      `json:"endpoint_url,omitempty"`
	MessageCount *int64      `json:"message_count,omitempty"`
	Usage        *InboxUsage `json:"usage,omitempty"`
}

// InboxUsage is ingest activity of an inbox, tracked outside the message log.
type InboxUsage struct {
	TotalMessages    int64                `json:"total_messages"`
	TotalBytes       int64                `json:"total_bytes"`
	MessagesLastHour int64                `json:"messages_last_hour"`
	MessagesLast24h  int64                `json:"messages_last_24h"`
	SendersToday     int64                `json:"senders_today"`
	LastReceivedAt   *time.Time           `json:"last_received_at,omitempty"`
	LastSender       string               `json:"last_sender,omitempty"`
	Instances        map[string]time.Time `json:"instances,omitempty"`
}

// Summary returns the secret-free view of the inbox.
func (i *Inbox) Summary() *InboxSummary {
	return &InboxSummary{
		ID:        i.ID,
		Name:      i.Name,
		PublicKey: i.PublicKey,
		CreatedAt: i.CreatedAt,
	}
}

// CreatedInbox is returned exactly once, by inbox creation, and is the only
// representation that includes the private secret.
type CreatedInbox struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	PublicKey     string    `json:"public_key"`
	PrivateSecret string    `json:"private_secret"`
	CreatedAt     time.Time `json:"created_at"`
	EndpointURL   string    `json:"endpoint_url,omitempty"`
	MonitorURL    string    `json:"monitor_url,omitempty"`
}
