package logging

import "log/slog"

// Common field names for consistent logging across the broker.
const (
	FieldService    = "service"
	FieldRequestID  = "request_id"
	FieldInboxID    = "inbox_id"
	FieldMessageID  = "message_id"
	FieldTopic      = "topic"
	FieldSource     = "source"
	FieldSubscriber = "subscriber_id"
	FieldIP         = "ip"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// InboxID returns a slog attribute for an inbox ID.
func InboxID(id string) slog.Attr {
	return slog.String(FieldInboxID, id)
}

// MessageID returns a slog attribute for a message ID.
func MessageID(id string) slog.Attr {
	return slog.String(FieldMessageID, id)
}

// Topic returns a slog attribute for an envelope topic.
func Topic(topic string) slog.Attr {
	return slog.String(FieldTopic, topic)
}

// Source returns a slog attribute for an envelope source.
func Source(source string) slog.Attr {
	return slog.String(FieldSource, source)
}

// Subscriber returns a slog attribute for a live subscriber.
func Subscriber(id uint64) slog.Attr {
	return slog.Uint64(FieldSubscriber, id)
}

// IP returns a slog attribute for the IP address.
func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error. A nil error logs as "<nil>".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "<nil>")
	}
	return slog.String(FieldError, err.Error())
}
