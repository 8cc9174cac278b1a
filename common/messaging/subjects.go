package messaging

import "strings"

// Subjects follow the pattern {domain}.{resource}.{action}.{inbox id}.
const (
	// SubjectInboxMessageAppended carries a stored message, one subject per inbox.
	SubjectInboxMessageAppended = "inbox.messages.appended"

	// SubjectInboxDeleted announces that an inbox and its log are gone.
	SubjectInboxDeleted = "inbox.lifecycle.deleted"
)

// InboxMessageAppendedSubject returns the per-inbox append subject.
// Example: inbox.messages.appended.0192f3c1-...
func InboxMessageAppendedSubject(inboxID string) string {
	return SubjectInboxMessageAppended + "." + inboxID
}

// InboxDeletedSubject returns the per-inbox deletion subject.
func InboxDeletedSubject(inboxID string) string {
	return SubjectInboxDeleted + "." + inboxID
}

// Wildcard returns a subject matching every inbox under prefix.
func Wildcard(prefix string) string {
	return prefix + ".*"
}

// InboxIDFromSubject extracts the trailing inbox ID from a per-inbox subject.
// It returns false when subject does not belong to prefix.
func InboxIDFromSubject(prefix, subject string) (string, bool) {
	id, ok := strings.CutPrefix(subject, prefix+".")
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}
