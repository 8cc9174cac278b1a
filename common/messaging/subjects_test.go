package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInboxSubjects(t *testing.T) {
	assert.Equal(t, "inbox.messages.appended.abc", InboxMessageAppendedSubject("abc"))
	assert.Equal(t, "inbox.lifecycle.deleted.abc", InboxDeletedSubject("abc"))
	assert.Equal(t, "inbox.messages.appended.*", Wildcard(SubjectInboxMessageAppended))
}

func TestInboxIDFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		id      string
		ok      bool
	}{
		{"inbox.messages.appended.abc", "abc", true},
		{"inbox.messages.appended.", "", false},
		{"inbox.messages.appended.a.b", "", false},
		{"inbox.lifecycle.deleted.abc", "", false},
	}
	for _, tt := range tests {
		id, ok := InboxIDFromSubject(SubjectInboxMessageAppended, tt.subject)
		assert.Equal(t, tt.ok, ok, tt.subject)
		assert.Equal(t, tt.id, id, tt.subject)
	}
}
