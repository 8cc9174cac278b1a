package models

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInbox_JSONHidesSecret(t *testing.T) {
	inbox := &Inbox{
		ID:            "inbox-1",
		Name:          "builds",
		PublicKey:     "pk_public",
		PrivateSecret: "sk_private",
		CreatedAt:     time.Now(),
	}

	b, err := json.Marshal(inbox)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "sk_private")

	b, err = json.Marshal(inbox.Summary())
	require.NoError(t, err)
	assert.NotContains(t, string(b), "sk_private")
	assert.Contains(t, string(b), "pk_public")
}

func TestFilterHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", "agent/1.0")
	h.Set("X-Request-Id", "req-1")
	h.Add("X-Forwarded-For", "203.0.113.1")
	h.Add("X-Forwarded-For", "10.0.0.1")
	h.Set("Authorization", "Bearer sk_leak")
	h.Set("X-Inbox-Key", "pk_leak")
	h.Set("Cookie", "session=1")

	got := FilterHeaders(h)
	assert.Equal(t, map[string]string{
		"content-type":    "application/json",
		"user-agent":      "agent/1.0",
		"x-request-id":    "req-1",
		"x-forwarded-for": "203.0.113.1, 10.0.0.1",
	}, got)
}

func TestFilterHeaderMap(t *testing.T) {
	got := FilterHeaderMap(map[string]string{
		"Content-Type": "application/json",
		"x-inbox-key":  "pk_leak",
	})
	assert.Equal(t, map[string]string{"content-type": "application/json"}, got)
}

func TestEnvelope_RefValue(t *testing.T) {
	ref := "PR-12"
	assert.Equal(t, "PR-12", Envelope{Ref: &ref}.RefValue())
	assert.Equal(t, "", Envelope{}.RefValue())
}
