package handlers

import (
	"net/http"

	"github.com/autonlabs/inbox-broker/common/httputil"
)

const (
	HeaderInboxKey    = "X-Inbox-Key"
	HeaderInboxSecret = "X-Inbox-Secret"
)

// senderKey reads the ingestion credential: X-Inbox-Key, ?key= or a bearer token.
func senderKey(r *http.Request) string {
	if key := httputil.HeaderOrQuery(r, HeaderInboxKey, "key"); key != "" {
		return key
	}
	return httputil.BearerToken(r)
}

// ownerSecret reads the private secret: X-Inbox-Secret, a bearer token or ?secret=.
func ownerSecret(r *http.Request) string {
	if secret := r.Header.Get(HeaderInboxSecret); secret != "" {
		return secret
	}
	if secret := httputil.BearerToken(r); secret != "" {
		return secret
	}
	return r.URL.Query().Get("secret")
}
