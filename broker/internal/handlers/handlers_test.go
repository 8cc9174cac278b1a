package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autonlabs/inbox-broker/broker/internal/hub"
	"github.com/autonlabs/inbox-broker/broker/internal/models"
	"github.com/autonlabs/inbox-broker/broker/internal/query"
	"github.com/autonlabs/inbox-broker/broker/internal/repository"
	"github.com/autonlabs/inbox-broker/broker/internal/service"
	"github.com/autonlabs/inbox-broker/common/httputil"
)

type testEnv struct {
	svc     *service.InboxService
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	h := hub.New(16, nil)
	t.Cleanup(h.Close)

	svc := service.NewInboxService(service.Dependencies{
		Repo: repository.NewInMemoryRepository(),
		Hub:  h,
	}, service.Options{PublicBaseURL: "http://broker.test", Limits: query.DefaultLimits()})

	inboxes := NewInboxHandler(svc, 256, nil)
	streams := NewStreamHandler(svc, StreamConfig{
		HeartbeatInterval: 50 * time.Millisecond,
		IdleTimeout:       time.Second,
		AllowedOrigins:    []string{"*"},
	}, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/inboxes", inboxes.CreateInbox)
	mux.HandleFunc("GET /api/inboxes", inboxes.ListInboxes)
	mux.HandleFunc("POST /api/inbox/{id}", inboxes.Ingest)
	mux.HandleFunc("GET /api/inbox/{id}", inboxes.GetInbox)
	mux.HandleFunc("DELETE /api/inbox/{id}", inboxes.DeleteInbox)
	mux.HandleFunc("GET /api/inbox/{id}/messages", inboxes.GetMessages)
	mux.HandleFunc("GET /api/inbox/{id}/stream", streams.SSE)
	mux.HandleFunc("GET /api/inbox/{id}/ws", streams.WebSocket)

	return &testEnv{svc: svc, handler: mux}
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) createInbox(t *testing.T) *models.CreatedInbox {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/inboxes", []byte(`{"name":"ci"}`), nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created models.CreatedInbox
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	return &created
}

func keyHeader(name, value string) http.Header {
	h := http.Header{}
	h.Set(name, value)
	return h
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) httputil.ErrorResponse {
	t.Helper()
	var resp httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestCreateInbox(t *testing.T) {
	env := newTestEnv(t)
	created := env.createInbox(t)

	assert.Equal(t, "ci", created.Name)
	assert.NotEmpty(t, created.PrivateSecret)
	assert.Equal(t, "http://broker.test/api/inbox/"+created.ID, created.EndpointURL)

	rr := env.do(t, http.MethodPost, "/api/inboxes", nil, nil)
	assert.Equal(t, http.StatusCreated, rr.Code, "body is optional")

	rr = env.do(t, http.MethodPost, "/api/inboxes", []byte(`{"name":`), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListInboxes(t *testing.T) {
	env := newTestEnv(t)
	created := env.createInbox(t)

	rr := env.do(t, http.MethodGet, "/api/inboxes", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), created.PrivateSecret)

	var resp models.ListInboxesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Inboxes, 1)
	assert.Equal(t, created.ID, resp.Inboxes[0].ID)
}

func TestIngest_StatusCodes(t *testing.T) {
	env := newTestEnv(t)
	inbox := env.createInbox(t)
	valid := []byte(`{"source":"ci","topic":"build"}`)

	tests := []struct {
		name   string
		target string
		header http.Header
		body   []byte
		status int
		code   string
	}{
		{"missing key", "/api/inbox/" + inbox.ID, nil, valid, http.StatusUnauthorized, CodeMissingCredential},
		{"wrong key", "/api/inbox/" + inbox.ID, keyHeader(HeaderInboxKey, "pk_wrong"), valid, http.StatusNotFound, CodeNotFound},
		{"unknown inbox", "/api/inbox/nope", keyHeader(HeaderInboxKey, inbox.PublicKey), valid, http.StatusNotFound, CodeNotFound},
		{"malformed json", "/api/inbox/" + inbox.ID, keyHeader(HeaderInboxKey, inbox.PublicKey), []byte(`{"source":`), http.StatusBadRequest, CodeMalformedJSON},
		{"invalid envelope", "/api/inbox/" + inbox.ID, keyHeader(HeaderInboxKey, inbox.PublicKey), []byte(`{"source":"ci"}`), http.StatusUnprocessableEntity, CodeInvalidEnvelope},
		{"too large", "/api/inbox/" + inbox.ID, keyHeader(HeaderInboxKey, inbox.PublicKey), []byte(`{"source":"ci","topic":"` + strings.Repeat("x", 300) + `"}`), http.StatusRequestEntityTooLarge, CodePayloadTooLarge},
		{"too large without key", "/api/inbox/" + inbox.ID, nil, []byte(`{"source":"ci","topic":"` + strings.Repeat("x", 300) + `"}`), http.StatusUnauthorized, CodeMissingCredential},
		{"too large without key for unknown inbox", "/api/inbox/nope", nil, bytes.Repeat([]byte("x"), 1024), http.StatusUnauthorized, CodeMissingCredential},
		{"invalid utf-8", "/api/inbox/" + inbox.ID, keyHeader(HeaderInboxKey, inbox.PublicKey), []byte("{\"source\":\"a\xff\",\"topic\":\"t\"}"), http.StatusBadRequest, CodeMalformedJSON},
		{"escaped NUL", "/api/inbox/" + inbox.ID, keyHeader(HeaderInboxKey, inbox.PublicKey), []byte(`{"source":"a","topic":"t\u0000"}`), http.StatusUnprocessableEntity, CodeInvalidEnvelope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, tt.target, tt.body, tt.header)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.Equal(t, tt.code, decodeError(t, rr).Code)
		})
	}
}

func TestIngest_NotFoundResponsesAreIdentical(t *testing.T) {
	env := newTestEnv(t)
	inbox := env.createInbox(t)
	body := []byte(`{"source":"ci","topic":"build"}`)

	wrong := env.do(t, http.MethodPost, "/api/inbox/"+inbox.ID, body, keyHeader(HeaderInboxKey, "pk_wrong"))
	unknown := env.do(t, http.MethodPost, "/api/inbox/missing", body, keyHeader(HeaderInboxKey, inbox.PublicKey))
	assert.Equal(t, wrong.Code, unknown.Code)
	assert.Equal(t, wrong.Body.String(), unknown.Body.String())
}

func TestIngest_FieldErrors(t *testing.T) {
	env := newTestEnv(t)
	inbox := env.createInbox(t)

	rr := env.do(t, http.MethodPost, "/api/inbox/"+inbox.ID, []byte(`{"topic":5}`), keyHeader(HeaderInboxKey, inbox.PublicKey))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	var resp struct {
		Fields []struct {
			Field  string `json:"field"`
			Reason string `json:"reason"`
		} `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Fields, 2)
	assert.Equal(t, "source", resp.Fields[0].Field)
	assert.Equal(t, "topic", resp.Fields[1].Field)
}

func TestIngest_AcceptsKeyFromQueryAndStoresAllowedHeaders(t *testing.T) {
	env := newTestEnv(t)
	inbox := env.createInbox(t)

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Cookie", "session=abc")
	rr := env.do(t, http.MethodPost, "/api/inbox/"+inbox.ID+"?key="+inbox.PublicKey,
		[]byte(`{"source":"ci","topic":"build","extra":[1,2]}`), header)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp models.IngestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.NotEmpty(t, resp.ID)

	rr = env.do(t, http.MethodGet, "/api/inbox/"+inbox.ID+"/messages", nil, keyHeader(HeaderInboxSecret, inbox.PrivateSecret))
	require.Equal(t, http.StatusOK, rr.Code)

	var list models.ListMessagesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Messages, 1)
	msg := list.Messages[0]
	assert.Equal(t, resp.ID, msg.ID)
	assert.Equal(t, "POST", msg.Method)
	assert.Equal(t, map[string]string{"content-type": "application/json"}, msg.Headers)
	assert.JSONEq(t, `{"source":"ci","topic":"build","extra":[1,2]}`, string(msg.Body))
}

func TestGetMessages_QueryParams(t *testing.T) {
	env := newTestEnv(t)
	inbox := env.createInbox(t)
	for _, topic := range []string{"deploy.start", "deploy.done", "test.run"} {
		rr := env.do(t, http.MethodPost, "/api/inbox/"+inbox.ID,
			[]byte(`{"source":"ci","topic":"`+topic+`"}`), keyHeader(HeaderInboxKey, inbox.PublicKey))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	bearer := keyHeader("Authorization", "Bearer "+inbox.PrivateSecret)
	rr := env.do(t, http.MethodGet, "/api/inbox/"+inbox.ID+"/messages?topic=deploy&limit=1", nil, bearer)
	require.Equal(t, http.StatusOK, rr.Code)

	var list models.ListMessagesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Limit)
	require.Len(t, list.Messages, 1)
	assert.Contains(t, string(list.Messages[0].Body), "deploy.done")

	rr = env.do(t, http.MethodGet, "/api/inbox/"+inbox.ID+"/messages?view=interactive&secret="+inbox.PrivateSecret, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, query.DefaultInteractiveLimit, list.Limit)
	assert.Equal(t, 3, list.Count)

	rr = env.do(t, http.MethodGet, "/api/inbox/"+inbox.ID+"/messages", nil, keyHeader(HeaderInboxSecret, inbox.PublicKey))
	assert.Equal(t, http.StatusNotFound, rr.Code, "public key must not read messages")
}

func TestGetAndDeleteInbox(t *testing.T) {
	env := newTestEnv(t)
	inbox := env.createInbox(t)
	secret := keyHeader(HeaderInboxSecret, inbox.PrivateSecret)

	rr := env.do(t, http.MethodGet, "/api/inbox/"+inbox.ID, nil, secret)
	require.Equal(t, http.StatusOK, rr.Code)
	var info models.InboxSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	require.NotNil(t, info.MessageCount)
	assert.Zero(t, *info.MessageCount)
	assert.NotContains(t, rr.Body.String(), inbox.PrivateSecret)

	rr = env.do(t, http.MethodDelete, "/api/inbox/"+inbox.ID, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodDelete, "/api/inbox/"+inbox.ID, nil, secret)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ok":true}`, rr.Body.String())

	rr = env.do(t, http.MethodGet, "/api/inbox/"+inbox.ID, nil, secret)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWriteServiceError_Mapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{service.ErrRateLimited, http.StatusTooManyRequests},
		{service.ErrInvalidCursor, http.StatusBadRequest},
		{service.ErrInboxNotFound, http.StatusNotFound},
		{errors.Join(service.ErrStorageUnavailable, errors.New("pool closed")), http.StatusServiceUnavailable},
		{service.ErrShuttingDown, http.StatusServiceUnavailable},
		{service.ErrConflict, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			writeServiceError(rr, req, slogDiscard(), tt.err)
			assert.Equal(t, tt.status, rr.Code)
		})
	}
}

func readSSEEvent(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" {
				return event, data
			}
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSSE_StreamsMessagesAndDeletion(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()
	inbox := env.createInbox(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/inbox/"+inbox.ID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderInboxSecret, inbox.PrivateSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	msg, err := env.svc.Ingest(ctx, &models.IngestRequest{
		InboxID: inbox.ID, PublicKey: inbox.PublicKey, Body: []byte(`{"source":"ci","topic":"live"}`),
	})
	require.NoError(t, err)

	event, data := readSSEEvent(t, reader)
	assert.Equal(t, EventMessage, event)
	var got models.Message
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, msg.ID, got.ID)

	require.NoError(t, env.svc.DeleteInbox(ctx, inbox.ID, inbox.PrivateSecret))
	event, _ = readSSEEvent(t, reader)
	assert.Equal(t, EventInboxDeleted, event)
}

func TestSSE_SendsHeartbeats(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()
	inbox := env.createInbox(t)

	resp, err := http.Get(srv.URL + "/api/inbox/" + inbox.ID + "/stream?secret=" + inbox.PrivateSecret)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	_, err = reader.ReadString('\n') // connected
	require.NoError(t, err)
	_, err = reader.ReadString('\n')
	require.NoError(t, err)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": heartbeat\n", line)
}

func TestSSE_RejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	inbox := env.createInbox(t)

	rr := env.do(t, http.MethodGet, "/api/inbox/"+inbox.ID+"/stream", nil, keyHeader(HeaderInboxSecret, inbox.PublicKey))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/inbox/"+inbox.ID+"/stream?after=unknown", nil, keyHeader(HeaderInboxSecret, inbox.PrivateSecret))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebSocket_StreamsMessages(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()
	inbox := env.createInbox(t)

	ctx := context.Background()
	first, err := env.svc.Ingest(ctx, &models.IngestRequest{
		InboxID: inbox.ID, PublicKey: inbox.PublicKey, Body: []byte(`{"source":"ci","topic":"one"}`),
	})
	require.NoError(t, err)
	second, err := env.svc.Ingest(ctx, &models.IngestRequest{
		InboxID: inbox.ID, PublicKey: inbox.PublicKey, Body: []byte(`{"source":"ci","topic":"two"}`),
	})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/inbox/" + inbox.ID + "/ws?after=" + first.ID
	conn, resp, err := websocket.DefaultDialer.Dial(url, keyHeader(HeaderInboxSecret, inbox.PrivateSecret))
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev wsEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventMessage, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, second.ID, ev.Message.ID, "resume replays messages after the cursor")

	require.NoError(t, env.svc.DeleteInbox(ctx, inbox.ID, inbox.PrivateSecret))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventInboxDeleted, ev.Type)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebSocket_RejectsBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()
	inbox := env.createInbox(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/inbox/" + inbox.ID + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
