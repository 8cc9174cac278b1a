package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autonlabs/inbox-broker/broker/internal/models"
)

// testRepositoryContract exercises behaviour every Repository must share.
func testRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("create and get inbox", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		inbox := newTestInbox("builds")
		require.NoError(t, repo.CreateInbox(ctx, inbox))

		got, err := repo.GetInbox(ctx, inbox.ID)
		require.NoError(t, err)
		assert.Equal(t, inbox.Name, got.Name)
		assert.Equal(t, inbox.PublicKey, got.PublicKey)
		assert.Equal(t, inbox.PrivateSecret, got.PrivateSecret)

		_, err = repo.GetInbox(ctx, "missing")
		assert.ErrorIs(t, err, ErrInboxNotFound)
	})

	t.Run("credential collision", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		first := newTestInbox("a")
		require.NoError(t, repo.CreateInbox(ctx, first))

		dupPublic := newTestInbox("b")
		dupPublic.PublicKey = first.PublicKey
		assert.ErrorIs(t, repo.CreateInbox(ctx, dupPublic), ErrCredentialConflict)

		dupSecret := newTestInbox("c")
		dupSecret.PrivateSecret = first.PrivateSecret
		assert.ErrorIs(t, repo.CreateInbox(ctx, dupSecret), ErrCredentialConflict)

		dupID := newTestInbox("d")
		dupID.ID = first.ID
		assert.ErrorIs(t, repo.CreateInbox(ctx, dupID), ErrInboxExists)
	})

	t.Run("list inboxes newest first", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		base := time.Now().UTC().Truncate(time.Second)
		var ids []string
		for i := 0; i < 3; i++ {
			inbox := newTestInbox(fmt.Sprintf("inbox-%d", i))
			inbox.CreatedAt = base.Add(time.Duration(i) * time.Second)
			require.NoError(t, repo.CreateInbox(ctx, inbox))
			ids = append(ids, inbox.ID)
		}

		got, err := repo.ListInboxes(ctx, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{got[0].ID, got[1].ID, got[2].ID})

		got, err = repo.ListInboxes(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("append assigns identity and order", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		inbox := createTestInbox(t, repo)

		var last *models.Message
		for i := 0; i < 5; i++ {
			msg := newTestMessage(inbox.ID, "agent", fmt.Sprintf("t%d", i), "")
			require.NoError(t, repo.AppendMessage(ctx, msg))
			assert.NotEmpty(t, msg.ID)
			assert.False(t, msg.ReceivedAt.IsZero())
			if last != nil {
				assert.Greater(t, msg.Seq, last.Seq)
				assert.False(t, msg.ReceivedAt.Before(last.ReceivedAt))
				assert.NotEqual(t, last.ID, msg.ID)
			}
			last = msg
		}

		got, err := repo.ListMessages(ctx, inbox.ID, MessageFilter{Limit: 10})
		require.NoError(t, err)
		require.Len(t, got, 5)
		assert.Equal(t, "t4", got[0].Envelope.Topic)
		assert.Equal(t, "t0", got[4].Envelope.Topic)
		assert.Equal(t, "application/json", got[0].Headers["content-type"])
		assert.Equal(t, models.DefaultMethod, got[0].Method)

		count, err := repo.CountMessages(ctx, inbox.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 5, count)
	})

	t.Run("append to missing inbox", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.AppendMessage(context.Background(), newTestMessage("missing", "a", "b", ""))
		assert.ErrorIs(t, err, ErrInboxNotFound)
	})

	t.Run("limit and filters", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		inbox := createTestInbox(t, repo)

		seed := []struct{ source, topic, ref string }{
			{"ci-runner", "build.started", "PR-1"},
			{"ci-runner", "build.done", "PR-1"},
			{"deployer", "deploy.done", "PR-2"},
			{"deployer", "Build.done", ""},
			{"ci-runner", "build.done", "PR-3"},
		}
		for _, s := range seed {
			require.NoError(t, repo.AppendMessage(ctx, newTestMessage(inbox.ID, s.source, s.topic, s.ref)))
		}

		tests := []struct {
			name   string
			filter MessageFilter
			topics []string
		}{
			{"limit", MessageFilter{Limit: 2}, []string{"build.done", "Build.done"}},
			{"topic substring is case sensitive", MessageFilter{Limit: 10, Topic: "build"}, []string{"build.done", "build.done", "build.started"}},
			{"source and topic", MessageFilter{Limit: 10, Source: "deploy", Topic: "done"}, []string{"Build.done", "deploy.done"}},
			{"ref never matches missing ref", MessageFilter{Limit: 10, Ref: "PR"}, []string{"build.done", "deploy.done", "build.done", "build.started"}},
			{"filter applied before limit", MessageFilter{Limit: 1, Ref: "PR-2"}, []string{"deploy.done"}},
			{"no match", MessageFilter{Limit: 10, Topic: "nope"}, []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := repo.ListMessages(ctx, inbox.ID, tt.filter)
				require.NoError(t, err)
				topics := make([]string, 0, len(got))
				for _, m := range got {
					topics = append(topics, m.Envelope.Topic)
				}
				assert.Equal(t, tt.topics, topics)
			})
		}
	})

	t.Run("list after sequence and get message", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		inbox := createTestInbox(t, repo)

		var appended []*models.Message
		for i := 0; i < 4; i++ {
			msg := newTestMessage(inbox.ID, "a", fmt.Sprintf("t%d", i), "")
			require.NoError(t, repo.AppendMessage(ctx, msg))
			appended = append(appended, msg)
		}

		got, err := repo.GetMessage(ctx, inbox.ID, appended[1].ID)
		require.NoError(t, err)
		assert.Equal(t, appended[1].Seq, got.Seq)

		_, err = repo.GetMessage(ctx, inbox.ID, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
		assert.ErrorIs(t, err, ErrMessageNotFound)

		after, err := repo.ListMessagesAfter(ctx, inbox.ID, appended[1].Seq, 0)
		require.NoError(t, err)
		require.Len(t, after, 2)
		assert.Equal(t, "t2", after[0].Envelope.Topic)
		assert.Equal(t, "t3", after[1].Envelope.Topic)

		after, err = repo.ListMessagesAfter(ctx, inbox.ID, 0, 1)
		require.NoError(t, err)
		require.Len(t, after, 1)
		assert.Equal(t, "t0", after[0].Envelope.Topic)
	})

	t.Run("delete messages is idempotent", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		inbox := createTestInbox(t, repo)
		require.NoError(t, repo.AppendMessage(ctx, newTestMessage(inbox.ID, "a", "b", "")))

		require.NoError(t, repo.DeleteMessages(ctx, inbox.ID))
		require.NoError(t, repo.DeleteMessages(ctx, inbox.ID))
		require.NoError(t, repo.DeleteMessages(ctx, "missing"))

		count, err := repo.CountMessages(ctx, inbox.ID)
		require.NoError(t, err)
		assert.Zero(t, count)

		_, err = repo.GetInbox(ctx, inbox.ID)
		assert.NoError(t, err)
	})

	t.Run("delete inbox cascades", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		inbox := createTestInbox(t, repo)
		other := createTestInbox(t, repo)
		require.NoError(t, repo.AppendMessage(ctx, newTestMessage(inbox.ID, "a", "b", "")))
		require.NoError(t, repo.AppendMessage(ctx, newTestMessage(other.ID, "a", "b", "")))

		require.NoError(t, repo.DeleteInbox(ctx, inbox.ID))
		assert.ErrorIs(t, repo.DeleteInbox(ctx, inbox.ID), ErrInboxNotFound)

		_, err := repo.GetInbox(ctx, inbox.ID)
		assert.ErrorIs(t, err, ErrInboxNotFound)
		_, err = repo.ListMessages(ctx, inbox.ID, MessageFilter{Limit: 10})
		assert.ErrorIs(t, err, ErrInboxNotFound)
		_, err = repo.CountMessages(ctx, inbox.ID)
		assert.ErrorIs(t, err, ErrInboxNotFound)
		assert.ErrorIs(t, repo.AppendMessage(ctx, newTestMessage(inbox.ID, "a", "b", "")), ErrInboxNotFound)

		count, err := repo.CountMessages(ctx, other.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)

		// Credentials of a deleted inbox may be issued again.
		reuse := newTestInbox("reuse")
		reuse.PublicKey = inbox.PublicKey
		assert.NoError(t, repo.CreateInbox(ctx, reuse))
	})

	t.Run("concurrent appends", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		inbox := createTestInbox(t, repo)

		const writers, perWriter = 8, 25
		var wg sync.WaitGroup
		errs := make(chan error, writers*perWriter)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					errs <- repo.AppendMessage(ctx, newTestMessage(inbox.ID, fmt.Sprintf("w%d", w), "load", ""))
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := repo.ListMessagesAfter(ctx, inbox.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, got, writers*perWriter)
		ids := make(map[string]bool)
		for i, m := range got {
			assert.EqualValues(t, i+1, m.Seq)
			assert.False(t, ids[m.ID], "duplicate id")
			ids[m.ID] = true
			if i > 0 {
				assert.False(t, m.ReceivedAt.Before(got[i-1].ReceivedAt))
			}
		}
	})

	t.Run("delete races with appends", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		inbox := createTestInbox(t, repo)

		var wg sync.WaitGroup
		errs := make(chan error, 50)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- repo.AppendMessage(ctx, newTestMessage(inbox.ID, "a", "race", ""))
			}()
		}
		require.NoError(t, repo.DeleteInbox(ctx, inbox.ID))
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, ErrInboxNotFound)
			}
		}
		_, err := repo.ListMessages(ctx, inbox.ID, MessageFilter{Limit: 100})
		assert.ErrorIs(t, err, ErrInboxNotFound)
	})

	t.Run("reads racing inbox deletion see all or nothing", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		inbox := createTestInbox(t, repo)

		const stored = 20
		var first *models.Message
		for i := 0; i < stored; i++ {
			msg := newTestMessage(inbox.ID, "a", "snapshot", "")
			require.NoError(t, repo.AppendMessage(ctx, msg))
			if first == nil {
				first = msg
			}
		}

		type result struct {
			listed int
			err    error
		}
		const readers = 40
		var wg sync.WaitGroup
		results := make(chan result, readers)
		for i := 0; i < readers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				switch i % 3 {
				case 0:
					msgs, err := repo.ListMessagesAfter(ctx, inbox.ID, 0, 0)
					results <- result{listed: len(msgs), err: err}
				case 1:
					msgs, err := repo.ListMessages(ctx, inbox.ID, MessageFilter{Limit: 100})
					results <- result{listed: len(msgs), err: err}
				default:
					// A torn read surfaces here as ErrMessageNotFound.
					_, err := repo.GetMessage(ctx, inbox.ID, first.ID)
					results <- result{listed: stored, err: err}
				}
			}(i)
		}
		require.NoError(t, repo.DeleteInbox(ctx, inbox.ID))
		wg.Wait()
		close(results)

		for res := range results {
			if res.err != nil {
				assert.ErrorIs(t, res.err, ErrInboxNotFound)
				continue
			}
			// An inbox observed as present must come with its full history.
			assert.Equal(t, stored, res.listed)
		}
	})
}

func newTestInbox(name string) *models.Inbox {
	return &models.Inbox{
		ID:            uuid.NewString(),
		Name:          name,
		PublicKey:     "pk_" + uuid.NewString(),
		PrivateSecret: "sk_" + uuid.NewString(),
		CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
}

func createTestInbox(t *testing.T, repo Repository) *models.Inbox {
	t.Helper()
	inbox := newTestInbox("test")
	require.NoError(t, repo.CreateInbox(context.Background(), inbox))
	return inbox
}

func newTestMessage(inboxID, source, topic, ref string) *models.Message {
	env := models.Envelope{Source: source, Topic: topic}
	if ref != "" {
		env.Ref = &ref
	}
	body, _ := json.Marshal(env)
	return &models.Message{
		InboxID:  inboxID,
		Headers:  map[string]string{"content-type": "application/json"},
		Body:     body,
		Method:   models.DefaultMethod,
		Envelope: env,
	}
}
