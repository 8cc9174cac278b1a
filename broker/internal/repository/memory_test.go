package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRepository(t *testing.T) {
	testRepositoryContract(t, func(t *testing.T) Repository {
		return NewInMemoryRepository()
	})
}

func TestInMemoryRepository_ReceivedAtNeverDecreases(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	inbox := createTestInbox(t, repo)

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }

	first := newTestMessage(inbox.ID, "a", "b", "")
	require.NoError(t, repo.AppendMessage(ctx, first))

	clock = clock.Add(-time.Minute) // wall clock stepped backwards
	second := newTestMessage(inbox.ID, "a", "b", "")
	require.NoError(t, repo.AppendMessage(ctx, second))

	assert.Equal(t, first.ReceivedAt, second.ReceivedAt)
	assert.Greater(t, second.Seq, first.Seq)
}

func TestInMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	inbox := createTestInbox(t, repo)
	require.NoError(t, repo.AppendMessage(ctx, newTestMessage(inbox.ID, "a", "b", "")))

	got, err := repo.ListMessages(ctx, inbox.ID, MessageFilter{Limit: 1})
	require.NoError(t, err)
	got[0].Headers["content-type"] = "tampered"

	again, err := repo.ListMessages(ctx, inbox.ID, MessageFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "application/json", again[0].Headers["content-type"])
}

func TestInMemoryRepository_AppendHonoursCancelledContext(t *testing.T) {
	repo := NewInMemoryRepository()
	inbox := createTestInbox(t, repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, repo.AppendMessage(ctx, newTestMessage(inbox.ID, "a", "b", "")), context.Canceled)
}
