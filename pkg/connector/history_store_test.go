package connector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatcore/pkg/chat"
)

func openTestHistory(t *testing.T) *historyStore {
	t.Helper()
	s, err := openHistoryStore(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestHistory(t)
	ts := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	msgs := []chat.Message{
		{ID: "b", ConversationID: "c1", Text: "second", Sender: chat.SenderOther, Timestamp: ts},
		{ID: "a", ConversationID: "c1", Text: "first", Sender: chat.SenderSelf, Status: chat.StatusDelivered, Editable: true, Timestamp: ts},
		{ID: "c", ConversationID: "c1", Text: "photo.png", Sender: chat.SenderOther, Timestamp: ts.Add(time.Minute), Attachment: &chat.Attachment{
			ContentID: "0b8f3c52-8f0e-4e4b-a0c8-2f1d9a7e6c11",
			Name:      "photo.png",
			Size:      2048,
			Type:      "file",
			Kind:      chat.KindImage,
			URL:       "https://chat.example.com/api/files/0b8f3c52-8f0e-4e4b-a0c8-2f1d9a7e6c11",
			Width:     800,
			Height:    600,
		}},
	}
	require.NoError(t, s.SaveSnapshot(ctx, "c1", msgs))

	loaded, err := s.LoadMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{loaded[0].ID, loaded[1].ID, loaded[2].ID})
	assert.True(t, loaded[1].Editable)
	assert.Equal(t, chat.StatusDelivered, loaded[1].Status)
	assert.True(t, loaded[0].Timestamp.Equal(ts))
	require.NotNil(t, loaded[2].Attachment)
	assert.Equal(t, *msgs[2].Attachment, *loaded[2].Attachment)

	savedAt, ok, err := s.SavedAt(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), savedAt, time.Minute)
}

func TestHistorySnapshotReplaces(t *testing.T) {
	ctx := context.Background()
	s := openTestHistory(t)
	require.NoError(t, s.SaveSnapshot(ctx, "c1", []chat.Message{{ID: "a", Text: "one"}, {ID: "b", Text: "two"}}))
	require.NoError(t, s.SaveSnapshot(ctx, "c2", []chat.Message{{ID: "x", Text: "other"}}))
	require.NoError(t, s.SaveSnapshot(ctx, "c1", []chat.Message{{ID: "b", Text: "two edited"}}))

	loaded, err := s.LoadMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "two edited", loaded[0].Text)
	assert.True(t, loaded[0].Timestamp.IsZero())

	require.NoError(t, s.DeleteConversation(ctx, "c1"))
	loaded, err = s.LoadMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, loaded)
	_, ok, err := s.SavedAt(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	loaded, err = s.LoadMessages(ctx, "c2")
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}
