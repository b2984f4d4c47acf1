package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatrelay/internal/model"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func userMsg(text string) model.NewMessage {
	return model.NewMessage{Role: model.RoleUser, Content: text}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c, err := s.Create(ctx, "c1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTitle, c.Title)

	got, ok, err := s.Get(ctx, "c1", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, c.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())

	_, err = s.Create(ctx, "c1", "alice", "again")
	assert.ErrorIs(t, err, ErrConversationExists)

	_, err = s.Create(ctx, "c1", "bob", "steal")
	assert.ErrorIs(t, err, ErrConversationExists)
}

func TestAppendThenListKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := s.AppendMessage(ctx, "c1", "alice", userMsg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, "c1", "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Content)
		assert.Equal(t, model.RoleUser, m.Role)
		assert.NotNil(t, m.Images)
		assert.NotNil(t, m.Files)
	}
}

func TestAppendAutoCreatesConversation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, ok, err := s.Get(ctx, "fresh", "alice")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.AppendMessage(ctx, "fresh", "alice", userMsg("hello"))
	require.NoError(t, err)

	c, ok, err := s.Get(ctx, "fresh", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.DefaultTitle, c.Title)
}

func TestAppendAdvancesUpdatedAt(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c, err := s.Create(ctx, "c1", "alice", "t")
	require.NoError(t, err)

	prev := c.UpdatedAt
	for i := 0; i < 3; i++ {
		_, err := s.AppendMessage(ctx, "c1", "alice", userMsg("x"))
		require.NoError(t, err)
		got, _, err := s.Get(ctx, "c1", "alice")
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.After(prev), "updated_at must advance")
		prev = got.UpdatedAt
	}

	renamed, err := s.Rename(ctx, "c1", "alice", "new title")
	require.NoError(t, err)
	assert.Equal(t, "new title", renamed.Title)
	assert.True(t, renamed.UpdatedAt.After(prev))
}

func TestAppendRejectsForeignOwner(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Create(ctx, "c1", "bob", "")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, "c1", "alice", userMsg("intrude"))
	assert.ErrorIs(t, err, ErrForbidden)

	msgs, err := s.ListMessages(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCrossOwnerIsolation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.AppendMessage(ctx, "c1", "bob", userMsg("secret"))
	require.NoError(t, err)

	_, ok, err := s.Get(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)

	msgs, err := s.ListMessages(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = s.Rename(ctx, "c1", "alice", "x")
	assert.ErrorIs(t, err, ErrForbidden)

	assert.ErrorIs(t, s.Delete(ctx, "c1", "alice"), ErrConversationNotFound)
	assert.ErrorIs(t, s.ClearMessages(ctx, "c1", "alice"), ErrConversationNotFound)

	msgs, err = s.ListMessages(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestClearKeepsConversation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.AppendMessage(ctx, "c1", "alice", userMsg("a"))
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, "c1", "alice", userMsg("b"))
	require.NoError(t, err)

	require.NoError(t, s.ClearMessages(ctx, "c1", "alice"))

	msgs, err := s.ListMessages(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, ok, err := s.Get(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, s.ClearMessages(ctx, "missing", "alice"), ErrConversationNotFound)
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.AppendMessage(ctx, "c1", "alice", userMsg("a"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "c1", "alice"))

	_, ok, err := s.Get(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	// a new conversation under the same uuid starts empty
	_, err = s.Create(ctx, "c1", "alice", "")
	require.NoError(t, err)
	msgs, err := s.ListMessages(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.ErrorIs(t, s.Delete(ctx, "nope", "alice"), ErrConversationNotFound)
}

func TestListNewestUpdatedFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Create(ctx, id, "alice", id)
		require.NoError(t, err)
	}
	_, err := s.AppendMessage(ctx, "a", "alice", userMsg("bump"))
	require.NoError(t, err)

	list, err := s.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].UUID)
}

func TestRefsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	img := model.BlobRef{Key: "abc.png", Type: "image/png", Size: 3}
	file := model.BlobRef{Key: "def.pdf", Name: "doc.pdf", Type: "application/pdf", Size: 9}
	_, err := s.AppendMessage(ctx, "c1", "alice", model.NewMessage{
		Role:     model.RoleAssistant,
		Content:  "see",
		Images:   []model.BlobRef{img},
		Files:    []model.BlobRef{file},
		Thinking: "hmm",
	})
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, "c1", "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []model.BlobRef{img}, msgs[0].Images)
	assert.Equal(t, []model.BlobRef{file}, msgs[0].Files)
	assert.Equal(t, "hmm", msgs[0].Thinking)
}

func TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, "c1", "alice", userMsg(fmt.Sprint(i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := s.ListMessages(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Len(t, msgs, 10)
}
