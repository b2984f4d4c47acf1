package chatclient

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/capitalize-ai/chatrelay/internal/model"
	"github.com/capitalize-ai/chatrelay/pkg/logger"
)

// fakeRemote records every call in order and serves canned data.
type fakeRemote struct {
	mu        sync.Mutex
	calls     []string
	appended  []model.AppendMessageRequest
	convs     []model.Conversation
	messages  map[string][]model.Message
	blobs     map[string]model.Attachment
	blobCalls int
	failWith  error
	chat      func(req *model.ChatRequest, progress func(model.ChatMessage)) (*model.ChatResult, error)
	lastChat  *model.ChatRequest
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		messages: map[string][]model.Message{},
		blobs:    map[string]model.Attachment{},
	}
}

func (f *fakeRemote) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failWith
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	return f.convs, f.record("list")
}

func (f *fakeRemote) GetConversation(ctx context.Context, uuid string) (*model.ConversationDetail, error) {
	if err := f.record("get " + uuid); err != nil {
		return nil, err
	}
	for _, c := range f.convs {
		if c.UUID == uuid {
			return &model.ConversationDetail{Conversation: c, Messages: f.messages[uuid]}, nil
		}
	}
	return nil, &APIError{StatusCode: 404, Message: "conversation not found"}
}

func (f *fakeRemote) CreateConversation(ctx context.Context, uuid, title string) (*model.Conversation, error) {
	if err := f.record("create " + uuid); err != nil {
		return nil, err
	}
	return &model.Conversation{UUID: uuid, Title: title}, nil
}

func (f *fakeRemote) RenameConversation(ctx context.Context, uuid, title string) error {
	return f.record("rename " + uuid + " " + title)
}

func (f *fakeRemote) DeleteConversation(ctx context.Context, uuid string) error {
	return f.record("delete " + uuid)
}

func (f *fakeRemote) AppendMessage(ctx context.Context, uuid string, req *model.AppendMessageRequest) (*model.Message, error) {
	if err := f.record("append " + uuid + " " + string(req.Role)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.appended = append(f.appended, *req)
	f.mu.Unlock()
	return &model.Message{ConversationUUID: uuid, Role: req.Role, Content: req.Content}, nil
}

func (f *fakeRemote) ClearMessages(ctx context.Context, uuid string) error {
	return f.record("clear " + uuid)
}

func (f *fakeRemote) Blob(ctx context.Context, ref model.BlobRef) (model.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobCalls++
	a, ok := f.blobs[ref.Key]
	if !ok {
		return model.Attachment{}, &APIError{StatusCode: 404, Message: "blob not found"}
	}
	return a, nil
}

func (f *fakeRemote) ChatProcess(ctx context.Context, req *model.ChatRequest, progress func(model.ChatMessage)) (*model.ChatResult, error) {
	f.mu.Lock()
	f.lastChat = req
	f.mu.Unlock()
	return f.chat(req, progress)
}

func openCache(t *testing.T, remote Remote, path string) *Cache {
	t.Helper()
	c, err := NewCache(remote, path, WithCacheLogger(logger.NewNop()), WithOpTimeout(time.Second))
	require.NoError(t, err)
	return c
}

func newTestCache(t *testing.T, remote Remote) *Cache {
	t.Helper()
	c := openCache(t, remote, filepath.Join(t.TempDir(), "state", "chat.bolt"))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func flush(t *testing.T, c *Cache) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))
}

func TestCacheAddConversationPrependsAndSyncsInOrder(t *testing.T) {
	remote := newFakeRemote()
	c := newTestCache(t, remote)

	a, err := c.AddConversation("")
	require.NoError(t, err)
	b, err := c.AddConversation("Second")
	require.NoError(t, err)

	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, b, history[0].UUID)
	assert.Equal(t, "Second", history[0].Title)
	assert.Equal(t, a, history[1].UUID)
	assert.Equal(t, model.DefaultTitle, history[1].Title)
	assert.Equal(t, b, c.Active())

	flush(t, c)
	assert.Equal(t, []string{"create " + a, "create " + b}, remote.Calls())
}

func TestCacheFirstUserTurnNamesConversation(t *testing.T) {
	remote := newFakeRemote()
	c := newTestCache(t, remote)

	id, err := c.AddConversation("")
	require.NoError(t, err)

	text := strings.Repeat("é", 60)
	_, idx, err := c.AppendTurn(id, Turn{Text: text, Inversion: true})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	want := strings.Repeat("é", 50)
	assert.Equal(t, want, c.History()[0].Title)

	// a second user turn leaves the title alone
	_, _, err = c.AppendTurn(id, Turn{Text: "another question", Inversion: true})
	require.NoError(t, err)
	assert.Equal(t, want, c.History()[0].Title)

	flush(t, c)
	assert.Equal(t, []string{
		"create " + id,
		"rename " + id + " " + want,
		"append " + id + " user",
		"append " + id + " user",
	}, remote.Calls())
}

func TestCacheAssistantTurnsStayLocal(t *testing.T) {
	remote := newFakeRemote()
	c := newTestCache(t, remote)

	id, err := c.AddConversation("Titled")
	require.NoError(t, err)
	_, idx, err := c.AppendTurn(id, Turn{Loading: true})
	require.NoError(t, err)
	require.NoError(t, c.UpdateTurn(id, idx, Turn{Text: "done"}))

	flush(t, c)
	assert.Equal(t, []string{"create " + id}, remote.Calls())
	assert.Equal(t, "done", c.Turns(id)[0].Text)
}

func TestCacheAppendWithoutConversationCreatesOne(t *testing.T) {
	remote := newFakeRemote()
	c := newTestCache(t, remote)

	id, _, err := c.AppendTurn("", Turn{Text: "hi", Inversion: true})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, c.Active())
	assert.Equal(t, "hi", c.History()[0].Title)
}

func TestCacheSnapshotExcludesRawAttachments(t *testing.T) {
	remote := newFakeRemote()
	path := filepath.Join(t.TempDir(), "chat.bolt")
	c := openCache(t, remote, path)

	id, err := c.AddConversation("Pics")
	require.NoError(t, err)
	_, _, err = c.AppendTurn(id, Turn{
		Text:      "look",
		Inversion: true,
		Images:    []string{"data:image/png;base64,iVBORw0KGgo="},
		Files:     []model.Attachment{{Name: "a.txt", Type: "text/plain", Data: "data:text/plain;base64,aGk="}},
	})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// the appended message still carried the raw data to the server
	require.Len(t, remote.appended, 1)
	assert.Len(t, remote.appended[0].Images, 1)
	assert.Len(t, remote.appended[0].Files, 1)

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	var raw string
	require.NoError(t, db.View(func(tx *bolt.Tx) error {
		raw = string(tx.Bucket([]byte(stateBucket)).Get([]byte(stateKey)))
		return nil
	}))
	require.NoError(t, db.Close())
	assert.Contains(t, raw, `"look"`)
	assert.NotContains(t, raw, "base64")

	reopened := openCache(t, remote, path)
	defer reopened.Close()
	turns := reopened.Turns(id)
	require.Len(t, turns, 1)
	assert.Equal(t, "look", turns[0].Text)
	assert.True(t, turns[0].Inversion)
	assert.Nil(t, turns[0].Images)
	assert.Nil(t, turns[0].Files)
	assert.Equal(t, id, reopened.Active())
}

func TestCacheLoadRebuildsFromServer(t *testing.T) {
	remote := newFakeRemote()
	remote.convs = []model.Conversation{
		{UUID: "c2", Title: "Newer"},
		{UUID: "c1", Title: "Older"},
	}
	ref := model.BlobRef{Key: strings.Repeat("a", 64) + ".png", Type: "image/png"}
	remote.messages["c2"] = []model.Message{
		{Role: model.RoleSystem, Content: "be brief"},
		{Role: model.RoleUser, Content: "what is this", Images: []model.BlobRef{ref}},
		{Role: model.RoleAssistant, Content: "a cat"},
	}

	c := newTestCache(t, remote)
	require.NoError(t, c.Load(context.Background()))

	assert.Equal(t, "c2", c.Active())
	assert.Equal(t, []Conversation{{UUID: "c2", Title: "Newer"}, {UUID: "c1", Title: "Older"}}, c.History())

	turns := c.Turns("c2")
	require.Len(t, turns, 2)
	assert.True(t, turns[0].Inversion)
	assert.Equal(t, []model.BlobRef{ref}, turns[0].ImageRefs)
	assert.Nil(t, turns[0].Images)
	assert.False(t, turns[1].Inversion)
	assert.Equal(t, "a cat", turns[1].Text)

	assert.Empty(t, c.Turns("c1"))
}

func TestCacheLoadKeepsActiveConversation(t *testing.T) {
	remote := newFakeRemote()
	remote.convs = []model.Conversation{{UUID: "c2"}, {UUID: "c1"}}
	remote.messages["c1"] = []model.Message{{Role: model.RoleUser, Content: "old"}}

	c := newTestCache(t, remote)
	ctx := context.Background()
	require.NoError(t, c.Load(ctx))
	require.NoError(t, c.SetActive(ctx, "c1"))
	require.Len(t, c.Turns("c1"), 1)

	require.NoError(t, c.Load(ctx))
	assert.Equal(t, "c1", c.Active())
	assert.Len(t, c.Turns("c1"), 1)
}

func TestCacheSetActiveKeepsUnsyncedTurns(t *testing.T) {
	remote := newFakeRemote()
	c := newTestCache(t, remote)

	id, err := c.AddConversation("Local")
	require.NoError(t, err)
	_, _, err = c.AppendTurn(id, Turn{Text: "hello", Inversion: true})
	require.NoError(t, err)
	_, err = c.AddConversation("Other")
	require.NoError(t, err)

	// the fake server knows nothing about id
	require.NoError(t, c.SetActive(context.Background(), id))
	assert.Equal(t, id, c.Active())
	assert.Len(t, c.Turns(id), 1)

	assert.ErrorIs(t, c.SetActive(context.Background(), "missing"), ErrNotFound)
}

func TestCacheAttachmentsHydrateOnce(t *testing.T) {
	remote := newFakeRemote()
	key := strings.Repeat("b", 64) + ".png"
	remote.blobs[key] = model.Attachment{Type: "image/png", Data: "data:image/png;base64,AAAA"}
	remote.convs = []model.Conversation{{UUID: "c1"}}
	remote.messages["c1"] = []model.Message{
		{Role: model.RoleUser, Content: "pic", Images: []model.BlobRef{{Key: key, Type: "image/png"}}},
	}

	c := newTestCache(t, remote)
	ctx := context.Background()
	require.NoError(t, c.Load(ctx))

	for i := 0; i < 2; i++ {
		images, files, err := c.Attachments(ctx, "c1", 0)
		require.NoError(t, err)
		require.Len(t, images, 1)
		assert.Equal(t, "data:image/png;base64,AAAA", images[0].Data)
		assert.Empty(t, files)
	}
	assert.Equal(t, 1, remote.blobCalls)

	_, _, err := c.Attachments(ctx, "c1", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheLocalAttachmentsSkipServer(t *testing.T) {
	remote := newFakeRemote()
	c := newTestCache(t, remote)

	id, _, err := c.AppendTurn("", Turn{Text: "x", Inversion: true, Images: []string{"data:image/png;base64,AAAA"}})
	require.NoError(t, err)

	images, _, err := c.Attachments(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Zero(t, remote.blobCalls)
}

func TestCacheSendStreamsAndMirrorsReply(t *testing.T) {
	remote := newFakeRemote()
	remote.chat = func(req *model.ChatRequest, progress func(model.ChatMessage)) (*model.ChatResult, error) {
		progress(model.ChatMessage{ID: "m2", Text: "Hel", ConversationID: "cv"})
		progress(model.ChatMessage{ID: "m2", Text: "Hello", ConversationID: "cv"})
		return &model.ChatResult{Type: model.ResultSuccess, Data: &model.ChatMessage{ID: "m2", Text: "Hello", ConversationID: "cv"}}, nil
	}
	c := newTestCache(t, remote)

	id, err := c.AddConversation("Chat")
	require.NoError(t, err)
	_, _, err = c.AppendTurn(id, Turn{Text: "earlier", Inversion: true})
	require.NoError(t, err)
	_, _, err = c.AppendTurn(id, Turn{Text: "oops", Error: true})
	require.NoError(t, err)
	_, _, err = c.AppendTurn(id, Turn{Text: "reply", ConversationID: "cv", ParentMessageID: "m1"})
	require.NoError(t, err)

	var seen []string
	res, err := c.Send(context.Background(), id, "hi", nil, nil, SendOptions{Model: "gpt-4o"}, func(turn Turn) {
		seen = append(seen, turn.Text)
	})
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, res.Type)
	assert.Equal(t, []string{"Hel", "Hello"}, seen)

	req := remote.lastChat
	assert.Equal(t, "hi", req.Prompt)
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Empty(t, req.ConversationUUID)
	assert.Equal(t, []model.HistoryEntry{
		{Text: "earlier", IsUser: true},
		{Text: "reply", IsUser: false},
	}, req.ConversationHistory)
	assert.Equal(t, &model.LastContext{ConversationID: "cv", ParentMessageID: "m1"}, req.LastContext)

	turns := c.Turns(id)
	require.Len(t, turns, 5)
	assert.Equal(t, "hi", turns[3].Text)
	assert.True(t, turns[3].Inversion)
	assert.Equal(t, "Hello", turns[4].Text)
	assert.False(t, turns[4].Loading)
	assert.False(t, turns[4].Error)
	assert.Equal(t, "m2", turns[4].ParentMessageID)

	flush(t, c)
	calls := remote.Calls()
	assert.Equal(t, "append "+id+" assistant", calls[len(calls)-1])
	assert.Equal(t, "Hello", remote.appended[len(remote.appended)-1].Content)
}

func TestCacheSendOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		result    *model.ChatResult
		err       error
		wantText  string
		wantError bool
	}{
		{
			name:      "fail marks the turn",
			result:    &model.ChatResult{Type: model.ResultFail, Message: "upstream said no"},
			wantText:  "upstream said no",
			wantError: true,
		},
		{
			name:     "cancel keeps partial text",
			result:   &model.ChatResult{Type: model.ResultCancelled},
			wantText: "par",
		},
		{
			name:      "transport error marks the turn",
			err:       errors.New("connection refused"),
			wantText:  "connection refused",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := newFakeRemote()
			remote.chat = func(req *model.ChatRequest, progress func(model.ChatMessage)) (*model.ChatResult, error) {
				progress(model.ChatMessage{ID: "m", Text: "par"})
				return tt.result, tt.err
			}
			c := newTestCache(t, remote)

			id, err := c.AddConversation("T")
			require.NoError(t, err)
			_, err = c.Send(context.Background(), id, "q", nil, nil, SendOptions{}, nil)
			if tt.err != nil {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			turns := c.Turns(id)
			require.Len(t, turns, 2)
			assert.False(t, turns[1].Loading)
			assert.Equal(t, tt.wantError, turns[1].Error)
			assert.Equal(t, tt.wantText, turns[1].Text)

			flush(t, c)
			for _, call := range remote.Calls() {
				assert.NotEqual(t, "append "+id+" assistant", call)
			}
		})
	}
}

func TestCacheSyncFailuresAreSwallowed(t *testing.T) {
	remote := newFakeRemote()
	remote.failWith = errors.New("server down")
	c := newTestCache(t, remote)

	id, err := c.AddConversation("")
	require.NoError(t, err)
	_, _, err = c.AppendTurn(id, Turn{Text: "still here", Inversion: true})
	require.NoError(t, err)
	require.NoError(t, c.Rename(id, "Renamed"))

	flush(t, c)
	assert.Len(t, remote.Calls(), 4)
	assert.Equal(t, "Renamed", c.History()[0].Title)
	assert.Len(t, c.Turns(id), 1)
}

func TestCacheDeleteMovesActive(t *testing.T) {
	remote := newFakeRemote()
	c := newTestCache(t, remote)

	a, _ := c.AddConversation("a")
	b, _ := c.AddConversation("b")
	x, _ := c.AddConversation("c")
	// history is [x, b, a]

	require.NoError(t, c.SetActive(context.Background(), b))
	require.NoError(t, c.Delete(b))
	assert.Equal(t, x, c.Active())

	require.NoError(t, c.Delete(x))
	assert.Equal(t, a, c.Active())

	require.NoError(t, c.Delete(a))
	assert.Empty(t, c.Active())
	assert.Empty(t, c.History())

	assert.ErrorIs(t, c.Delete(a), ErrNotFound)

	flush(t, c)
	calls := remote.Calls()
	assert.Contains(t, calls, "delete "+b)
	assert.Contains(t, calls, "delete "+x)
	assert.Contains(t, calls, "delete "+a)
}

func TestCacheClearKeepsConversation(t *testing.T) {
	remote := newFakeRemote()
	c := newTestCache(t, remote)

	id, _, err := c.AppendTurn("", Turn{Text: "hi", Inversion: true})
	require.NoError(t, err)
	require.NoError(t, c.Clear(id))

	assert.Empty(t, c.Turns(id))
	require.Len(t, c.History(), 1)

	flush(t, c)
	calls := remote.Calls()
	assert.Equal(t, "clear "+id, calls[len(calls)-1])
}

func TestCacheCloseDrainsOutbox(t *testing.T) {
	remote := newFakeRemote()
	c := openCache(t, remote, filepath.Join(t.TempDir(), "chat.bolt"))

	for i := 0; i < 20; i++ {
		_, err := c.AddConversation("")
		require.NoError(t, err)
	}
	require.NoError(t, c.Close())
	assert.Len(t, remote.Calls(), 20)
}

func TestCacheDeleteWhileStreamingDoesNotResurrect(t *testing.T) {
	remote := newFakeRemote()
	c := newTestCache(t, remote)

	id, err := c.AddConversation("")
	require.NoError(t, err)

	remote.chat = func(req *model.ChatRequest, progress func(model.ChatMessage)) (*model.ChatResult, error) {
		progress(model.ChatMessage{ID: "m", Text: "He"})
		require.NoError(t, c.Delete(id))
		progress(model.ChatMessage{ID: "m", Text: "Hello"})
		return &model.ChatResult{Type: model.ResultSuccess, Data: &model.ChatMessage{ID: "m", Text: "Hello"}}, nil
	}

	var seen []string
	res, err := c.Send(context.Background(), id, "hi", nil, nil, SendOptions{}, func(turn Turn) {
		seen = append(seen, turn.Text)
	})
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, res.Type)
	assert.Equal(t, []string{"He"}, seen)
	assert.Empty(t, c.History())
	assert.Empty(t, c.Turns(id))

	flush(t, c)
	assert.Equal(t, []string{
		"create " + id,
		"rename " + id + " hi",
		"append " + id + " user",
		"delete " + id,
	}, remote.Calls())
}

func TestCacheClearWhileStreamingLeavesNewTurnsAlone(t *testing.T) {
	remote := newFakeRemote()
	c := newTestCache(t, remote)

	id, err := c.AddConversation("Chat")
	require.NoError(t, err)

	remote.chat = func(req *model.ChatRequest, progress func(model.ChatMessage)) (*model.ChatResult, error) {
		require.NoError(t, c.Clear(id))
		_, _, err := c.AppendTurn(id, Turn{Text: "a"})
		require.NoError(t, err)
		_, _, err = c.AppendTurn(id, Turn{Text: "b", Inversion: true})
		require.NoError(t, err)
		progress(model.ChatMessage{ID: "m", Text: "Hello"})
		return &model.ChatResult{Type: model.ResultSuccess, Data: &model.ChatMessage{ID: "m", Text: "Hello"}}, nil
	}

	_, err = c.Send(context.Background(), id, "hi", nil, nil, SendOptions{}, nil)
	require.NoError(t, err)

	turns := c.Turns(id)
	require.Len(t, turns, 2)
	assert.Equal(t, "a", turns[0].Text)
	assert.False(t, turns[0].Inversion)
	assert.Equal(t, "b", turns[1].Text)
	assert.True(t, turns[1].Inversion)
	assert.NotEqual(t, turns[0].ID, turns[1].ID)

	flush(t, c)
	for _, call := range remote.Calls() {
		assert.NotEqual(t, "append "+id+" assistant", call)
	}
}

func TestCacheTurnIDsSurviveSnapshot(t *testing.T) {
	remote := newFakeRemote()
	path := filepath.Join(t.TempDir(), "chat.bolt")
	c := openCache(t, remote, path)

	id, _, err := c.AppendTurn("", Turn{Text: "hi", Inversion: true})
	require.NoError(t, err)
	turnID := c.Turns(id)[0].ID
	require.NotEmpty(t, turnID)

	require.NoError(t, c.UpdateTurn(id, 0, Turn{Text: "hi there", Inversion: true}))
	assert.Equal(t, turnID, c.Turns(id)[0].ID)
	require.NoError(t, c.Close())

	reopened := openCache(t, remote, path)
	defer reopened.Close()
	assert.Equal(t, turnID, reopened.Turns(id)[0].ID)
}
