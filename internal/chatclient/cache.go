package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatrelay/internal/model"
	"github.com/capitalize-ai/chatrelay/pkg/logger"
)

const (
	stateBucket = "state"
	stateKey    = "chat"

	// titleRunes is how much of the first prompt becomes a default title.
	titleRunes = 50

	defaultOpTimeout = 30 * time.Second
)

// Remote is the server side of the cache. *Client implements it.
type Remote interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	GetConversation(ctx context.Context, uuid string) (*model.ConversationDetail, error)
	CreateConversation(ctx context.Context, uuid, title string) (*model.Conversation, error)
	RenameConversation(ctx context.Context, uuid, title string) error
	DeleteConversation(ctx context.Context, uuid string) error
	AppendMessage(ctx context.Context, uuid string, req *model.AppendMessageRequest) (*model.Message, error)
	ClearMessages(ctx context.Context, uuid string) error
	Blob(ctx context.Context, ref model.BlobRef) (model.Attachment, error)
	ChatProcess(ctx context.Context, req *model.ChatRequest, progress func(model.ChatMessage)) (*model.ChatResult, error)
}

// Turn is one rendered exchange entry. Inversion marks the user's side.
// ID is local and stable across snapshots; indexes shift on Clear.
//
// Images and Files hold raw data URLs for turns created locally. They are
// never written to the snapshot; a reloaded turn keeps only its refs.
type Turn struct {
	ID              string             `json:"id"`
	DateTime        time.Time          `json:"dateTime"`
	Text            string             `json:"text"`
	Thinking        string             `json:"thinking,omitempty"`
	Inversion       bool               `json:"inversion"`
	Error           bool               `json:"error"`
	Loading         bool               `json:"loading"`
	ConversationID  string             `json:"conversationId,omitempty"`
	ParentMessageID string             `json:"parentMessageId,omitempty"`
	ImageRefs       []model.BlobRef    `json:"imageRefs,omitempty"`
	FileRefs        []model.BlobRef    `json:"fileRefs,omitempty"`
	Images          []string           `json:"-"`
	Files           []model.Attachment `json:"-"`
}

// Conversation is an entry of the local history list.
type Conversation struct {
	UUID  string `json:"uuid"`
	Title string `json:"title"`
}

// State is the persisted snapshot.
type State struct {
	Active  string            `json:"active"`
	History []Conversation    `json:"history"`
	Chats   map[string][]Turn `json:"chats"`
}

// SendOptions are the per-turn relay settings.
type SendOptions struct {
	Model         string
	SystemMessage string
	Temperature   *float32
	TopP          *float32
}

// Cache keeps a local copy of the user's conversations and mirrors every
// change to the server through an ordered outbox drained by one worker.
type Cache struct {
	remote Remote
	db     *bolt.DB
	logger *logger.Logger

	opTimeout time.Duration
	now       func() time.Time

	mu    sync.Mutex
	state State

	blobMu sync.Mutex
	blobs  map[string]model.Attachment

	outbox *outbox
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheLogger sets the logger used for sync failures.
func WithCacheLogger(l *logger.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// WithOpTimeout bounds each background sync call.
func WithOpTimeout(d time.Duration) CacheOption {
	return func(c *Cache) { c.opTimeout = d }
}

// NewCache opens the snapshot at snapshotPath, restores whatever it holds and
// starts the sync worker.
func NewCache(remote Remote, snapshotPath string, opts ...CacheOption) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(snapshotPath), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(snapshotPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}

	c := &Cache{
		remote:    remote,
		db:        db,
		opTimeout: defaultOpTimeout,
		now:       time.Now,
		blobs:     make(map[string]model.Attachment),
		state:     State{Chats: map[string][]Turn{}},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Global()
	}
	c.logger = c.logger.Named("chatclient")

	if err := c.restore(); err != nil {
		_ = db.Close()
		return nil, err
	}

	c.outbox = newOutbox()
	go c.outbox.run(c.apply)
	return c, nil
}

// Load replaces local state with the server's: the conversation list plus the
// messages of the active conversation, or of the most recently updated one
// when the active conversation is gone.
func (c *Cache) Load(ctx context.Context) error {
	convs, err := c.remote.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	c.mu.Lock()
	active := c.state.Active
	c.mu.Unlock()

	history := make([]Conversation, 0, len(convs))
	found := false
	for _, conv := range convs {
		history = append(history, Conversation{UUID: conv.UUID, Title: conv.Title})
		if conv.UUID == active {
			found = true
		}
	}
	if !found {
		active = ""
		if len(history) > 0 {
			active = history[0].UUID
		}
	}

	chats := make(map[string][]Turn, len(history))
	for _, h := range history {
		chats[h.UUID] = nil
	}
	if active != "" {
		detail, err := c.remote.GetConversation(ctx, active)
		if err != nil {
			return fmt.Errorf("load conversation %s: %w", active, err)
		}
		chats[active] = turnsFromMessages(detail.Messages)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = State{Active: active, History: history, Chats: chats}
	return c.persistLocked()
}

// History returns the conversation list, newest first.
func (c *Cache) History() []Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Conversation(nil), c.state.History...)
}

// Active returns the active conversation uuid.
func (c *Cache) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Active
}

// Turns returns a copy of a conversation's turns.
func (c *Cache) Turns(uuid string) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.state.Chats[uuid]...)
}

// AddConversation puts a new conversation at the front of the history and
// makes it active.
func (c *Cache) AddConversation(title string) (string, error) {
	if title == "" {
		title = model.DefaultTitle
	}
	id := uuid.NewString()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(id, title)
	if err := c.persistLocked(); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Cache) addLocked(id, title string) {
	c.state.History = append([]Conversation{{UUID: id, Title: title}}, c.state.History...)
	c.state.Chats[id] = nil
	c.state.Active = id
	c.enqueue("create", func(ctx context.Context) error {
		_, err := c.remote.CreateConversation(ctx, id, title)
		return err
	})
}

// SetActive switches the active conversation and refreshes its turns from
// the server. Local turns are kept when the server has none.
func (c *Cache) SetActive(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.indexLocked(id) < 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	c.state.Active = id
	err := c.persistLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	detail, err := c.remote.GetConversation(ctx, id)
	if err != nil {
		// unsynced conversations are unknown to the server
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if len(detail.Messages) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Chats[id] = turnsFromMessages(detail.Messages)
	return c.persistLocked()
}

// AppendTurn adds a turn and returns its index. An empty id targets the
// active conversation, creating one when there is none. A user turn is
// mirrored to the server and names a still untitled conversation.
func (c *Cache) AppendTurn(id string, turn Turn) (string, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id = c.resolveLocked(id)
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.DateTime.IsZero() {
		turn.DateTime = c.now()
	}
	c.state.Chats[id] = append(c.state.Chats[id], turn)
	idx := len(c.state.Chats[id]) - 1

	if turn.Inversion {
		if i := c.indexLocked(id); i >= 0 && c.state.History[i].Title == model.DefaultTitle && turn.Text != "" {
			title := deriveTitle(turn.Text)
			c.state.History[i].Title = title
			c.enqueue("rename", func(ctx context.Context) error {
				return c.remote.RenameConversation(ctx, id, title)
			})
		}
		req := &model.AppendMessageRequest{
			Role:    model.RoleUser,
			Content: turn.Text,
			Images:  turn.Images,
			Files:   turn.Files,
		}
		c.enqueue("append", func(ctx context.Context) error {
			_, err := c.remote.AppendMessage(ctx, id, req)
			return err
		})
	}

	return id, idx, c.persistLocked()
}

// UpdateTurn replaces a turn in place. It is local only.
func (c *Cache) UpdateTurn(id string, idx int, turn Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	turns := c.state.Chats[id]
	if idx < 0 || idx >= len(turns) {
		return fmt.Errorf("%w: turn %d of %s", ErrNotFound, idx, id)
	}
	if turn.ID == "" {
		turn.ID = turns[idx].ID
	}
	turns[idx] = turn
	return c.persistLocked()
}

// Rename sets a conversation's title.
func (c *Cache) Rename(id, title string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	c.state.History[i].Title = title
	c.enqueue("rename", func(ctx context.Context) error {
		return c.remote.RenameConversation(ctx, id, title)
	})
	return c.persistLocked()
}

// Delete removes a conversation. The neighbour before it becomes active, or
// the new first entry when it was first.
func (c *Cache) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	c.state.History = append(c.state.History[:i], c.state.History[i+1:]...)
	delete(c.state.Chats, id)

	if c.state.Active == id {
		c.state.Active = ""
		if len(c.state.History) > 0 {
			next := i - 1
			if next < 0 {
				next = 0
			}
			c.state.Active = c.state.History[next].UUID
		}
	}

	c.enqueue("delete", func(ctx context.Context) error {
		return c.remote.DeleteConversation(ctx, id)
	})
	return c.persistLocked()
}

// Clear drops a conversation's turns and keeps the conversation.
func (c *Cache) Clear(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.indexLocked(id) < 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	c.state.Chats[id] = nil
	c.enqueue("clear", func(ctx context.Context) error {
		return c.remote.ClearMessages(ctx, id)
	})
	return c.persistLocked()
}

// Attachments returns the images and files of a turn. Local turns answer
// from memory; reloaded turns hydrate their refs through the server once and
// are memoized for the life of the cache.
func (c *Cache) Attachments(ctx context.Context, id string, idx int) ([]model.Attachment, []model.Attachment, error) {
	c.mu.Lock()
	turns := c.state.Chats[id]
	if idx < 0 || idx >= len(turns) {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: turn %d of %s", ErrNotFound, idx, id)
	}
	turn := turns[idx]
	c.mu.Unlock()

	var images, files []model.Attachment
	if len(turn.Images) > 0 || len(turn.Files) > 0 {
		for _, img := range turn.Images {
			images = append(images, model.Attachment{Data: img})
		}
		return images, append(files, turn.Files...), nil
	}

	for _, ref := range turn.ImageRefs {
		a, err := c.blob(ctx, ref)
		if err != nil {
			return nil, nil, err
		}
		images = append(images, a)
	}
	for _, ref := range turn.FileRefs {
		a, err := c.blob(ctx, ref)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, a)
	}
	return images, files, nil
}

func (c *Cache) blob(ctx context.Context, ref model.BlobRef) (model.Attachment, error) {
	memo := ref.Key + "\x00" + ref.Name + "\x00" + ref.Type

	c.blobMu.Lock()
	a, ok := c.blobs[memo]
	c.blobMu.Unlock()
	if ok {
		return a, nil
	}

	a, err := c.remote.Blob(ctx, ref)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("fetch blob %s: %w", ref.Key, err)
	}

	c.blobMu.Lock()
	c.blobs[memo] = a
	c.blobMu.Unlock()
	return a, nil
}

// Send runs a turn against the server. The user turn and a loading
// assistant turn are appended first; the assistant turn then follows the
// snapshots and settles on the outcome. A successful reply is mirrored to
// the server.
func (c *Cache) Send(ctx context.Context, id, prompt string, images []string, files []model.Attachment, opts SendOptions, progress func(Turn)) (*model.ChatResult, error) {
	c.mu.Lock()
	id = c.resolveLocked(id)
	history, last := historyOf(c.state.Chats[id])
	c.mu.Unlock()

	if _, _, err := c.AppendTurn(id, Turn{Text: prompt, Inversion: true, Images: images, Files: files}); err != nil {
		return nil, err
	}
	replyID := uuid.NewString()
	if _, _, err := c.AppendTurn(id, Turn{ID: replyID, Loading: true}); err != nil {
		return nil, err
	}

	req := &model.ChatRequest{
		Prompt:              prompt,
		SystemMessage:       opts.SystemMessage,
		Temperature:         opts.Temperature,
		TopP:                opts.TopP,
		Model:               opts.Model,
		Images:              images,
		Files:               files,
		ConversationHistory: history,
		LastContext:         last,
	}

	res, err := c.remote.ChatProcess(ctx, req, func(msg model.ChatMessage) {
		turn, ok := c.settle(id, replyID, func(t *Turn) {
			t.Text = msg.Text
			t.ConversationID = msg.ConversationID
			t.ParentMessageID = msg.ID
		})
		if ok && progress != nil {
			progress(turn)
		}
	})
	if err != nil {
		c.settle(id, replyID, func(t *Turn) {
			t.Loading = false
			t.Error = true
			t.Text = err.Error()
		})
		return nil, err
	}

	turn, ok := c.settle(id, replyID, func(t *Turn) {
		t.Loading = false
		switch res.Type {
		case model.ResultSuccess:
			if res.Data != nil {
				t.Text = res.Data.Text
				t.ConversationID = res.Data.ConversationID
				t.ParentMessageID = res.Data.ID
			}
		case model.ResultFail:
			t.Error = true
			t.Text = res.Message
		}
	})

	// a reply whose turn was cleared or deleted mid-stream is not mirrored;
	// the server would recreate the conversation around it
	if ok && res.Type == model.ResultSuccess {
		msg := &model.AppendMessageRequest{Role: model.RoleAssistant, Content: turn.Text}
		c.enqueue("append", func(ctx context.Context) error {
			_, err := c.remote.AppendMessage(ctx, id, msg)
			return err
		})
	}
	return res, nil
}

// settle applies fn to the turn with turnID and persists. It reports false
// when the turn is gone, in which case nothing changes.
func (c *Cache) settle(id, turnID string, fn func(*Turn)) (Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	turns := c.state.Chats[id]
	for i := range turns {
		if turns[i].ID != turnID {
			continue
		}
		fn(&turns[i])
		if err := c.persistLocked(); err != nil {
			c.logger.Warn("failed to persist snapshot", zap.Error(err))
		}
		return turns[i], true
	}
	return Turn{}, false
}

// Flush waits until every change enqueued so far has been sent.
func (c *Cache) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !c.outbox.push(op{name: "flush", fn: func(context.Context) error {
		close(done)
		return nil
	}}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the outbox and closes the snapshot.
func (c *Cache) Close() error {
	c.outbox.close()
	return c.db.Close()
}

func (c *Cache) enqueue(name string, fn func(context.Context) error) {
	if !c.outbox.push(op{name: name, fn: fn}) {
		c.logger.Warn("cache closed; change not synced", zap.String("op", name))
	}
}

func (c *Cache) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	if err := o.fn(ctx); err != nil {
		c.logger.Warn("failed to sync change", zap.String("op", o.name), zap.Error(err))
	}
}

// resolveLocked returns id, or the active conversation, or a new one.
func (c *Cache) resolveLocked(id string) string {
	if id != "" {
		if _, ok := c.state.Chats[id]; !ok && c.indexLocked(id) < 0 {
			c.addLocked(id, model.DefaultTitle)
		}
		return id
	}
	if c.state.Active != "" {
		return c.state.Active
	}
	id = uuid.NewString()
	c.addLocked(id, model.DefaultTitle)
	return id
}

func (c *Cache) indexLocked(id string) int {
	for i, h := range c.state.History {
		if h.UUID == id {
			return i
		}
	}
	return -1
}

func (c *Cache) restore() error {
	return c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(stateBucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(stateKey))
		if len(v) == 0 {
			return nil
		}
		var st State
		if err := json.Unmarshal(v, &st); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		if st.Chats == nil {
			st.Chats = map[string][]Turn{}
		}
		c.state = st
		return nil
	})
}

func (c *Cache) persistLocked() error {
	data, err := json.Marshal(c.state)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(stateBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(stateKey), data)
	})
}

// turnsFromMessages rebuilds turns from server messages. System messages are
// not rendered.
func turnsFromMessages(msgs []model.Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			continue
		}
		turns = append(turns, Turn{
			ID:        uuid.NewString(),
			DateTime:  m.CreatedAt,
			Text:      m.Content,
			Thinking:  m.Thinking,
			Inversion: m.Role == model.RoleUser,
			ImageRefs: m.Images,
			FileRefs:  m.Files,
		})
	}
	return turns
}

// historyOf replays the settled turns of a conversation as context and links
// the new turn to the last reply that carried an id.
func historyOf(turns []Turn) ([]model.HistoryEntry, *model.LastContext) {
	var (
		history []model.HistoryEntry
		last    *model.LastContext
	)
	for _, t := range turns {
		if t.Error || t.Loading || t.Text == "" {
			continue
		}
		history = append(history, model.HistoryEntry{Text: t.Text, IsUser: t.Inversion})
		if !t.Inversion && t.ParentMessageID != "" {
			last = &model.LastContext{ConversationID: t.ConversationID, ParentMessageID: t.ParentMessageID}
		}
	}
	return history, last
}

func deriveTitle(text string) string {
	r := []rune(text)
	if len(r) > titleRunes {
		r = r[:titleRunes]
	}
	return string(r)
}
