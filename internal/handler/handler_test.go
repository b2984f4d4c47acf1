package handler

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatrelay/internal/llm"
	"github.com/capitalize-ai/chatrelay/internal/middleware"
	"github.com/capitalize-ai/chatrelay/internal/model"
	"github.com/capitalize-ai/chatrelay/internal/provider"
	"github.com/capitalize-ai/chatrelay/internal/relay"
	"github.com/capitalize-ai/chatrelay/internal/service"
	"github.com/capitalize-ai/chatrelay/internal/store"
	"github.com/capitalize-ai/chatrelay/pkg/logger"
)

const helloStream = "data: {\"choices\":[{\"delta\":{\"content\":\"He\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n" +
	"data: [DONE]\n\n"

// headerVerifier trusts the bearer token as the user id.
type headerVerifier struct{}

func (headerVerifier) Verify(token string) (string, error) {
	if token == "bad" {
		return "", middleware.ErrInvalidToken
	}
	return token, nil
}

type testServer struct {
	*httptest.Server
	upstream *httptest.Server
}

func newTestServer(t *testing.T, upstream http.HandlerFunc) *testServer {
	t.Helper()
	log := logger.NewNop()
	dir := t.TempDir()

	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	db, err := store.OpenSQLite(filepath.Join(dir, "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	blobs, err := store.NewContentStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	router, err := provider.New([]provider.Rule{{Name: "stub", BaseURL: up.URL, APIKey: "k"}})
	require.NoError(t, err)
	client, err := llm.NewOpenAIClient(llm.ClientConfig{})
	require.NoError(t, err)
	rl := relay.New(router, client, relay.WithLogger(log), relay.WithTimeout(2*time.Second))

	convSvc := service.NewConversationService(db, blobs, nil, log)
	chatSvc := service.NewChatService(rl, convSvc, nil, log)

	h := NewRouter(RouterConfig{
		Health:        NewHealthHandler(db, nil),
		Chat:          NewChatHandler(chatSvc, model.ConfigResponse{Model: "gpt-4o", TimeoutMs: 2000}, log),
		Conversations: NewConversationHandler(convSvc, log),
		Messages:      NewMessageHandler(convSvc, log),
		Verifier:      headerVerifier{},
		Logger:        log,
	})

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, upstream: up}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func sseUpstream(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, sseUpstream(helloStream))

	resp := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestAPIRequiresAuth(t *testing.T) {
	s := newTestServer(t, sseUpstream(helloStream))

	resp := s.do(t, http.MethodPost, "/api/session", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/session", "bad", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionAndConfig(t *testing.T) {
	s := newTestServer(t, sseUpstream(helloStream))

	session := decode[model.SessionResponse](t, s.do(t, http.MethodPost, "/api/session", "alice", nil))
	assert.True(t, session.Auth)
	assert.Equal(t, "gpt-4o", session.Model)

	cfg := decode[model.ConfigResponse](t, s.do(t, http.MethodPost, "/api/config", "alice", nil))
	assert.Equal(t, int64(2000), cfg.TimeoutMs)
}

func TestChatProcessStreamsNewlineFramedSnapshots(t *testing.T) {
	s := newTestServer(t, sseUpstream(helloStream))

	resp := s.do(t, http.MethodPost, "/api/chat-process", "alice", model.ChatRequest{Prompt: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))

	body := readBody(t, resp)
	lines := strings.Split(body, "\n")
	require.Len(t, lines, 2)

	var first, second model.ChatMessage
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "He", first.Text)
	assert.Equal(t, "Hello", second.Text)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.RoleAssistant, second.Role)
}

func TestChatProcessFailureAfterNoSnapshots(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	body := readBody(t, s.do(t, http.MethodPost, "/api/chat-process", "alice", model.ChatRequest{Prompt: "hi"}))
	assert.False(t, strings.HasPrefix(body, "\n"))

	var res model.ChatResult
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	assert.Equal(t, model.ResultFail, res.Type)
	msg, _ := relay.StatusMessage(http.StatusTooManyRequests)
	assert.Equal(t, msg, res.Message)
}

func TestChatProcessFailureAfterSnapshots(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
		w.(http.Flusher).Flush()
		// stall past the relay timeout
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	body := readBody(t, s.do(t, http.MethodPost, "/api/chat-process", "alice", model.ChatRequest{Prompt: "hi"}))
	lines := strings.Split(body, "\n")
	require.Len(t, lines, 2)

	var snap model.ChatMessage
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &snap))
	assert.Equal(t, "par", snap.Text)

	var res model.ChatResult
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &res))
	assert.Equal(t, model.ResultFail, res.Type)
	assert.Equal(t, relay.TimeoutMessage, res.Message)
}

func TestChatProcessRejectsEmptyPrompt(t *testing.T) {
	s := newTestServer(t, sseUpstream(helloStream))

	resp := s.do(t, http.MethodPost, "/api/chat-process", "alice", model.ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	res := decode[model.ChatResult](t, resp)
	assert.Equal(t, model.ResultFail, res.Type)
}

func TestChatProcessPersistsTurns(t *testing.T) {
	s := newTestServer(t, sseUpstream(helloStream))

	_ = readBody(t, s.do(t, http.MethodPost, "/api/chat-process", "alice", model.ChatRequest{
		Prompt:           "hi",
		ConversationUUID: "c1",
	}))

	detail := decode[model.ConversationDetail](t, s.do(t, http.MethodGet, "/api/conversations/c1", "alice", nil))
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, "hi", detail.Messages[0].Content)
	assert.Equal(t, "Hello", detail.Messages[1].Content)
}

func TestConversationCRUD(t *testing.T) {
	s := newTestServer(t, sseUpstream(helloStream))

	resp := s.do(t, http.MethodPost, "/api/conversations", "alice", model.CreateConversationRequest{UUID: "c1", Title: "First"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/conversations", "alice", model.CreateConversationRequest{UUID: "c1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	list := decode[model.ListConversationsResponse](t, s.do(t, http.MethodGet, "/api/conversations", "alice", nil))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "First", list.Conversations[0].Title)

	resp = s.do(t, http.MethodPut, "/api/conversations/c1", "alice", model.UpdateConversationRequest{Title: "Renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Renamed", decode[model.Conversation](t, resp).Title)

	resp = s.do(t, http.MethodPut, "/api/conversations/c1", "bob", model.UpdateConversationRequest{Title: "Mine now"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, http.MethodPut, "/api/conversations/nope", "alice", model.UpdateConversationRequest{Title: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/conversations/c1", "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodDelete, "/api/conversations/c1", "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodDelete, "/api/conversations/c1", "alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/conversations/c1", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMessagesAndBlobs(t *testing.T) {
	s := newTestServer(t, sseUpstream(helloStream))
	img := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("pixels"))

	resp := s.do(t, http.MethodPost, "/api/conversations/c1/messages", "alice", model.AppendMessageRequest{
		Role:    model.RoleUser,
		Content: "look",
		Images:  []string{img},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decode[model.Message](t, resp)
	require.Len(t, msg.Images, 1)

	resp = s.do(t, http.MethodPost, "/api/conversations/c1/messages", "alice", model.AppendMessageRequest{Role: "robot"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ref := msg.Images[0]
	att := decode[model.Attachment](t, s.do(t, http.MethodGet, "/api/blobs/"+ref.Key+"?type=image/png", "alice", nil))
	assert.Equal(t, img, att.Data)

	resp = s.do(t, http.MethodGet, "/api/blobs/0000.png", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	listed := decode[struct {
		Messages []model.Message `json:"messages"`
	}](t, s.do(t, http.MethodGet, "/api/conversations/c1/messages", "alice", nil))
	assert.Len(t, listed.Messages, 1)

	resp = s.do(t, http.MethodDelete, "/api/conversations/c1/messages", "alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodDelete, "/api/conversations/missing/messages", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsUnavailableWithoutNATS(t *testing.T) {
	s := newTestServer(t, sseUpstream(helloStream))

	resp := s.do(t, http.MethodGet, "/api/conversations/c1/events", "alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
