// Package chatclient is a client for the chat relay API together with a
// local cache that mirrors conversations to the server in the background.
package chatclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/capitalize-ai/chatrelay/internal/model"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatrelay: status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client talks to a chat relay server with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the server at baseURL.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// no overall timeout: chat-process streams for as long as the relay allows
		http: &http.Client{Transport: http.DefaultTransport},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session reports whether the token is accepted and the server's default model.
func (c *Client) Session(ctx context.Context) (*model.SessionResponse, error) {
	var out model.SessionResponse
	if err := c.do(ctx, http.MethodPost, "/api/session", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Config returns the server's relay settings.
func (c *Client) Config(ctx context.Context) (*model.ConfigResponse, error) {
	var out model.ConfigResponse
	if err := c.do(ctx, http.MethodPost, "/api/config", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConversations returns the caller's conversations, most recently updated first.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var out model.ListConversationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// GetConversation returns a conversation with its messages.
func (c *Client) GetConversation(ctx context.Context, uuid string) (*model.ConversationDetail, error) {
	var out model.ConversationDetail
	if err := c.do(ctx, http.MethodGet, conversationPath(uuid), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateConversation creates a conversation with a caller chosen uuid.
func (c *Client) CreateConversation(ctx context.Context, uuid, title string) (*model.Conversation, error) {
	var out model.Conversation
	req := model.CreateConversationRequest{UUID: uuid, Title: title}
	if err := c.do(ctx, http.MethodPost, "/api/conversations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenameConversation sets a conversation's title.
func (c *Client) RenameConversation(ctx context.Context, uuid, title string) error {
	return c.do(ctx, http.MethodPut, conversationPath(uuid), model.UpdateConversationRequest{Title: title}, nil)
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodDelete, conversationPath(uuid), nil, nil)
}

// AppendMessage appends a message. Attachments travel as data URLs.
func (c *Client) AppendMessage(ctx context.Context, uuid string, req *model.AppendMessageRequest) (*model.Message, error) {
	var out model.Message
	if err := c.do(ctx, http.MethodPost, conversationPath(uuid)+"/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearMessages drops every message of a conversation.
func (c *Client) ClearMessages(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodDelete, conversationPath(uuid)+"/messages", nil, nil)
}

// Blob hydrates a blob ref into its transport form.
func (c *Client) Blob(ctx context.Context, ref model.BlobRef) (model.Attachment, error) {
	q := url.Values{}
	if ref.Name != "" {
		q.Set("name", ref.Name)
	}
	if ref.Type != "" {
		q.Set("type", ref.Type)
	}
	path := "/api/blobs/" + url.PathEscape(ref.Key)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out model.Attachment
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return model.Attachment{}, err
	}
	return out, nil
}

// ChatProcess runs a turn. progress sees every snapshot in order. The returned
// result is the terminal outcome: Success carries the last snapshot, Fail the
// server's message, and Cancelled whatever arrived before ctx ended.
//
// An error is returned only when no turn outcome could be read at all.
func (c *Client) ChatProcess(ctx context.Context, req *model.ChatRequest, progress func(model.ChatMessage)) (*model.ChatResult, error) {
	resp, err := c.send(ctx, http.MethodPost, "/api/chat-process", req)
	if err != nil {
		if ctx.Err() != nil {
			return &model.ChatResult{Type: model.ResultCancelled}, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var res model.ChatResult
		if json.Unmarshal(body, &res) == nil && res.Type == model.ResultFail {
			return &res, nil
		}
		return nil, apiError(resp.StatusCode, body)
	}

	var last *model.ChatMessage
	err = readFrames(resp.Body, func(frame []byte) error {
		var probe struct {
			Type model.ResultType `json:"type"`
		}
		if err := json.Unmarshal(frame, &probe); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		if probe.Type == model.ResultFail {
			var res model.ChatResult
			if err := json.Unmarshal(frame, &res); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
			return &failFrame{res}
		}

		var msg model.ChatMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		last = &msg
		if progress != nil {
			progress(msg)
		}
		return nil
	})

	var fail *failFrame
	switch {
	case errors.As(err, &fail):
		return &fail.res, nil
	case ctx.Err() != nil:
		return &model.ChatResult{Type: model.ResultCancelled, Data: last}, nil
	case err != nil:
		return nil, err
	}
	return &model.ChatResult{Type: model.ResultSuccess, Data: last}, nil
}

type failFrame struct{ res model.ChatResult }

func (f *failFrame) Error() string { return f.res.Message }

// readFrames splits a chat-process body on '\n' and hands each non-empty
// frame to fn. Frames are whole JSON documents; the text inside them never
// contains a raw newline because JSON escapes it.
func readFrames(r io.Reader, fn func([]byte) error) error {
	br := bufio.NewReaderSize(r, 64<<10)
	for {
		line, err := br.ReadBytes('\n')
		if frame := bytes.TrimSpace(line); len(frame) > 0 {
			if ferr := fn(frame); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return apiError(resp.StatusCode, body)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func conversationPath(uuid string) string {
	return "/api/conversations/" + url.PathEscape(uuid)
}

func apiError(status int, body []byte) error {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Error != "":
			msg = payload.Error
		case payload.Message != "":
			msg = payload.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}
