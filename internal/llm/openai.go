package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/chatrelay/internal/model"
	"github.com/capitalize-ai/chatrelay/internal/provider"
)

// maxErrorBody bounds how much of a failed response body is kept for the error message.
const maxErrorBody = 4096

// ClientConfig configures the upstream transport.
type ClientConfig struct {
	// ProxyURL routes upstream traffic through an http(s) or socks5 proxy.
	ProxyURL string
	// HTTPClient replaces the default client. ProxyURL is ignored when set.
	HTTPClient *http.Client
}

// OpenAIClient streams chat completions from any OpenAI-compatible endpoint.
type OpenAIClient struct {
	httpClient *http.Client
}

// NewOpenAIClient creates a new streaming client.
func NewOpenAIClient(cfg ClientConfig) (*OpenAIClient, error) {
	if cfg.HTTPClient != nil {
		return &OpenAIClient{httpClient: cfg.HTTPClient}, nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	// No client timeout: the relay bounds each turn through its context.
	return &OpenAIClient{httpClient: &http.Client{Transport: transport}}, nil
}

// Stream POSTs req to {BaseURL}/chat/completions with stream enabled.
func (c *OpenAIClient) Stream(ctx context.Context, ep provider.Endpoint, req openai.ChatCompletionRequest) (io.ReadCloser, error) {
	if !ep.HasCredentials() {
		return nil, &UpstreamError{
			StatusCode: http.StatusUnauthorized,
			Body:       fmt.Sprintf("no base URL or API key configured for provider %q", ep.Name),
			Err:        ErrMissingCredentials,
		}
	}

	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}

	return resp.Body, nil
}

// Defaults fill in sampling parameters a request leaves unset.
type Defaults struct {
	Model       string
	Temperature float32
	TopP        float32
}

// ModelFor returns the model a request targets.
func ModelFor(req *model.ChatRequest, d Defaults) string {
	if req.Model != "" {
		return req.Model
	}
	return d.Model
}

// BuildRequest converts a relay request into the upstream wire request:
// system message, replayed history, then the current turn. Attachments turn
// the current turn into a multipart payload of one text part followed by one
// image_url part per image or file.
func BuildRequest(req *model.ChatRequest, d Defaults) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.ConversationHistory)+2)

	if req.SystemMessage != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemMessage,
		})
	}

	for _, h := range req.ConversationHistory {
		role := openai.ChatMessageRoleAssistant
		if h.IsUser {
			role = openai.ChatMessageRoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: h.Text})
	}

	current := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(req.Images) == 0 && len(req.Files) == 0 {
		current.Content = req.Prompt
	} else {
		parts := make([]openai.ChatMessagePart, 0, 1+len(req.Images)+len(req.Files))
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: req.Prompt,
		})
		for _, img := range req.Images {
			parts = append(parts, imagePart(img))
		}
		for _, f := range req.Files {
			parts = append(parts, imagePart(f.Data))
		}
		current.MultiContent = parts
	}
	messages = append(messages, current)

	temperature := d.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	topP := d.TopP
	if req.TopP != nil {
		topP = *req.TopP
	}

	return openai.ChatCompletionRequest{
		Model:       ModelFor(req, d),
		Messages:    messages,
		Temperature: temperature,
		TopP:        topP,
		Stream:      true,
	}
}

func imagePart(dataURL string) openai.ChatMessagePart {
	return openai.ChatMessagePart{
		Type:     openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
	}
}
