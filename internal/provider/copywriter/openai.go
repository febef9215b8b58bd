package copywriter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/provider"
)

// OpenAIConfig configures an OpenAI-compatible chat completions backend.
type OpenAIConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float32
	HTTPClient  *http.Client
}

// OpenAIBackend calls POST {endpoint}/chat/completions in JSON mode.
type OpenAIBackend struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI builds an OpenAI-compatible backend.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIBackend, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("copywriter: openai endpoint is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("copywriter: openai model is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &OpenAIBackend{cfg: cfg, client: client}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float32           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Complete implements Backend.
func (b *OpenAIBackend) Complete(ctx context.Context, system, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: b.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Temperature:    b.cfg.Temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", automation.Permanent(automation.ProviderCopy, automation.ReasonInvalidInput, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", automation.Permanent(automation.ProviderCopy, automation.ReasonInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", provider.Transport(automation.ProviderCopy, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", provider.Transport(automation.ProviderCopy, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiErrorBody
		_ = json.Unmarshal(data, &apiErr)
		if isContentPolicy(apiErr.Error.Code, apiErr.Error.Type, apiErr.Error.Message) {
			return "", automation.Permanent(automation.ProviderCopy, automation.ReasonContentPolicy,
				errors.New(apiErr.Error.Message)).WithStatus(resp.StatusCode)
		}
		return "", provider.ClassifyStatus(automation.ProviderCopy, resp.StatusCode, string(data))
	}

	var chat chatResponse
	if err := json.Unmarshal(data, &chat); err != nil {
		return "", automation.Transient(automation.ProviderCopy, automation.ReasonBadResponse,
			fmt.Errorf("decode chat response: %w", err))
	}
	if len(chat.Choices) == 0 {
		return "", automation.Transient(automation.ProviderCopy, automation.ReasonBadResponse,
			errors.New("chat response has no choices"))
	}
	choice := chat.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", automation.Permanent(automation.ProviderCopy, automation.ReasonContentPolicy,
			errors.New("completion stopped by content filter"))
	}
	return choice.Message.Content, nil
}

func isContentPolicy(fields ...string) bool {
	for _, f := range fields {
		f = strings.ToLower(f)
		if strings.Contains(f, "content_policy") || strings.Contains(f, "content policy") ||
			strings.Contains(f, "content_filter") || strings.Contains(f, "safety") {
			return true
		}
	}
	return false
}
