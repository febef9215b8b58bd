package copywriter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/provider"
)

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float32
	// ClientOptions are appended after the API key, mainly for tests.
	ClientOptions []option.ClientOption
}

// GeminiBackend calls Gemini in JSON response mode.
type GeminiBackend struct {
	client *genai.Client
	cfg    GeminiConfig
}

// NewGemini dials the Gemini API.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*GeminiBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("copywriter: gemini api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("copywriter: gemini model is required")
	}
	opts := append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, cfg.ClientOptions...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiBackend{client: client, cfg: cfg}, nil
}

// Complete implements Backend.
func (b *GeminiBackend) Complete(ctx context.Context, system, prompt string) (string, error) {
	model := b.client.GenerativeModel(b.cfg.Model)
	model.SetTemperature(b.cfg.Temperature)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = genai.NewUserContent(genai.Text(system))

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", classifyGemini(err)
	}
	text, err := responseText(resp)
	if err != nil {
		return "", automation.Transient(automation.ProviderCopy, automation.ReasonBadResponse, err)
	}
	return text, nil
}

// Close releases the underlying client.
func (b *GeminiBackend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("no candidates in response")
	}
	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return "", errors.New("no content in response")
	}
	var parts []string
	for _, part := range cand.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", errors.New("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}

// classifyGemini maps Gemini SDK failures onto the provider error taxonomy.
// Blocked prompts and safety stops are permanent.
func classifyGemini(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return automation.Permanent(automation.ProviderCopy, automation.ReasonContentPolicy, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code > 0 {
		perr := provider.ClassifyStatus(automation.ProviderCopy, gerr.Code, gerr.Message)
		perr.Err = err
		return perr
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.ResourceExhausted:
			return automation.Transient(automation.ProviderCopy, automation.ReasonRateLimited, err)
		case codes.Unavailable, codes.Internal, codes.Aborted:
			return automation.Transient(automation.ProviderCopy, automation.ReasonUnavailable, err)
		case codes.DeadlineExceeded:
			return automation.Transient(automation.ProviderCopy, automation.ReasonTimeout, err)
		case codes.Unauthenticated, codes.PermissionDenied:
			return automation.Permanent(automation.ProviderCopy, automation.ReasonAuth, err)
		case codes.InvalidArgument, codes.FailedPrecondition:
			return automation.Permanent(automation.ProviderCopy, automation.ReasonInvalidInput, err)
		case codes.NotFound:
			return automation.Permanent(automation.ProviderCopy, automation.ReasonNotFound, err)
		}
	}
	return provider.Transport(automation.ProviderCopy, err)
}
