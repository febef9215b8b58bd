package copywriter

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/product-automation/internal/automation"
)

func TestClassifyGemini(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		kind   automation.ErrorKind
		reason automation.Reason
	}{
		{"blocked", &genai.BlockedError{}, automation.KindPermanent, automation.ReasonContentPolicy},
		{"http 429", &googleapi.Error{Code: http.StatusTooManyRequests}, automation.KindTransient, automation.ReasonRateLimited},
		{"http 403", &googleapi.Error{Code: http.StatusForbidden}, automation.KindPermanent, automation.ReasonAuth},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), automation.KindTransient, automation.ReasonRateLimited},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), automation.KindTransient, automation.ReasonUnavailable},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad"), automation.KindPermanent, automation.ReasonInvalidInput},
		{"deadline", context.DeadlineExceeded, automation.KindTransient, automation.ReasonTimeout},
		{"other", errors.New("reset"), automation.KindTransient, automation.ReasonUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var perr *automation.ProviderError
			require.ErrorAs(t, classifyGemini(tt.err), &perr)
			require.Equal(t, tt.kind, perr.Kind)
			require.Equal(t, tt.reason, perr.Reason)
		})
	}
}

func TestResponseText(t *testing.T) {
	t.Parallel()

	text, err := responseText(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text(`{"title":`), genai.Text(`"x"}`)}},
	}}})
	require.NoError(t, err)
	require.Equal(t, `{"title":"x"}`, text)

	_, err = responseText(&genai.GenerateContentResponse{})
	require.Error(t, err)
}

func TestNewGeminiRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewGemini(context.Background(), GeminiConfig{Model: "gemini-1.5-flash"})
	require.Error(t, err)
}
