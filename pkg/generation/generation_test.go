package generation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

type capturedRequest struct {
	Model       string  `json:"model"`
	MaxTokens   int64   `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	System      []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
}

func messagesServer(t *testing.T, status int, body string, got *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if got != nil {
			require.NoError(t, json.Unmarshal(raw, got))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGenerator(t *testing.T, url string) *AnthropicGenerator {
	t.Helper()
	g, err := NewAnthropicGenerator(AnthropicConfig{
		APIKey:  "test-key",
		Model:   "test-model",
		BaseURL: url,
	}, nil)
	require.NoError(t, err)
	return g
}

func TestAnthropicGenerate(t *testing.T) {
	var got capturedRequest
	srv := messagesServer(t, http.StatusOK, `{
		"id": "msg_01",
		"type": "message",
		"role": "assistant",
		"model": "test-model-2026",
		"content": [
			{"type": "text", "text": "# Title\n\n"},
			{"type": "text", "text": "Body text."}
		],
		"stop_reason": "end_turn",
		"stop_sequence": null,
		"usage": {"input_tokens": 120, "output_tokens": 880}
	}`, &got)

	g := newTestGenerator(t, srv.URL)
	resp, err := g.Generate(context.Background(), Request{
		System:      "be brief",
		User:        "write",
		MaxTokens:   2048,
		Temperature: 0.7,
	})
	require.NoError(t, err)

	assert.Equal(t, "# Title\n\nBody text.", resp.Content)
	assert.Equal(t, Usage{InputTokens: 120, OutputTokens: 880}, resp.Usage)
	assert.Equal(t, int64(1000), resp.Usage.Total())
	assert.Equal(t, "test-model-2026", resp.Model)

	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, int64(2048), got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 1e-9)
	require.Len(t, got.System, 1)
	assert.Equal(t, "be brief", got.System[0].Text)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "write", got.Messages[0].Content[0].Text)
}

func TestAnthropicEmptyResponse(t *testing.T) {
	srv := messagesServer(t, http.StatusOK, `{
		"id": "msg_02", "type": "message", "role": "assistant", "model": "test-model",
		"content": [], "stop_reason": "end_turn",
		"usage": {"input_tokens": 50, "output_tokens": 0}
	}`, nil)

	resp, err := newTestGenerator(t, srv.URL).Generate(context.Background(), Request{User: "x", MaxTokens: 10})
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, int64(50), resp.Usage.InputTokens)
}

func TestAnthropicUpstreamError(t *testing.T) {
	srv := messagesServer(t, http.StatusInternalServerError,
		`{"type":"error","error":{"type":"api_error","message":"overloaded"}}`, nil)

	_, err := newTestGenerator(t, srv.URL).Generate(context.Background(), Request{User: "x", MaxTokens: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic messages call failed")
}

func TestNewAnthropicGeneratorValidation(t *testing.T) {
	_, err := NewAnthropicGenerator(AnthropicConfig{Model: "m"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")

	_, err = NewAnthropicGenerator(AnthropicConfig{APIKey: "k"}, nil)
	require.Error(t, err)

	// A proxy may authenticate on its own
	_, err = NewAnthropicGenerator(AnthropicConfig{Model: "m", BaseURL: "http://proxy.internal"}, nil)
	require.NoError(t, err)
}

func TestInstrumented(t *testing.T) {
	tel := telemetry.NewNopTelemetry()
	boom := errors.New("boom")

	ok := Instrument(GeneratorFunc(func(context.Context, Request) (Response, error) {
		return Response{Content: "x", Usage: Usage{InputTokens: 3, OutputTokens: 7}, Model: "m"}, nil
	}), "article", tel)
	failing := Instrument(GeneratorFunc(func(context.Context, Request) (Response, error) {
		return Response{}, boom
	}), "article", tel)

	_, err := ok.Generate(context.Background(), Request{})
	require.NoError(t, err)
	_, err = failing.Generate(context.Background(), Request{})
	assert.ErrorIs(t, err, boom)

	count, err := testutil.GatherAndCount(tel.Metrics.Registry(), "autoscribe_generation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestArticleRequest(t *testing.T) {
	req := ArticleRequest(ArticleBrief{
		Topic:      "Sourdough starters",
		Category:   "Baking",
		Language:   "de",
		WorkType:   "how_to",
		Complexity: "deep",
	}, 4096)

	assert.Contains(t, req.System, "German")
	assert.Contains(t, req.User, `"Sourdough starters"`)
	assert.Contains(t, req.User, "how to")
	assert.Contains(t, req.User, "1800 to 2500")
	assert.Contains(t, req.User, "Meta Description:")
	assert.Equal(t, int64(4096), req.MaxTokens)
}

func TestTranslationAndDiscoveryRequests(t *testing.T) {
	tr := TranslationRequest("# Hello", "en", "fr", 3000)
	assert.Contains(t, tr.System, "from English to French")
	assert.Equal(t, "# Hello", tr.User)

	disc := DiscoveryRequest("es", []string{"Baking", "Travel"}, 3, 800)
	assert.Contains(t, disc.User, "3 article topics in Spanish")
	assert.Contains(t, disc.User, "- Baking\n- Travel\n")
	assert.True(t, strings.Contains(disc.User, "<category> | <topic>"))

	assert.Equal(t, "xx", LanguageName("xx"))
}
