package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"feathergate/internal/config"
	"feathergate/internal/models"
	"feathergate/internal/provider"
	"feathergate/internal/provider/anthropic"
	"feathergate/internal/provider/gemini"
	"feathergate/internal/provider/openai"
	"feathergate/internal/router"
	"feathergate/internal/telemetry/metrics"
	"feathergate/internal/tokens"
)

var fixedOptions = provider.Options{
	Now:   func() time.Time { return time.Unix(1700000000, 0) },
	NewID: func() string { return "chatcmpl-fixed" },
}

const openAICompletion = `{
  "id": "chatcmpl-upstream",
  "object": "chat.completion",
  "created": 1699999999,
  "model": "gpt-4-0613",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "Hi there! How can I help?"}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 9, "completion_tokens": 7, "total_tokens": 16}
}`

const anthropicStream = "event: message_start\n" +
	`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3","content":[]}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":", "}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}` + "\n\n" +
	"event: message_delta\n" +
	`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"}}` + "\n\n" +
	"event: message_stop\n" +
	`data: {"type":"message_stop"}` + "\n\n"

const geminiStream = `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}],"responseId":"r-1"}` + "\r\n\r\n" +
	`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"responseId":"r-1"}` + "\r\n\r\n"

type fixture struct {
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, baseURL string, estimator *tokens.Estimator) fixture {
	t.Helper()

	registry := provider.NewRegistry()
	for _, a := range []provider.Adapter{openai.New(fixedOptions), anthropic.New(fixedOptions), gemini.New(fixedOptions)} {
		if err := registry.Register(a); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	rt, err := router.New([]models.ModelConfig{
		{LogicalName: "gpt-4", Provider: models.ProviderOpenAI, UpstreamModelID: "gpt-4", APIKey: "sk-test", APIBase: baseURL},
		{LogicalName: "claude", Provider: models.ProviderAnthropic, UpstreamModelID: "claude-3", APIKey: "ak-test", APIBase: baseURL},
		{LogicalName: "gemini-pro", Provider: models.ProviderGemini, UpstreamModelID: "gemini-pro", APIKey: "gk-test", APIBase: baseURL},
	}, registry)
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}

	collector := metrics.NewCollector(config.MetricsConfig{Enabled: true, Namespace: "test"}, prometheus.NewRegistry())
	d, err := New(rt, http.DefaultClient, Options{
		Metrics:   collector,
		Estimator: estimator,
		Now:       fixedOptions.Now,
		NewID:     fixedOptions.NewID,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return fixture{dispatcher: d}
}

func helloRequest(model string, stream bool) models.ChatRequest {
	return models.ChatRequest{
		Model:    model,
		Messages: []models.Message{{Role: models.RoleUser, Content: "Hello!"}},
		Stream:   stream,
	}
}

func TestHandleOpenAIPassthrough(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, openAICompletion)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, nil)
	out, err := f.dispatcher.Handle(context.Background(), helloRequest("gpt-4", false))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if gotAuth != "Bearer sk-test" || gotPath != "/chat/completions" {
		t.Fatalf("upstream saw auth %q path %q", gotAuth, gotPath)
	}
	if gotBody["model"] != "gpt-4" {
		t.Fatalf("upstream body = %v", gotBody)
	}

	if out.Stream != nil || out.Response == nil {
		t.Fatalf("outcome = %+v", out)
	}
	resp := out.Response
	if resp.Choices[0].FinishReason != models.FinishStop || resp.Choices[0].Message.Content != "Hi there! How can I help?" {
		t.Fatalf("choice = %+v", resp.Choices[0])
	}
	if resp.ID != "chatcmpl-upstream" || resp.Usage.TotalTokens != 16 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestHandleRecordsMetrics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, openAICompletion)
	}))
	defer upstream.Close()

	reg := prometheus.NewRegistry()
	f := newFixture(t, upstream.URL, nil)
	f.dispatcher.metrics = metrics.NewCollector(config.MetricsConfig{Enabled: true, Namespace: "test"}, reg)

	if _, err := f.dispatcher.Handle(context.Background(), helloRequest("gpt-4", false)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	expected := `
# HELP test_requests_total Total number of chat completion requests by outcome. Streams are counted when they end
# TYPE test_requests_total counter
test_requests_total{model="gpt-4",provider="openai",status="success"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_requests_total"); err != nil {
		t.Fatal(err)
	}
}

func TestHandleUnknownModel(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1", nil)

	_, err := f.dispatcher.Handle(context.Background(), helloRequest("nonexistent", false))
	if !errors.Is(err, provider.ErrModelNotFound) {
		t.Fatalf("Handle() error = %v, want ErrModelNotFound", err)
	}
}

func TestHandleUpstreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"boom"}`, wantStatus: 500},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":"slow down"}`, wantStatus: 429},
		{name: "unparseable 200", status: http.StatusOK, body: `<html>gateway</html>`, wantStatus: 200},
		{name: "oversized body", status: http.StatusBadGateway, body: strings.Repeat("x", 10000), wantStatus: 502},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer upstream.Close()

			f := newFixture(t, upstream.URL, nil)
			_, err := f.dispatcher.Handle(context.Background(), helloRequest("gpt-4", false))

			var upErr *provider.UpstreamError
			if !errors.As(err, &upErr) {
				t.Fatalf("Handle() error = %v, want UpstreamError", err)
			}
			if upErr.Status != tt.wantStatus {
				t.Fatalf("status = %d, want %d", upErr.Status, tt.wantStatus)
			}
			if len(upErr.Body) > provider.MaxErrorBodyBytes {
				t.Fatalf("body length %d exceeds limit", len(upErr.Body))
			}
		})
	}
}

func TestHandleTransportFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	baseURL := upstream.URL
	upstream.Close()

	f := newFixture(t, baseURL, nil)
	_, err := f.dispatcher.Handle(context.Background(), helloRequest("gpt-4", false))

	var upErr *provider.UpstreamError
	if !errors.As(err, &upErr) || upErr.Status != 0 || upErr.Cause == nil {
		t.Fatalf("Handle() error = %#v", err)
	}
}

func TestHandleConversionError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"x","choices":[]}`)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, nil)
	_, err := f.dispatcher.Handle(context.Background(), helloRequest("gpt-4", false))

	var convErr *provider.ConversionError
	if !errors.As(err, &convErr) || convErr.Provider != models.ProviderOpenAI {
		t.Fatalf("Handle() error = %v, want ConversionError", err)
	}
}

func TestHandleBackfillsUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"two words"},"finish_reason":"stop"}]}`)
	}))
	defer upstream.Close()

	estimator := tokens.NewWithCounter(func(text, _ string) (int, error) {
		return len(strings.Fields(text)), nil
	})
	f := newFixture(t, upstream.URL, estimator)

	out, err := f.dispatcher.Handle(context.Background(), helloRequest("gpt-4", false))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	// priming 3 + overhead 3 + role 1 + content 1
	usage := out.Response.Usage
	if usage.PromptTokens != 8 || usage.CompletionTokens != 2 || usage.TotalTokens != 10 {
		t.Fatalf("usage = %+v", usage)
	}
	if out.Response.ID != "chatcmpl-fixed" || out.Response.Created != 1700000000 {
		t.Fatalf("response defaults = %+v", out.Response)
	}
}

func TestHandleAnthropicStream(t *testing.T) {
	var gotAccept, gotKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotKey = r.Header.Get("x-api-key")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, anthropicStream)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, nil)
	out, err := f.dispatcher.Handle(context.Background(), helloRequest("claude", true))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if out.Stream == nil || out.Response != nil {
		t.Fatalf("outcome = %+v", out)
	}
	defer out.Stream.Close()

	if gotAccept != "text/event-stream" || gotKey != "ak-test" {
		t.Fatalf("upstream saw accept %q key %q", gotAccept, gotKey)
	}

	var frames []string
	for {
		frame, err := out.Stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		frames = append(frames, string(frame))
	}

	if len(frames) != 5 {
		t.Fatalf("got %d frames, want 5: %q", len(frames), frames)
	}
	if !strings.Contains(frames[0], `"role":"assistant"`) || !strings.Contains(frames[0], `"content":"Hello"`) {
		t.Fatalf("first frame = %q", frames[0])
	}
	for _, frame := range frames[1:3] {
		if strings.Contains(frame, `"role"`) || strings.Contains(frame, `"finish_reason":"`) {
			t.Fatalf("content frame = %q", frame)
		}
	}
	if !strings.Contains(frames[3], `"finish_reason":"stop"`) {
		t.Fatalf("terminal frame = %q", frames[3])
	}
	if frames[4] != "data: [DONE]\n\n" {
		t.Fatalf("last frame = %q", frames[4])
	}
}

func drainFrames(t *testing.T, out *Outcome) []string {
	t.Helper()
	var frames []string
	for {
		frame, err := out.Stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return frames
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		frames = append(frames, string(frame))
	}
}

func TestHandleGeminiStream(t *testing.T) {
	var gotPath, gotQuery, gotKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("x-goog-api-key")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, geminiStream)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, nil)
	out, err := f.dispatcher.Handle(context.Background(), helloRequest("gemini-pro", true))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	defer out.Stream.Close()

	if gotPath != "/v1beta/models/gemini-pro:streamGenerateContent" || gotQuery != "alt=sse" {
		t.Fatalf("upstream saw path %q query %q", gotPath, gotQuery)
	}
	if gotKey != "gk-test" {
		t.Fatalf("upstream saw key %q", gotKey)
	}

	frames := drainFrames(t, out)
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4: %q", len(frames), frames)
	}
	if !strings.Contains(frames[0], `"role":"assistant"`) || !strings.Contains(frames[0], `"content":"Hel"`) {
		t.Fatalf("first frame = %q", frames[0])
	}
	if strings.Contains(frames[1], `"role"`) || !strings.Contains(frames[1], `"content":"lo"`) || strings.Contains(frames[1], `"finish_reason":"`) {
		t.Fatalf("content frame = %q", frames[1])
	}
	if !strings.Contains(frames[2], `"finish_reason":"stop"`) || strings.Contains(frames[2], `"content"`) {
		t.Fatalf("terminal frame = %q", frames[2])
	}
	if frames[3] != "data: [DONE]\n\n" {
		t.Fatalf("last frame = %q", frames[3])
	}
}

func TestHandleStreamRecordsOutcomeAtEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if strings.Contains(r.URL.Path, "gemini-pro") {
			// Cut off before any finishReason.
			_, _ = io.WriteString(w, `data: {"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`+"\n\n")
			return
		}
		_, _ = io.WriteString(w, anthropicStream)
	}))
	defer upstream.Close()

	reg := prometheus.NewRegistry()
	f := newFixture(t, upstream.URL, nil)
	f.dispatcher.metrics = metrics.NewCollector(config.MetricsConfig{Enabled: true, Namespace: "test"}, reg)

	for _, model := range []string{"claude", "gemini-pro"} {
		out, err := f.dispatcher.Handle(context.Background(), helloRequest(model, true))
		if err != nil {
			t.Fatalf("Handle(%s) error = %v", model, err)
		}
		if model == "claude" {
			families, err := reg.Gather()
			if err != nil {
				t.Fatalf("Gather() error = %v", err)
			}
			for _, mf := range families {
				if mf.GetName() == "test_requests_total" {
					t.Fatal("stream counted before it ended")
				}
			}
		}
		frames := drainFrames(t, out)
		if model == "gemini-pro" && !strings.Contains(frames[len(frames)-2], `"finish_reason":"error"`) {
			t.Fatalf("terminal frame = %q", frames[len(frames)-2])
		}
		out.Stream.Close()
	}

	expected := `
# HELP test_requests_total Total number of chat completion requests by outcome. Streams are counted when they end
# TYPE test_requests_total counter
test_requests_total{model="claude",provider="anthropic",status="success"} 1
test_requests_total{model="gemini-pro",provider="gemini",status="error"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_requests_total"); err != nil {
		t.Fatal(err)
	}
}

func TestHandleStreamClosedEarlyCountsAsError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, anthropicStream)
	}))
	defer upstream.Close()

	reg := prometheus.NewRegistry()
	f := newFixture(t, upstream.URL, nil)
	f.dispatcher.metrics = metrics.NewCollector(config.MetricsConfig{Enabled: true, Namespace: "test"}, reg)

	out, err := f.dispatcher.Handle(context.Background(), helloRequest("claude", true))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if _, err := out.Stream.Next(context.Background()); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	out.Stream.Close()
	out.Stream.Close()

	expected := `
# HELP test_requests_total Total number of chat completion requests by outcome. Streams are counted when they end
# TYPE test_requests_total counter
test_requests_total{model="claude",provider="anthropic",status="error"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_requests_total"); err != nil {
		t.Fatal(err)
	}
}

func TestHandleStreamUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error"}}`)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, nil)
	_, err := f.dispatcher.Handle(context.Background(), helloRequest("claude", true))

	var upErr *provider.UpstreamError
	if !errors.As(err, &upErr) || upErr.Status != http.StatusUnauthorized {
		t.Fatalf("Handle() error = %v", err)
	}
	if !strings.Contains(upErr.Body, "authentication_error") {
		t.Fatalf("body = %q", upErr.Body)
	}
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	if _, err := New(nil, http.DefaultClient, Options{}); err == nil {
		t.Fatal("expected error for nil router")
	}
	rt, err := router.New(nil, provider.NewRegistry())
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}
	if _, err := New(rt, nil, Options{}); err == nil {
		t.Fatal("expected error for nil client")
	}
}
