// Package dispatch drives one chat completion from route resolution to the upstream and back.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"feathergate/internal/config"
	"feathergate/internal/models"
	"feathergate/internal/provider"
	"feathergate/internal/router"
	"feathergate/internal/stream"
	"feathergate/internal/telemetry/metrics"
	"feathergate/internal/tokens"
)

const (
	// maxResponseBytes caps a buffered non-streaming upstream body.
	maxResponseBytes = 32 << 20
	// utf8Slack lets TruncateBody see the bytes past the limit.
	utf8Slack = 4
)

// Upstream error kinds recorded in metrics.
const (
	kindTransport   = "transport"
	kindStatus4xx   = "status_4xx"
	kindStatus5xx   = "status_5xx"
	kindInvalidBody = "invalid_body"
	kindConversion  = "conversion"
)

// Doer performs outbound HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Dispatcher. Zero values are replaced with defaults.
type Options struct {
	Metrics *metrics.Collector
	// Estimator backfills usage on non-streaming responses when set.
	Estimator *tokens.Estimator
	Now       provider.ClockFunc
	NewID     provider.IDFunc
}

// Outcome is the result of a dispatched request. Exactly one of Response and Stream is set.
type Outcome struct {
	Provider models.Provider
	Model    string
	Response *models.ChatResponse
	// Stream must be drained or closed by the caller.
	Stream *stream.Frames
}

// Dispatcher is safe for concurrent use; every call owns its own upstream connection.
type Dispatcher struct {
	router    *router.Router
	client    Doer
	metrics   *metrics.Collector
	estimator *tokens.Estimator
	now       provider.ClockFunc
	newID     provider.IDFunc
}

// New creates a Dispatcher.
func New(rt *router.Router, client Doer, opts Options) (*Dispatcher, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector(config.MetricsConfig{}, nil)
	}
	defaults := provider.Options{Now: opts.Now, NewID: opts.NewID}.WithDefaults()

	return &Dispatcher{
		router:    rt,
		client:    client,
		metrics:   opts.Metrics,
		estimator: opts.Estimator,
		now:       defaults.Now,
		newID:     defaults.NewID,
	}, nil
}

// Handle resolves req.Model, calls the upstream and returns either the complete
// response or a lazy frame stream. The request must already be validated.
func (d *Dispatcher) Handle(ctx context.Context, req models.ChatRequest) (*Outcome, error) {
	cfg, adapter, err := d.router.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := d.send(ctx, cfg, adapter.ToNative(req, cfg))
	if err != nil {
		d.metrics.RecordRequest(cfg.Provider, cfg.LogicalName, metrics.StatusError, time.Since(start))
		return nil, err
	}

	if req.Stream {
		meta := stream.Meta{
			ID:      d.newID(),
			Created: d.now().Unix(),
			Model:   cfg.UpstreamModelID,
		}
		normalizer := stream.NewNormalizer(resp.Body, adapter.NewStreamDecoder(cfg), cfg.Provider, meta, d.metrics)
		frames := stream.NewFrames(normalizer)
		frames.OnFinish(func(failed bool) {
			status := metrics.StatusSuccess
			if failed {
				status = metrics.StatusError
			}
			d.metrics.RecordRequest(cfg.Provider, cfg.LogicalName, status, time.Since(start))
		})
		return &Outcome{
			Provider: cfg.Provider,
			Model:    cfg.LogicalName,
			Stream:   frames,
		}, nil
	}

	chat, err := d.decode(cfg, adapter, resp)
	if err != nil {
		d.metrics.RecordRequest(cfg.Provider, cfg.LogicalName, metrics.StatusError, time.Since(start))
		return nil, err
	}

	if d.estimator != nil && d.estimator.Backfill(req, chat) {
		slog.Debug("estimated missing usage", "provider", cfg.Provider, "model", cfg.LogicalName, "total_tokens", chat.Usage.TotalTokens)
	}
	d.metrics.RecordUsage(cfg.Provider, cfg.LogicalName, chat.Usage)
	d.metrics.RecordRequest(cfg.Provider, cfg.LogicalName, metrics.StatusSuccess, time.Since(start))

	return &Outcome{
		Provider: cfg.Provider,
		Model:    cfg.LogicalName,
		Response: chat,
	}, nil
}

// send posts the native request and returns a 2xx response with an open body.
func (d *Dispatcher) send(ctx context.Context, cfg models.ModelConfig, native provider.NativeRequest) (*http.Response, error) {
	payload, err := json.Marshal(native.Body)
	if err != nil {
		d.metrics.RecordUpstreamError(cfg.Provider, kindConversion)
		return nil, &provider.ConversionError{Provider: cfg.Provider, Reason: "encode native request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, native.URL, bytes.NewReader(payload))
	if err != nil {
		d.metrics.RecordUpstreamError(cfg.Provider, kindTransport)
		return nil, &provider.UpstreamError{Provider: cfg.Provider, Cause: fmt.Errorf("build request: %w", err)}
	}
	for key, values := range native.Header {
		httpReq.Header[key] = append([]string(nil), values...)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.metrics.RecordUpstreamError(cfg.Provider, kindTransport)
		slog.Warn("upstream request failed", "provider", cfg.Provider, "model", cfg.LogicalName, "err", err)
		return nil, &provider.UpstreamError{Provider: cfg.Provider, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, provider.MaxErrorBodyBytes+utf8Slack))

		kind := kindStatus4xx
		if resp.StatusCode >= 500 {
			kind = kindStatus5xx
		}
		d.metrics.RecordUpstreamError(cfg.Provider, kind)
		slog.Warn("upstream returned error status", "provider", cfg.Provider, "model", cfg.LogicalName, "status", resp.StatusCode)
		return nil, provider.NewUpstreamError(cfg.Provider, resp.StatusCode, body)
	}

	return resp, nil
}

func (d *Dispatcher) decode(cfg models.ModelConfig, adapter provider.Adapter, resp *http.Response) (*models.ChatResponse, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		d.metrics.RecordUpstreamError(cfg.Provider, kindTransport)
		return nil, &provider.UpstreamError{Provider: cfg.Provider, Status: resp.StatusCode, Cause: fmt.Errorf("read body: %w", err)}
	}
	if !json.Valid(body) {
		d.metrics.RecordUpstreamError(cfg.Provider, kindInvalidBody)
		return nil, provider.NewUpstreamError(cfg.Provider, resp.StatusCode, body)
	}

	chat, err := adapter.FromNative(body, cfg)
	if err != nil {
		d.metrics.RecordUpstreamError(cfg.Provider, kindConversion)
		slog.Warn("upstream response conversion failed", "provider", cfg.Provider, "model", cfg.LogicalName, "err", err)
		return nil, err
	}
	return chat, nil
}
