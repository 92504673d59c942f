package provider

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"feathergate/internal/models"
)

const (
	// UserAgent is sent on every upstream request.
	UserAgent = "feathergate/0.1"

	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
)

// Adapter translates between the canonical model and one provider's native wire format.
// Implementations are stateless and safe for concurrent use.
type Adapter interface {
	Provider() models.Provider
	// ToNative builds the outbound request. It never fails on a validated request.
	ToNative(req models.ChatRequest, cfg models.ModelConfig) NativeRequest
	// FromNative parses a complete 2xx upstream body. Schema violations are reported as *ConversionError.
	FromNative(body []byte, cfg models.ModelConfig) (*models.ChatResponse, error)
	// NewStreamDecoder returns fresh per-connection decoding state.
	NewStreamDecoder(cfg models.ModelConfig) StreamDecoder
}

// NativeRequest is a provider-shaped outbound POST. Body is JSON-encoded by the caller.
type NativeRequest struct {
	URL    string
	Header http.Header
	Body   any
}

// Event is one server-sent event as framed by the upstream.
type Event struct {
	Name string
	Data string
}

// StreamDecoder maps upstream events onto canonical stream updates.
// A decoder belongs to exactly one stream and is not safe for concurrent use.
type StreamDecoder interface {
	Decode(ev Event) (StreamUpdate, error)
}

// StreamUpdate is what a single upstream event contributes to the canonical stream.
// The zero value means the event carried nothing (keep-alives, bookkeeping events).
type StreamUpdate struct {
	// ID, Model and Created override the stream metadata when non-empty.
	ID      string
	Model   string
	Created int64

	Deltas []DeltaUpdate

	// Done reports that the upstream signalled the end of the stream.
	Done bool
	// Failure carries an in-band upstream error; every open index closes with FinishError.
	Failure string
	// Anomaly names a tolerated protocol oddity, such as an unmapped finish reason.
	Anomaly string
}

// DeltaUpdate is the contribution to one choice index.
type DeltaUpdate struct {
	Index        int
	Content      string
	FinishReason models.FinishReason
}

// IDFunc generates response ids for upstreams that do not supply one.
type IDFunc func() string

// ClockFunc reports the current time.
type ClockFunc func() time.Time

// Options carries the clock and id source an adapter stamps responses with.
type Options struct {
	Now   ClockFunc
	NewID IDFunc
}

// WithDefaults fills unset fields with the wall clock and uuid-based ids.
func (o Options) WithDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = NewResponseID
	}
	return o
}

// NewResponseID returns an OpenAI-style completion id.
func NewResponseID() string {
	return "chatcmpl-" + uuid.NewString()
}

// MapFinishReason looks native up in table. Unknown values map to FinishStop and are logged;
// ok is false in that case so callers can count the anomaly.
func MapFinishReason(p models.Provider, native string, table map[string]models.FinishReason) (reason models.FinishReason, ok bool) {
	if fr, found := table[native]; found {
		return fr, true
	}
	slog.Warn("unmapped finish reason", "provider", p, "native", native)
	return models.FinishStop, false
}

// JSONHeader returns the headers common to every upstream call.
func JSONHeader(stream bool) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", contentTypeJSON)
	h.Set("User-Agent", UserAgent)
	if stream {
		h.Set("Accept", contentTypeSSE)
	} else {
		h.Set("Accept", contentTypeJSON)
	}
	return h
}
