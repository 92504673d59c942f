package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"feathergate/internal/models"
	"feathergate/internal/provider"
)

const (
	readChunkBytes = 4 << 10
	maxFrameBytes  = 1 << 20
)

// Anomaly kinds reported to the Observer.
const (
	AnomalyMalformedFrame  = "malformed_frame"
	AnomalyOversizedFrame  = "oversized_frame"
	AnomalyClosedIndex     = "closed_index"
	AnomalyMissingFinish   = "missing_finish"
	AnomalyUpstreamFailure = "upstream_failure"
	AnomalyReadError       = "read_error"
)

var (
	lf   = []byte("\n")
	crlf = []byte("\r\n")
	sep  = []byte("\n\n")
)

// Observer receives stream telemetry. Implementations must be safe for concurrent use.
type Observer interface {
	ChunkEmitted(p models.Provider)
	Anomaly(p models.Provider, kind string)
}

type nopObserver struct{}

func (nopObserver) ChunkEmitted(models.Provider)    {}
func (nopObserver) Anomaly(models.Provider, string) {}

// Meta stamps every emitted chunk. Decoders may replace it before the first chunk goes out.
type Meta struct {
	ID      string
	Created int64
	Model   string
}

type indexState int

const (
	stateOpen indexState = iota
	stateEmitting
	stateClosed
)

// Normalizer turns an upstream SSE byte stream into canonical delta chunks.
// It is pull-based and owned by a single consumer.
type Normalizer struct {
	body     io.ReadCloser
	decoder  provider.StreamDecoder
	provider models.Provider
	meta     Meta
	observer Observer
	logger   *slog.Logger

	buf     []byte
	readBuf []byte

	states  map[int]indexState
	order   []int
	pending []models.DeltaChunk

	started     bool
	eof         bool
	finished    bool
	closed      bool
	synthesized bool
}

// NewNormalizer wraps body. Choice index 0 is tracked from the start, so a stream
// that ends before any frame still yields a terminal chunk.
func NewNormalizer(body io.ReadCloser, decoder provider.StreamDecoder, p models.Provider, meta Meta, observer Observer) *Normalizer {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Normalizer{
		body:     body,
		decoder:  decoder,
		provider: p,
		meta:     meta,
		observer: observer,
		logger:   slog.Default().With("provider", p, "model", meta.Model),
		readBuf:  make([]byte, readChunkBytes),
		states:   map[int]indexState{0: stateOpen},
		order:    []int{0},
	}
}

// Next returns the next canonical chunk, or io.EOF once every choice index is closed.
// A cancelled ctx stops reading and releases the upstream body.
func (n *Normalizer) Next(ctx context.Context) (models.DeltaChunk, error) {
	for {
		if len(n.pending) > 0 {
			chunk := n.pending[0]
			n.pending = n.pending[1:]
			n.observer.ChunkEmitted(n.provider)
			return chunk, nil
		}
		if n.finished {
			_ = n.Close()
			return models.DeltaChunk{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			_ = n.Close()
			return models.DeltaChunk{}, err
		}

		if frame, ok := n.nextFrame(); ok {
			n.handleFrame(frame)
			continue
		}

		if n.eof {
			if len(bytes.TrimSpace(n.buf)) > 0 {
				frame := n.buf
				n.buf = nil
				n.handleFrame(frame)
			}
			if !n.finished {
				n.closeOpen(AnomalyMissingFinish)
				n.finished = true
			}
			continue
		}

		n.fill(ctx)
	}
}

// Failed reports whether any terminal chunk so far was synthesized with an error
// finish reason.
func (n *Normalizer) Failed() bool {
	return n.synthesized
}

// Close releases the upstream body. It is safe to call more than once.
func (n *Normalizer) Close() error {
	if n.closed {
		return nil
	}
	n.closed = true
	return n.body.Close()
}

func (n *Normalizer) fill(ctx context.Context) {
	read, err := n.body.Read(n.readBuf)
	if read > 0 {
		n.buf = append(n.buf, n.readBuf[:read]...)
		if bytes.Contains(n.buf, crlf) {
			n.buf = bytes.ReplaceAll(n.buf, crlf, lf)
		}
	}
	if err == nil {
		return
	}

	n.eof = true
	if !errors.Is(err, io.EOF) && ctx.Err() == nil {
		n.logger.Warn("upstream stream read failed", "err", err)
		n.observer.Anomaly(n.provider, AnomalyReadError)
	}
}

func (n *Normalizer) nextFrame() ([]byte, bool) {
	idx := bytes.Index(n.buf, sep)
	if idx < 0 {
		if len(n.buf) > maxFrameBytes {
			n.logger.Warn("dropping oversized stream frame", "bytes", len(n.buf))
			n.observer.Anomaly(n.provider, AnomalyOversizedFrame)
			n.buf = n.buf[:0]
		}
		return nil, false
	}
	frame := n.buf[:idx]
	n.buf = n.buf[idx+len(sep):]
	return frame, true
}

func (n *Normalizer) handleFrame(frame []byte) {
	ev, ok := parseEvent(frame)
	if !ok {
		return
	}

	update, err := n.decoder.Decode(ev)
	if err != nil {
		n.logger.Warn("dropping malformed stream frame", "event", ev.Name, "err", err)
		n.observer.Anomaly(n.provider, AnomalyMalformedFrame)
		return
	}
	if update.Anomaly != "" {
		n.observer.Anomaly(n.provider, update.Anomaly)
	}

	if !n.started {
		if update.ID != "" {
			n.meta.ID = update.ID
		}
		if update.Model != "" {
			n.meta.Model = update.Model
		}
		if update.Created != 0 {
			n.meta.Created = update.Created
		}
	}

	for _, d := range update.Deltas {
		n.applyDelta(d)
	}

	switch {
	case update.Failure != "":
		n.logger.Warn("upstream reported a stream error", "message", update.Failure)
		n.closeOpen(AnomalyUpstreamFailure)
		n.finished = true
	case update.Done:
		n.closeOpen(AnomalyMissingFinish)
		n.finished = true
	case n.allClosed():
		n.finished = true
	}
}

func (n *Normalizer) applyDelta(d provider.DeltaUpdate) {
	state, seen := n.states[d.Index]
	if !seen {
		n.states[d.Index] = stateOpen
		n.order = append(n.order, d.Index)
	}
	if state == stateClosed {
		n.logger.Warn("dropping frame for closed choice", "index", d.Index)
		n.observer.Anomaly(n.provider, AnomalyClosedIndex)
		return
	}

	if d.Content != "" {
		delta := models.Delta{Content: d.Content}
		if state == stateOpen {
			delta.Role = models.RoleAssistant
		}
		n.enqueue(models.ChunkChoice{Index: d.Index, Delta: delta})
		n.states[d.Index] = stateEmitting
	}
	if d.FinishReason != "" {
		n.enqueue(models.ChunkChoice{Index: d.Index, FinishReason: d.FinishReason})
		n.states[d.Index] = stateClosed
	}
}

// closeOpen synthesizes an error terminal chunk for every index not yet closed.
func (n *Normalizer) closeOpen(kind string) {
	for _, idx := range n.order {
		if n.states[idx] == stateClosed {
			continue
		}
		n.logger.Warn("synthesizing terminal chunk", "index", idx, "reason", kind)
		n.observer.Anomaly(n.provider, kind)
		n.enqueue(models.ChunkChoice{Index: idx, FinishReason: models.FinishError})
		n.states[idx] = stateClosed
		n.synthesized = true
	}
}

func (n *Normalizer) allClosed() bool {
	for _, idx := range n.order {
		if n.states[idx] != stateClosed {
			return false
		}
	}
	return true
}

func (n *Normalizer) enqueue(choice models.ChunkChoice) {
	n.started = true
	n.pending = append(n.pending, models.DeltaChunk{
		ID:      n.meta.ID,
		Created: n.meta.Created,
		Model:   n.meta.Model,
		Choices: []models.ChunkChoice{choice},
	})
}

// parseEvent reads the event and data fields of one SSE frame. ok is false for
// frames without data, such as comments and keep-alives.
func parseEvent(frame []byte) (provider.Event, bool) {
	var ev provider.Event
	var data []string
	for _, line := range strings.Split(string(frame), "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
		}
	}
	if len(data) == 0 {
		return provider.Event{}, false
	}
	ev.Data = strings.Join(data, "\n")
	return ev, true
}
