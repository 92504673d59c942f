package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"feathergate/internal/models"
	"feathergate/internal/translator"
)

const doneFrame = "data: [DONE]\n\n"

// EncodeChunk serializes a chunk as one SSE data frame.
func EncodeChunk(chunk models.DeltaChunk) ([]byte, error) {
	payload, err := json.Marshal(translator.FromCanonicalChunk(chunk))
	if err != nil {
		return nil, fmt.Errorf("marshal SSE payload: %w", err)
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// DoneFrame returns the stream terminator.
func DoneFrame() []byte {
	return []byte(doneFrame)
}

// Frames yields serialized SSE frames from a Normalizer, ending with the [DONE] sentinel.
type Frames struct {
	normalizer *Normalizer
	done       bool
	onFinish   func(failed bool)
	reported   bool
}

// NewFrames wraps n.
func NewFrames(n *Normalizer) *Frames {
	return &Frames{normalizer: n}
}

// OnFinish registers fn to run once when the stream ends. failed is false only
// when [DONE] was reached without any synthesized terminal chunk.
func (f *Frames) OnFinish(fn func(failed bool)) {
	f.onFinish = fn
}

// Next returns the next frame, or io.EOF after [DONE] has been returned.
func (f *Frames) Next(ctx context.Context) ([]byte, error) {
	if f.done {
		return nil, io.EOF
	}

	chunk, err := f.normalizer.Next(ctx)
	switch {
	case err == nil:
		return EncodeChunk(chunk)
	case errors.Is(err, io.EOF):
		f.done = true
		f.finish(f.normalizer.Failed())
		return DoneFrame(), nil
	default:
		f.finish(true)
		return nil, err
	}
}

// Close releases the upstream connection.
func (f *Frames) Close() error {
	f.finish(true)
	return f.normalizer.Close()
}

func (f *Frames) finish(failed bool) {
	if f.reported {
		return
	}
	f.reported = true
	if f.onFinish != nil {
		f.onFinish(failed)
	}
}
