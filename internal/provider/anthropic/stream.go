package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"

	"feathergate/internal/models"
	"feathergate/internal/provider"
)

// streamEvent covers every Messages API event shape; unused fields stay zero.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string  `json:"type"`
		Text       string  `json:"text"`
		StopReason *string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// streamDecoder folds content blocks onto choice 0; the Messages API has a single choice.
type streamDecoder struct{}

func (d *streamDecoder) Decode(ev provider.Event) (provider.StreamUpdate, error) {
	var event streamEvent
	if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
		return provider.StreamUpdate{}, fmt.Errorf("decode anthropic event: %w", err)
	}

	kind := event.Type
	if kind == "" {
		kind = ev.Name
	}

	switch kind {
	case "message_start":
		if event.Message == nil {
			return provider.StreamUpdate{}, errors.New("message_start without message")
		}
		return provider.StreamUpdate{ID: event.Message.ID, Model: event.Message.Model}, nil

	case "content_block_delta":
		if event.Delta == nil {
			return provider.StreamUpdate{}, errors.New("content_block_delta without delta")
		}
		if event.Delta.Type != "text_delta" {
			return provider.StreamUpdate{}, nil
		}
		return provider.StreamUpdate{
			Deltas: []provider.DeltaUpdate{{Index: 0, Content: event.Delta.Text}},
		}, nil

	case "message_delta":
		if event.Delta == nil || event.Delta.StopReason == nil {
			return provider.StreamUpdate{}, nil
		}
		fr, ok := provider.MapFinishReason(models.ProviderAnthropic, *event.Delta.StopReason, stopReasons)
		update := provider.StreamUpdate{
			Deltas: []provider.DeltaUpdate{{Index: 0, FinishReason: fr}},
		}
		if !ok {
			update.Anomaly = "unmapped_finish_reason"
		}
		return update, nil

	case "message_stop":
		return provider.StreamUpdate{Done: true}, nil

	case "error":
		msg := "upstream reported an error"
		if event.Error != nil && event.Error.Message != "" {
			msg = event.Error.Message
		}
		return provider.StreamUpdate{Failure: msg}, nil

	default:
		// ping, content_block_start and content_block_stop carry nothing canonical.
		return provider.StreamUpdate{}, nil
	}
}
