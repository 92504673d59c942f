package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"feathergate/internal/models"
)

const (
	objectCompletion = "chat.completion"
	objectChunk      = "chat.completion.chunk"
	objectList       = "list"
	objectModel      = "model"

	// OwnedBy is reported for every model listed by the proxy.
	OwnedBy = "feathergate"
)

var errInvalidContent = errors.New("invalid message content")

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// Fields the proxy does not route on are accepted and ignored.
type ChatCompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Stream      bool
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
}

// UnmarshalJSON decodes and validates the request.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model       string        `json:"model"`
		Messages    []ChatMessage `json:"messages"`
		Stream      bool          `json:"stream"`
		MaxTokens   *int          `json:"max_tokens"`
		Temperature *float64      `json:"temperature"`
		TopP        *float64      `json:"top_p"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP

	return r.ToCanonical().Validate()
}

// ToCanonical converts the OpenAI request into the canonical format.
func (r ChatCompletionRequest) ToCanonical() models.ChatRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{
			Role:    models.Role(m.Role),
			Content: m.Content,
		})
	}

	return models.ChatRequest{
		Model:       r.Model,
		Messages:    msgs,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		TopP:        r.TopP,
		Stream:      r.Stream,
	}
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role    string
	Content string
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.ToLower(strings.TrimSpace(raw.Role))
	m.Content = content
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   OpenAIUsage  `json:"usage"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message of a choice.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FromCanonicalChat constructs the OpenAI response shape from the canonical data.
func FromCanonicalChat(resp *models.ChatResponse) ChatCompletionResponse {
	choices := make([]ChatChoice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		finish := c.FinishReason
		if finish == "" {
			finish = models.FinishStop
		}
		choices = append(choices, ChatChoice{
			Index: c.Index,
			Message: ResponseMessage{
				Role:    string(c.Message.Role),
				Content: c.Message.Content,
			},
			FinishReason: string(finish),
		})
	}

	return ChatCompletionResponse{
		ID:      resp.ID,
		Object:  objectCompletion,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: choices,
		Usage: OpenAIUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// ChatCompletionChunk is one streamed SSE payload.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries the delta for one choice index; FinishReason is null until terminal.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta omits role after the first chunk and content when empty.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// FromCanonicalChunk converts a canonical delta chunk into its wire shape.
func FromCanonicalChunk(chunk models.DeltaChunk) ChatCompletionChunk {
	choices := make([]ChunkChoice, 0, len(chunk.Choices))
	for _, c := range chunk.Choices {
		choice := ChunkChoice{
			Index: c.Index,
			Delta: ChunkDelta{
				Role:    string(c.Delta.Role),
				Content: c.Delta.Content,
			},
		}
		if c.IsTerminal() {
			finish := string(c.FinishReason)
			choice.FinishReason = &finish
		}
		choices = append(choices, choice)
	}

	return ChatCompletionChunk{
		ID:      chunk.ID,
		Object:  objectChunk,
		Created: chunk.Created,
		Model:   chunk.Model,
		Choices: choices,
	}
}

// ModelList is the /v1/models response body.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// ModelEntry describes one routable logical model.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// NewModelList lists the logical model names in the order given.
func NewModelList(cfgs []models.ModelConfig) ModelList {
	data := make([]ModelEntry, 0, len(cfgs))
	for _, cfg := range cfgs {
		data = append(data, ModelEntry{
			ID:      cfg.LogicalName,
			Object:  objectModel,
			OwnedBy: OwnedBy,
		})
	}
	return ModelList{Object: objectList, Data: data}
}
