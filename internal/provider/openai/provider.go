package openai

import (
	"encoding/json"
	"errors"
	"fmt"

	"feathergate/internal/models"
	"feathergate/internal/provider"
)

const doneSentinel = "[DONE]"

var finishReasons = map[string]models.FinishReason{
	"stop":           models.FinishStop,
	"length":         models.FinishLength,
	"content_filter": models.FinishContentFilter,
}

// Adapter speaks the OpenAI chat completions protocol. The canonical model already
// matches it, so only the model id, URL and credentials change on the way out.
type Adapter struct {
	opts provider.Options
}

// New creates an OpenAI adapter.
func New(opts provider.Options) *Adapter {
	return &Adapter{opts: opts.WithDefaults()}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderOpenAI
}

func (a *Adapter) ToNative(req models.ChatRequest, cfg models.ModelConfig) provider.NativeRequest {
	header := provider.JSONHeader(req.Stream)
	header.Set("Authorization", "Bearer "+cfg.APIKey)

	return provider.NativeRequest{
		URL:    cfg.BaseURL() + "/chat/completions",
		Header: header,
		Body:   buildChatPayload(req, cfg.UpstreamModelID),
	}
}

type chatPayload struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildChatPayload(req models.ChatRequest, upstreamModel string) chatPayload {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openAIMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	return chatPayload{
		Model:       upstreamModel,
		Messages:    messages,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
}

type chatResponse struct {
	ID      string       `json:"id"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int              `json:"index"`
	Message      *responseMessage `json:"message"`
	FinishReason *string          `json:"finish_reason"`
}

type responseMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (a *Adapter) FromNative(body []byte, cfg models.ModelConfig) (*models.ChatResponse, error) {
	var native chatResponse
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, a.conversionError("decode chat completion", err)
	}
	if len(native.Choices) == 0 {
		return nil, a.conversionError("response did not include choices", nil)
	}

	choices := make([]models.Choice, 0, len(native.Choices))
	for i, choice := range native.Choices {
		if choice.Message == nil {
			return nil, a.conversionError(fmt.Sprintf("choices[%d] has no message", i), nil)
		}
		role := models.Role(choice.Message.Role)
		if role == "" {
			role = models.RoleAssistant
		}
		if !role.Valid() {
			return nil, a.conversionError(fmt.Sprintf("choices[%d] has unknown role %q", i, choice.Message.Role), nil)
		}

		choices = append(choices, models.Choice{
			Index: choice.Index,
			Message: models.Message{
				Role:    role,
				Content: valueOrZero(choice.Message.Content, func(s *string) string { return *s }),
			},
			FinishReason: a.finishReason(choice.FinishReason),
		})
	}

	resp := &models.ChatResponse{
		ID:      native.ID,
		Created: native.Created,
		Model:   native.Model,
		Choices: choices,
		Usage: models.Usage{
			PromptTokens:     valueOrZero(native.Usage, func(u *usageBlock) int { return u.PromptTokens }),
			CompletionTokens: valueOrZero(native.Usage, func(u *usageBlock) int { return u.CompletionTokens }),
			TotalTokens:      valueOrZero(native.Usage, func(u *usageBlock) int { return u.TotalTokens }),
		},
	}
	if resp.ID == "" {
		resp.ID = a.opts.NewID()
	}
	if resp.Created == 0 {
		resp.Created = a.opts.Now().Unix()
	}
	if resp.Model == "" {
		resp.Model = cfg.UpstreamModelID
	}
	return resp, nil
}

// finishReason maps a possibly-null native value. A null reason on a complete
// response is itself an anomaly and is reported as stop.
func (a *Adapter) finishReason(native *string) models.FinishReason {
	if native == nil {
		fr, _ := provider.MapFinishReason(models.ProviderOpenAI, "", finishReasons)
		return fr
	}
	fr, _ := provider.MapFinishReason(models.ProviderOpenAI, *native, finishReasons)
	return fr
}

func (a *Adapter) conversionError(reason string, cause error) error {
	return &provider.ConversionError{Provider: models.ProviderOpenAI, Reason: reason, Cause: cause}
}

func (a *Adapter) NewStreamDecoder(cfg models.ModelConfig) provider.StreamDecoder {
	return &streamDecoder{}
}

type streamDecoder struct{}

type chunkPayload struct {
	ID      string        `json:"id"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Error   *apiError     `json:"error,omitempty"`
}

type chunkChoice struct {
	Index int `json:"index"`
	Delta struct {
		Content *string `json:"content"`
	} `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (d *streamDecoder) Decode(ev provider.Event) (provider.StreamUpdate, error) {
	if ev.Data == doneSentinel {
		return provider.StreamUpdate{Done: true}, nil
	}

	var chunk chunkPayload
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return provider.StreamUpdate{}, fmt.Errorf("decode openai chunk: %w", err)
	}
	if chunk.Error != nil {
		msg := chunk.Error.Message
		if msg == "" {
			msg = "upstream reported an error"
		}
		return provider.StreamUpdate{Failure: msg}, nil
	}
	if chunk.Choices == nil && chunk.ID == "" {
		return provider.StreamUpdate{}, errors.New("openai chunk has neither id nor choices")
	}

	update := provider.StreamUpdate{
		ID:      chunk.ID,
		Model:   chunk.Model,
		Created: chunk.Created,
	}
	for _, choice := range chunk.Choices {
		delta := provider.DeltaUpdate{Index: choice.Index}
		if choice.Delta.Content != nil {
			delta.Content = *choice.Delta.Content
		}
		if choice.FinishReason != nil {
			fr, ok := provider.MapFinishReason(models.ProviderOpenAI, *choice.FinishReason, finishReasons)
			delta.FinishReason = fr
			if !ok {
				update.Anomaly = "unmapped_finish_reason"
			}
		}
		update.Deltas = append(update.Deltas, delta)
	}
	return update, nil
}

func valueOrZero[T any, R any](ptr *T, getter func(*T) R) R {
	var zero R
	if ptr == nil {
		return zero
	}
	return getter(ptr)
}
