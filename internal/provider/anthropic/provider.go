package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"feathergate/internal/models"
	"feathergate/internal/provider"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
	systemSeparator  = "\n\n"
)

var stopReasons = map[string]models.FinishReason{
	"end_turn":      models.FinishStop,
	"stop_sequence": models.FinishStop,
	"max_tokens":    models.FinishLength,
	"refusal":       models.FinishContentFilter,
}

// Adapter speaks the Anthropic Messages API.
type Adapter struct {
	opts provider.Options
}

// New creates an Anthropic adapter.
func New(opts provider.Options) *Adapter {
	return &Adapter{opts: opts.WithDefaults()}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderAnthropic
}

func (a *Adapter) ToNative(req models.ChatRequest, cfg models.ModelConfig) provider.NativeRequest {
	header := provider.JSONHeader(req.Stream)
	header.Set("x-api-key", cfg.APIKey)
	header.Set("anthropic-version", apiVersion)

	return provider.NativeRequest{
		URL:    cfg.BaseURL() + "/v1/messages",
		Header: header,
		Body:   buildMessagePayload(req, cfg.UpstreamModelID),
	}
}

type messagePayload struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// buildMessagePayload lifts every system message into the top-level system field,
// joined in order, and keeps the remaining turns as they are. A system-only request
// is sent as a single user turn instead.
func buildMessagePayload(req models.ChatRequest, upstreamModel string) messagePayload {
	messages := make([]message, 0, len(req.Messages))
	var systemParts []string

	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		messages = append(messages, message{
			Role:    string(msg.Role),
			Content: []contentBlock{{Type: "text", Text: msg.Content}},
		})
	}

	system := strings.Join(systemParts, systemSeparator)
	if len(messages) == 0 && system != "" {
		// The messages API needs at least one turn.
		messages = append(messages, message{
			Role:    string(models.RoleUser),
			Content: []contentBlock{{Type: "text", Text: system}},
		})
		system = ""
	}

	payload := messagePayload{
		Model:       upstreamModel,
		Messages:    messages,
		System:      system,
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.MaxTokens != nil {
		payload.MaxTokens = *req.MaxTokens
	}
	return payload
}

type messageResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason *string        `json:"stop_reason"`
	Usage      *usageBlock    `json:"usage"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (a *Adapter) FromNative(body []byte, cfg models.ModelConfig) (*models.ChatResponse, error) {
	var native messageResponse
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, a.conversionError("decode message", err)
	}
	if native.Type != "" && native.Type != "message" {
		return nil, a.conversionError(fmt.Sprintf("unexpected response type %q", native.Type), nil)
	}
	if native.Content == nil {
		return nil, a.conversionError("response missing content blocks", nil)
	}
	if native.Role != "" && native.Role != string(models.RoleAssistant) {
		return nil, a.conversionError(fmt.Sprintf("unexpected role %q", native.Role), nil)
	}

	var text strings.Builder
	for _, block := range native.Content {
		switch block.Type {
		case "text":
		case "thinking", "redacted_thinking":
			continue
		default:
			return nil, a.conversionError(fmt.Sprintf("unsupported content block type %q", block.Type), nil)
		}
		text.WriteString(block.Text)
	}

	stopReason := ""
	if native.StopReason != nil {
		stopReason = *native.StopReason
	}
	finish, _ := provider.MapFinishReason(models.ProviderAnthropic, stopReason, stopReasons)

	resp := &models.ChatResponse{
		ID:      native.ID,
		Created: a.opts.Now().Unix(),
		Model:   native.Model,
		Choices: []models.Choice{{
			Index:        0,
			Message:      models.Message{Role: models.RoleAssistant, Content: text.String()},
			FinishReason: finish,
		}},
	}
	if native.Usage != nil {
		resp.Usage = models.Usage{
			PromptTokens:     native.Usage.InputTokens,
			CompletionTokens: native.Usage.OutputTokens,
			TotalTokens:      native.Usage.InputTokens + native.Usage.OutputTokens,
		}
	}
	if resp.ID == "" {
		resp.ID = a.opts.NewID()
	}
	if resp.Model == "" {
		resp.Model = cfg.UpstreamModelID
	}
	return resp, nil
}

func (a *Adapter) conversionError(reason string, cause error) error {
	return &provider.ConversionError{Provider: models.ProviderAnthropic, Reason: reason, Cause: cause}
}

func (a *Adapter) NewStreamDecoder(cfg models.ModelConfig) provider.StreamDecoder {
	return &streamDecoder{}
}
