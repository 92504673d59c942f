package gemini

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"feathergate/internal/models"
	"feathergate/internal/provider"
)

const (
	roleUser  = "user"
	roleModel = "model"

	systemSeparator = "\n\n"
)

var finishReasons = map[string]models.FinishReason{
	"STOP":               models.FinishStop,
	"MAX_TOKENS":         models.FinishLength,
	"SAFETY":             models.FinishContentFilter,
	"RECITATION":         models.FinishContentFilter,
	"BLOCKLIST":          models.FinishContentFilter,
	"PROHIBITED_CONTENT": models.FinishContentFilter,
	"SPII":               models.FinishContentFilter,
}

// Adapter speaks the Gemini generateContent API.
type Adapter struct {
	opts provider.Options
}

// New creates a Gemini adapter.
func New(opts provider.Options) *Adapter {
	return &Adapter{opts: opts.WithDefaults()}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderGemini
}

func (a *Adapter) ToNative(req models.ChatRequest, cfg models.ModelConfig) provider.NativeRequest {
	header := provider.JSONHeader(req.Stream)
	header.Set("x-goog-api-key", cfg.APIKey)

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", cfg.BaseURL(), url.PathEscape(cfg.UpstreamModelID))
	if req.Stream {
		endpoint = fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", cfg.BaseURL(), url.PathEscape(cfg.UpstreamModelID))
	}

	return provider.NativeRequest{
		URL:    endpoint,
		Header: header,
		Body:   buildGeneratePayload(req),
	}
}

type generatePayload struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
}

func buildGeneratePayload(req models.ChatRequest) generatePayload {
	payload := generatePayload{Contents: foldMessages(req.Messages)}
	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil {
		payload.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			TopP:            req.TopP,
		}
	}
	return payload
}

// foldMessages prepends all system text to the first user turn, or to a new
// leading user turn when the conversation has none, and relabels assistant as model.
func foldMessages(msgs []models.Message) []content {
	var systemParts []string
	out := make([]content, 0, len(msgs))
	firstUser := -1

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case models.RoleAssistant:
			out = append(out, content{Role: roleModel, Parts: []part{{Text: msg.Content}}})
		default:
			if firstUser < 0 {
				firstUser = len(out)
			}
			out = append(out, content{Role: roleUser, Parts: []part{{Text: msg.Content}}})
		}
	}

	if len(systemParts) == 0 {
		return out
	}
	system := strings.Join(systemParts, systemSeparator)
	if firstUser < 0 {
		return append([]content{{Role: roleUser, Parts: []part{{Text: system}}}}, out...)
	}
	out[firstUser].Parts[0].Text = system + systemSeparator + out[firstUser].Parts[0].Text
	return out
}

type generateResponse struct {
	Candidates     []candidate     `json:"candidates"`
	UsageMetadata  *usageMetadata  `json:"usageMetadata,omitempty"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
	ResponseID     string          `json:"responseId,omitempty"`
	Error          *apiError       `json:"error,omitempty"`
}

type candidate struct {
	Content      *content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
	Index        *int     `json:"index,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (c candidate) text() string {
	if c.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range c.Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func (c candidate) index(position int) int {
	if c.Index != nil {
		return *c.Index
	}
	return position
}

func (a *Adapter) FromNative(body []byte, cfg models.ModelConfig) (*models.ChatResponse, error) {
	var native generateResponse
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, a.conversionError("decode generateContent response", err)
	}

	resp := &models.ChatResponse{
		ID:      native.ResponseID,
		Created: a.opts.Now().Unix(),
		Model:   native.ModelVersion,
	}
	if resp.ID == "" {
		resp.ID = a.opts.NewID()
	}
	if resp.Model == "" {
		resp.Model = cfg.UpstreamModelID
	}
	if native.UsageMetadata != nil {
		resp.Usage = models.Usage{
			PromptTokens:     native.UsageMetadata.PromptTokenCount,
			CompletionTokens: native.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      native.UsageMetadata.TotalTokenCount,
		}
	}

	if len(native.Candidates) == 0 {
		if native.PromptFeedback != nil && native.PromptFeedback.BlockReason != "" {
			resp.Choices = []models.Choice{{
				Index:        0,
				Message:      models.Message{Role: models.RoleAssistant},
				FinishReason: models.FinishContentFilter,
			}}
			return resp, nil
		}
		return nil, a.conversionError("response did not include candidates", nil)
	}

	for i, cand := range native.Candidates {
		if cand.Content == nil && cand.FinishReason == "" {
			return nil, a.conversionError(fmt.Sprintf("candidates[%d] has neither content nor finishReason", i), nil)
		}
		finish, _ := provider.MapFinishReason(models.ProviderGemini, cand.FinishReason, finishReasons)
		resp.Choices = append(resp.Choices, models.Choice{
			Index:        cand.index(i),
			Message:      models.Message{Role: models.RoleAssistant, Content: cand.text()},
			FinishReason: finish,
		})
	}
	return resp, nil
}

func (a *Adapter) conversionError(reason string, cause error) error {
	return &provider.ConversionError{Provider: models.ProviderGemini, Reason: reason, Cause: cause}
}

func (a *Adapter) NewStreamDecoder(cfg models.ModelConfig) provider.StreamDecoder {
	return &streamDecoder{}
}

// streamDecoder reads streamGenerateContent SSE frames, each a full generateContent response.
type streamDecoder struct{}

func (d *streamDecoder) Decode(ev provider.Event) (provider.StreamUpdate, error) {
	var chunk generateResponse
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return provider.StreamUpdate{}, fmt.Errorf("decode gemini chunk: %w", err)
	}
	if chunk.Error != nil {
		msg := chunk.Error.Message
		if msg == "" {
			msg = chunk.Error.Status
		}
		return provider.StreamUpdate{Failure: msg}, nil
	}

	update := provider.StreamUpdate{ID: chunk.ResponseID, Model: chunk.ModelVersion}
	if len(chunk.Candidates) == 0 && chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
		update.Deltas = []provider.DeltaUpdate{{Index: 0, FinishReason: models.FinishContentFilter}}
		return update, nil
	}

	for i, cand := range chunk.Candidates {
		delta := provider.DeltaUpdate{Index: cand.index(i), Content: cand.text()}
		if cand.FinishReason != "" {
			fr, ok := provider.MapFinishReason(models.ProviderGemini, cand.FinishReason, finishReasons)
			delta.FinishReason = fr
			if !ok {
				update.Anomaly = "unmapped_finish_reason"
			}
		}
		update.Deltas = append(update.Deltas, delta)
	}
	return update, nil
}
