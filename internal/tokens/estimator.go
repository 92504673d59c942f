// Package tokens estimates token usage for upstreams that do not report it.
package tokens

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"feathergate/internal/models"
)

// Encoding names used by tiktoken.
const (
	EncodingCL100kBase = "cl100k_base"
	EncodingO200kBase  = "o200k_base"
)

const (
	messageOverhead    = 3
	replyPrimingTokens = 3
	charsPerToken      = 4
)

// modelEncodings is ordered longest prefix first.
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", EncodingO200kBase},
	{"gpt-4.1", EncodingO200kBase},
	{"gpt-3.5", EncodingCL100kBase},
	{"gpt-4", EncodingCL100kBase},
	{"chatgpt", EncodingO200kBase},
	{"o1", EncodingO200kBase},
	{"o3", EncodingO200kBase},
	{"o4", EncodingO200kBase},
}

// CountFunc counts the tokens of text under the named encoding.
type CountFunc func(text, encoding string) (int, error)

// Estimator approximates prompt and completion token counts. Claude and Gemini
// models are counted with cl100k_base, which is close enough for accounting.
type Estimator struct {
	count CountFunc

	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
	warnOnce  sync.Once
}

// New creates an Estimator backed by tiktoken.
func New() *Estimator {
	e := &Estimator{encodings: make(map[string]*tiktoken.Tiktoken)}
	e.count = e.tiktokenCount
	return e
}

// NewWithCounter creates an Estimator using count instead of tiktoken.
func NewWithCounter(count CountFunc) *Estimator {
	return &Estimator{count: count, encodings: make(map[string]*tiktoken.Tiktoken)}
}

// Backfill fills resp.Usage from req and resp when the upstream reported no usage.
// It reports whether anything was estimated.
func (e *Estimator) Backfill(req models.ChatRequest, resp *models.ChatResponse) bool {
	if resp == nil || !resp.Usage.IsZero() {
		return false
	}

	encoding := ResolveEncoding(resp.Model)

	prompt := replyPrimingTokens
	for _, msg := range req.Messages {
		prompt += messageOverhead + e.Count(string(msg.Role), encoding) + e.Count(msg.Content, encoding)
	}

	completion := 0
	for _, choice := range resp.Choices {
		completion += e.Count(choice.Message.Content, encoding)
	}

	resp.Usage = models.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
	return true
}

// Count returns the token count of text, falling back to a length heuristic
// when the encoding cannot be loaded.
func (e *Estimator) Count(text, encoding string) int {
	if text == "" {
		return 0
	}
	n, err := e.count(text, encoding)
	if err != nil {
		e.warnOnce.Do(func() {
			slog.Warn("token encoding unavailable, using length heuristic", "encoding", encoding, "err", err)
		})
		return (len(text) + charsPerToken - 1) / charsPerToken
	}
	return n
}

func (e *Estimator) tiktokenCount(text, encoding string) (int, error) {
	enc, err := e.getEncoding(encoding)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

func (e *Estimator) getEncoding(name string) (*tiktoken.Tiktoken, error) {
	e.mu.RLock()
	enc, ok := e.encodings[name]
	e.mu.RUnlock()
	if ok {
		return enc, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok = e.encodings[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	e.encodings[name] = enc
	return enc, nil
}

// ResolveEncoding picks the tiktoken encoding for an upstream model id.
func ResolveEncoding(model string) string {
	lower := strings.ToLower(model)
	for _, me := range modelEncodings {
		if strings.HasPrefix(lower, me.prefix) {
			return me.encoding
		}
	}
	return EncodingCL100kBase
}
