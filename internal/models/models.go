package models

import (
	"errors"
	"fmt"
	"strings"
)

// Role is a canonical chat role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is part of the canonical role vocabulary.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// FinishReason is the canonical cause a choice stopped generating.
// The empty value stands for "not finished" (null on the wire).
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// Message represents a single conversational message in the canonical schema.
type Message struct {
	Role    Role
	Content string
}

// ChatRequest is the canonical representation of a chat completion request.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	Stream      bool
}

// Validate enforces the invariants every adapter relies on.
func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return errors.New("model must be provided")
	}
	if len(r.Messages) == 0 {
		return errors.New("at least one message is required")
	}
	for i, msg := range r.Messages {
		if !msg.Role.Valid() {
			return fmt.Errorf("messages[%d]: invalid role %q", i, msg.Role)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", *r.Temperature)
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return fmt.Errorf("top_p must be between 0 and 1, got %g", *r.TopP)
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", *r.MaxTokens)
	}
	return nil
}

// ChatResponse captures a complete provider response in the canonical schema.
type ChatResponse struct {
	ID      string
	Created int64
	Model   string
	Choices []Choice
	Usage   Usage
}

// Choice is one alternative of a non-streaming response.
type Choice struct {
	Index        int
	Message      Message
	FinishReason FinishReason
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// IsZero reports whether no token counts were recorded.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// DeltaChunk is one incremental unit of a streamed response.
type DeltaChunk struct {
	ID      string
	Created int64
	Model   string
	Choices []ChunkChoice
}

// ChunkChoice carries the delta for a single choice index.
type ChunkChoice struct {
	Index        int
	Delta        Delta
	FinishReason FinishReason
}

// Delta is the incremental payload. Role is set only on the first emission for an index.
type Delta struct {
	Role    Role
	Content string
}

// IsTerminal reports whether the choice closes its index.
func (c ChunkChoice) IsTerminal() bool {
	return c.FinishReason != ""
}
