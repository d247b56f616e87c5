// Package anthropic defines the wire types of the Anthropic Messages API —
// the shape the host speaks, and the shape the Response Transformer (J)
// must produce. Per the design note on dynamic JSON payloads (§9), the
// fields the pipeline actually touches are typed; anything else flows
// through as raw JSON (Input, unrecognized extra_body keys) rather than
// being modeled field-by-field.
package anthropic

import "encoding/json"

// Message represents one turn in the host's conversation.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a tagged union over the block kinds the pipeline handles:
// text, thinking, tool_use, tool_result, image.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`

	ThoughtSignature string `json:"thoughtSignature,omitempty"`

	Source *ImageSource `json:"source,omitempty"`

	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// ImageSource describes an inline or URL-referenced image/document.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// CacheControl marks a block for prompt caching; stripped before the block
// reaches the upstream wire format.
type CacheControl struct {
	Type string `json:"type"`
}

// Tool is a host-declared function the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolChoice constrains which tool (if any) the model must call.
type ToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse bool   `json:"disable_parallel_tool_use,omitempty"`
}

// ThinkingConfig is the host's thinking-mode request (before model
// resolution folds in tier defaults).
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// SystemContent is either a plain string or an array of content blocks.
type SystemContent any

// MessagesRequest is the body of POST /v1/messages.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Stream        bool            `json:"stream,omitempty"`
	System        SystemContent   `json:"system,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Metadata      *RequestMetadata `json:"metadata,omitempty"`
	ExtraBody     json.RawMessage `json:"extra_body,omitempty"`
}

// RequestMetadata carries host-assigned tracking fields, including whichever
// conversation/thread id field the Signature Cache's sessionKey derivation
// (§4.C) looks for first.
type RequestMetadata struct {
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ThreadID       string `json:"thread_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

// MessagesResponse is the body of a non-streaming POST /v1/messages reply.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        *Usage         `json:"usage,omitempty"`
}

// Usage is token accounting for one response.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// SSEEventType enumerates the Anthropic streaming event kinds.
type SSEEventType string

const (
	SSEEventMessageStart      SSEEventType = "message_start"
	SSEEventContentBlockStart SSEEventType = "content_block_start"
	SSEEventContentBlockDelta SSEEventType = "content_block_delta"
	SSEEventContentBlockStop  SSEEventType = "content_block_stop"
	SSEEventMessageDelta      SSEEventType = "message_delta"
	SSEEventMessageStop       SSEEventType = "message_stop"
	SSEEventPing              SSEEventType = "ping"
	SSEEventError             SSEEventType = "error"
)

// SSEEvent is one event in the rewritten host-facing stream.
type SSEEvent struct {
	Type         SSEEventType      `json:"type"`
	Message      *MessagesResponse `json:"message,omitempty"`
	Index        int               `json:"index,omitempty"`
	Delta        *ContentDelta     `json:"delta,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
	ContentBlock *ContentBlock     `json:"content_block,omitempty"`
	Error        *SSEError         `json:"error,omitempty"`
}

// ContentDelta is an incremental update to the block at Index.
type ContentDelta struct {
	Type             string `json:"type"`
	Text             string `json:"text,omitempty"`
	Thinking         string `json:"thinking,omitempty"`
	Signature        string `json:"signature,omitempty"`
	PartialJSON      string `json:"partial_json,omitempty"`
	StopReason       string `json:"stop_reason,omitempty"`
	ThoughtSignature string `json:"thoughtSignature,omitempty"`
}

// SSEError is the payload of a type:"error" SSE event.
type SSEError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse is a non-streaming error body.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the nested error payload of ErrorResponse.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewErrorResponse(errorType, message string) *ErrorResponse {
	return &ErrorResponse{Type: "error", Error: ErrorDetail{Type: errorType, Message: message}}
}

func NewMessagesResponse(id, model string, content []ContentBlock, stopReason string, usage *Usage) *MessagesResponse {
	return &MessagesResponse{ID: id, Type: "message", Role: "assistant", Content: content, Model: model, StopReason: stopReason, Usage: usage}
}

func (cb *ContentBlock) IsToolUse() bool    { return cb.Type == "tool_use" }
func (cb *ContentBlock) IsToolResult() bool { return cb.Type == "tool_result" }
func (cb *ContentBlock) IsText() bool       { return cb.Type == "text" }
func (cb *ContentBlock) IsThinking() bool   { return cb.Type == "thinking" }
func (cb *ContentBlock) IsImage() bool      { return cb.Type == "image" }

// HasSignature reports whether a thinking block carries a signature at or
// above the minimum length the upstream is known to honor.
func (cb *ContentBlock) HasSignature(minLen int) bool {
	return cb.IsThinking() && len(cb.Signature) >= minLen
}

// Model, ModelsResponse back GET /v1/models (supplemented feature).
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
