package proxy

import (
	"encoding/json"
)

// OllamaErrorResponse is the standard error format for Ollama API.
type OllamaErrorResponse struct {
	Error string `json:"error"`
}

// OllamaToolCallFunction is the function part of a tool call in an Ollama
// chat message. Arguments stay raw because upstreams emit either an object
// or a pre-encoded string.
type OllamaToolCallFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// OllamaToolCall is a single tool invocation requested by the model.
type OllamaToolCall struct {
	Function OllamaToolCallFunction `json:"function"`
}

// OllamaChatMessage represents a single message in a chat.
type OllamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	Images    []string         `json:"images,omitempty"` // Base64 encoded images
	ToolCalls []OllamaToolCall `json:"tool_calls,omitempty"`
}

// OllamaChatResponse is one response object from /api/chat, either the full
// non-streaming reply or a single newline-delimited stream chunk. Eval
// counts are pointers: absent and zero mean different things for usage
// accounting.
type OllamaChatResponse struct {
	Model           string            `json:"model"`
	CreatedAt       string            `json:"created_at,omitempty"`
	Message         OllamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	DoneReason      string            `json:"done_reason,omitempty"`
	TotalDuration   int64             `json:"total_duration,omitempty"` // Nanoseconds
	PromptEvalCount *int              `json:"prompt_eval_count,omitempty"`
	EvalCount       *int              `json:"eval_count,omitempty"`
}

// OllamaGenerateResponse is one response object from /api/generate.
type OllamaGenerateResponse struct {
	Model           string `json:"model"`
	CreatedAt       string `json:"created_at,omitempty"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	TotalDuration   int64  `json:"total_duration,omitempty"` // Nanoseconds
	PromptEvalCount *int   `json:"prompt_eval_count,omitempty"`
	EvalCount       *int   `json:"eval_count,omitempty"`
}

// OllamaEmbedResponse is the response from /api/embed. Older servers return
// a single "embedding" vector, newer ones an "embeddings" matrix.
type OllamaEmbedResponse struct {
	Model           string      `json:"model"`
	Embeddings      [][]float64 `json:"embeddings,omitempty"`
	Embedding       []float64   `json:"embedding,omitempty"`
	PromptEvalCount *int        `json:"prompt_eval_count,omitempty"`
}

// OllamaListTagsResponse is the response from /api/tags.
type OllamaListTagsResponse struct {
	Models []OllamaModelEntry `json:"models"`
}

// OllamaModelEntry describes a single model in the tags list.
type OllamaModelEntry struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	ModifiedAt string `json:"modified_at,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Digest     string `json:"digest,omitempty"`
}

// OpenAIUsage represents token usage statistics.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
