package proxy

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Translation between the OpenAI wire format and Ollama's /api dialect.
// The request and response mappers are functions over JSON bytes (ChatStream
// and GenerateStream add per-stream counters for SSE chunks): the OpenAI
// side is read permissively with gjson (unknown fields dropped), the Ollama
// side goes through the typed structs in ollama_api_types.go.

// option names copied for chat requests; completions use the smaller list below
var chatOptionNames = [][2]string{
	{"temperature", "temperature"},
	{"top_p", "top_p"},
	{"top_k", "top_k"},
	{"seed", "seed"},
	{"stop", "stop"},
	{"frequency_penalty", "frequency_penalty"},
	{"presence_penalty", "presence_penalty"},
	{"num_ctx", "num_ctx"},
	{"repeat_penalty", "repeat_penalty"},
}

var completionOptionNames = [][2]string{
	{"temperature", "temperature"},
	{"top_p", "top_p"},
	{"seed", "seed"},
	{"stop", "stop"},
	{"frequency_penalty", "frequency_penalty"},
	{"presence_penalty", "presence_penalty"},
}

// ChatRequestToOllama maps an OpenAI chat completion request body to an
// /api/chat request record.
func ChatRequestToOllama(body []byte) map[string]any {
	req := gjson.ParseBytes(body)

	out := map[string]any{
		"model":    req.Get("model").String(),
		"messages": translateChatMessages(req.Get("messages")),
		"stream":   req.Get("stream").Bool(),
	}

	if opts := translateOptions(req, chatOptionNames); len(opts) > 0 {
		out["options"] = opts
	}

	switch req.Get("response_format.type").String() {
	case "json_object":
		out["format"] = "json"
	case "json_schema":
		if schema := req.Get("response_format.json_schema.schema"); schema.IsObject() {
			out["format"] = schema.Value()
		}
	}

	if think := req.Get("think"); think.Exists() {
		out["think"] = think.Value()
	}
	if ka := req.Get("keep_alive"); ka.Exists() {
		out["keep_alive"] = ka.Value()
	}

	if tools := req.Get("tools"); tools.IsArray() {
		mapped := make([]map[string]any, 0)
		tools.ForEach(func(_, tool gjson.Result) bool {
			toolType := tool.Get("type").String()
			if toolType == "" {
				toolType = "function"
			}
			mapped = append(mapped, map[string]any{
				"type":     toolType,
				"function": tool.Get("function").Value(),
			})
			return true
		})
		out["tools"] = mapped
	}

	return out
}

func translateChatMessages(messages gjson.Result) []map[string]any {
	out := make([]map[string]any, 0)
	messages.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		entry := map[string]any{"role": role}

		content := msg.Get("content")
		switch {
		case content.IsArray():
			texts := make([]string, 0)
			images := make([]string, 0)
			content.ForEach(func(_, part gjson.Result) bool {
				switch part.Get("type").String() {
				case "text":
					texts = append(texts, part.Get("text").String())
				case "image_url":
					if url := part.Get("image_url.url").String(); url != "" {
						images = append(images, stripImageDataURL(url))
					}
				}
				return true
			})
			entry["content"] = strings.Join(texts, "\n")
			if len(images) > 0 {
				entry["images"] = images
			}
		case content.IsObject():
			entry["content"] = content.Raw
		case !content.Exists() || content.Type == gjson.Null:
			entry["content"] = ""
		default:
			entry["content"] = content.String()
		}

		if role == "tool" {
			if id := msg.Get("tool_call_id"); id.Exists() {
				entry["tool_call_id"] = id.String()
			}
		}

		if toolCalls := msg.Get("tool_calls"); toolCalls.IsArray() {
			entry["tool_calls"] = translateRequestToolCalls(toolCalls)
		}

		out = append(out, entry)
		return true
	})
	return out
}

// translateRequestToolCalls canonicalizes assistant tool calls: arguments
// become an object whether the client sent a JSON string or an object.
func translateRequestToolCalls(toolCalls gjson.Result) []map[string]any {
	out := make([]map[string]any, 0)
	toolCalls.ForEach(func(_, call gjson.Result) bool {
		args := call.Get("function.arguments")
		var parsed any
		switch {
		case args.IsObject():
			parsed = args.Value()
		case args.Type == gjson.String:
			var obj map[string]any
			if err := json.Unmarshal([]byte(args.String()), &obj); err != nil {
				obj = map[string]any{}
			}
			parsed = obj
		default:
			parsed = map[string]any{}
		}
		out = append(out, map[string]any{
			"function": map[string]any{
				"name":      call.Get("function.name").String(),
				"arguments": parsed,
			},
		})
		return true
	})
	return out
}

// stripImageDataURL keeps only the base64 payload of a data:image URL;
// plain URLs pass through untouched.
func stripImageDataURL(url string) string {
	if strings.HasPrefix(url, "data:image/") {
		if idx := strings.Index(url, ";base64,"); idx >= 0 {
			return url[idx+len(";base64,"):]
		}
	}
	return url
}

func translateOptions(req gjson.Result, names [][2]string) map[string]any {
	opts := make(map[string]any)
	for _, pair := range names {
		if v := req.Get(pair[0]); v.Exists() {
			opts[pair[1]] = v.Value()
		}
	}
	// max_completion_tokens supersedes the deprecated max_tokens
	if v := req.Get("max_tokens"); v.Exists() {
		opts["num_predict"] = v.Value()
	}
	if v := req.Get("max_completion_tokens"); v.Exists() {
		opts["num_predict"] = v.Value()
	}
	return opts
}

// CompletionRequestToOllama maps an OpenAI text completion request to an
// /api/generate request record.
func CompletionRequestToOllama(body []byte) map[string]any {
	req := gjson.ParseBytes(body)

	out := map[string]any{
		"model":  req.Get("model").String(),
		"prompt": req.Get("prompt").String(),
		"stream": req.Get("stream").Bool(),
	}
	if suffix := req.Get("suffix"); suffix.Exists() {
		out["suffix"] = suffix.String()
	}
	if opts := translateOptions(req, completionOptionNames); len(opts) > 0 {
		out["options"] = opts
	}
	return out
}

// EmbeddingsRequestToOllama maps an OpenAI embeddings request to an
// /api/embed request record. A bare string input becomes a one-element list.
func EmbeddingsRequestToOllama(body []byte) map[string]any {
	req := gjson.ParseBytes(body)

	input := req.Get("input")
	var translated any
	if input.IsArray() {
		translated = input.Value()
	} else {
		translated = []any{input.String()}
	}

	return map[string]any{
		"model": req.Get("model").String(),
		"input": translated,
	}
}

// UserPromptText concatenates the text of all user messages in an OpenAI
// chat request, used for prompt token estimation when the upstream omits
// prompt_eval_count.
func UserPromptText(body []byte) string {
	var sb strings.Builder
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != "user" {
			return true
		}
		content := msg.Get("content")
		if content.IsArray() {
			content.ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "text" {
					sb.WriteString(part.Get("text").String())
				}
				return true
			})
		} else if content.Type == gjson.String {
			sb.WriteString(content.String())
		}
		return true
	})
	return sb.String()
}

// EstimateTokens approximates a token count when the upstream reports none.
// CJK characters average ~1.5 per token, everything else ~4.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	var cjk, other int
	for _, r := range s {
		switch {
		case r >= 0x3040 && r <= 0x309F, // hiragana
			r >= 0x30A0 && r <= 0x30FF, // katakana
			r >= 0x3400 && r <= 0x4DBF, // CJK ext A
			r >= 0x4E00 && r <= 0x9FFF, // CJK unified
			r >= 0xAC00 && r <= 0xD7AF: // hangul
			cjk++
		default:
			other++
		}
	}
	return int(math.Ceil(float64(cjk)/1.5 + float64(other)/4))
}

const (
	chatIDHexChars  = "0123456789abcdef"
	callIDAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	finishToolCalls = "tool_calls"
)

func randomString(alphabet string, length int) string {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}

func newChatCompletionID() string {
	return "chatcmpl-" + randomString(chatIDHexChars, 24)
}

func newToolCallID() string {
	return "call_" + randomString(callIDAlphabet, 24)
}

// systemFingerprint derives a stable-looking fingerprint from the model
// name, stripping everything outside [a-z0-9].
func systemFingerprint(model string) string {
	var sb strings.Builder
	sb.WriteString("fp_ollama_")
	for _, r := range model {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func mapFinishReason(doneReason string) string {
	switch doneReason {
	case "length":
		return "length"
	default:
		// stop, load, unload, absent and anything unrecognized
		return "stop"
	}
}

// translateResponseToolCalls renders Ollama tool calls in the OpenAI shape.
// Object arguments are re-encoded as a JSON string, pre-encoded strings
// pass through.
func translateResponseToolCalls(calls []OllamaToolCall) []map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for i, call := range calls {
		args := "{}"
		if len(call.Function.Arguments) > 0 {
			var asString string
			if err := json.Unmarshal(call.Function.Arguments, &asString); err == nil {
				args = asString
			} else {
				args = string(call.Function.Arguments)
			}
		}
		out = append(out, map[string]any{
			"id":    newToolCallID(),
			"index": i,
			"type":  "function",
			"function": map[string]any{
				"name":      call.Function.Name,
				"arguments": args,
			},
		})
	}
	return out
}

// ChatResponseToOpenAI maps a non-streaming /api/chat reply to an OpenAI
// chat completion. promptText is the concatenated user text of the original
// request, used only when the upstream omits prompt_eval_count.
func ChatResponseToOpenAI(upstream []byte, requestedModel, promptText string) (map[string]any, error) {
	var up OllamaChatResponse
	if err := json.Unmarshal(upstream, &up); err != nil {
		return nil, fmt.Errorf("parsing upstream chat response: %w", err)
	}

	model := up.Model
	if model == "" {
		model = requestedModel
	}

	role := up.Message.Role
	if role == "" {
		role = "assistant"
	}
	message := map[string]any{
		"role":    role,
		"content": up.Message.Content,
	}
	if up.Message.Thinking != "" {
		message["reasoning_content"] = up.Message.Thinking
	}

	finishReason := mapFinishReason(up.DoneReason)
	if len(up.Message.ToolCalls) > 0 {
		message["tool_calls"] = translateResponseToolCalls(up.Message.ToolCalls)
		finishReason = finishToolCalls
	}

	promptTokens := EstimateTokens(promptText)
	if up.PromptEvalCount != nil {
		promptTokens = *up.PromptEvalCount
	}
	completionTokens := EstimateTokens(up.Message.Content)
	if up.EvalCount != nil {
		completionTokens = *up.EvalCount
	}

	return map[string]any{
		"id":      newChatCompletionID(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason,
		}},
		"usage": OpenAIUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		"system_fingerprint": systemFingerprint(model),
	}, nil
}

// GenerateResponseToOpenAI maps a non-streaming /api/generate reply to an
// OpenAI text completion.
func GenerateResponseToOpenAI(upstream []byte, requestedModel, promptText string) (map[string]any, error) {
	var up OllamaGenerateResponse
	if err := json.Unmarshal(upstream, &up); err != nil {
		return nil, fmt.Errorf("parsing upstream generate response: %w", err)
	}

	model := up.Model
	if model == "" {
		model = requestedModel
	}

	finishReason := "length"
	if up.Done {
		finishReason = "stop"
	}

	promptTokens := EstimateTokens(promptText)
	if up.PromptEvalCount != nil {
		promptTokens = *up.PromptEvalCount
	}
	completionTokens := EstimateTokens(up.Response)
	if up.EvalCount != nil {
		completionTokens = *up.EvalCount
	}

	return map[string]any{
		"id":      newChatCompletionID(),
		"object":  "text_completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"text":          up.Response,
			"finish_reason": finishReason,
		}},
		"usage": OpenAIUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

// EmbedResponseToOpenAI maps an /api/embed reply to the OpenAI embeddings
// list shape. Missing vectors produce an empty data list, never [null].
func EmbedResponseToOpenAI(upstream []byte, requestedModel string) (map[string]any, error) {
	var up OllamaEmbedResponse
	if err := json.Unmarshal(upstream, &up); err != nil {
		return nil, fmt.Errorf("parsing upstream embed response: %w", err)
	}

	model := up.Model
	if model == "" {
		model = requestedModel
	}

	vectors := up.Embeddings
	if len(vectors) == 0 && up.Embedding != nil {
		vectors = [][]float64{up.Embedding}
	}

	data := make([]map[string]any, 0, len(vectors))
	for i, vec := range vectors {
		data = append(data, map[string]any{
			"object":    "embedding",
			"index":     i,
			"embedding": vec,
		})
	}

	promptTokens := 0
	if up.PromptEvalCount != nil {
		promptTokens = *up.PromptEvalCount
	}

	return map[string]any{
		"object": "list",
		"data":   data,
		"model":  model,
		"usage": OpenAIUsage{
			PromptTokens: promptTokens,
			TotalTokens:  promptTokens,
		},
	}, nil
}

// ChatStream holds the per-stream identity and counters for translating
// /api/chat stream chunks. One increment of contentChunks per non-empty
// content chunk; that count backs usage accounting when the upstream never
// reports eval_count.
type ChatStream struct {
	ID      string
	Created int64
	Model   string

	sentRole      bool
	contentChunks int

	Completed bool
	Usage     *OpenAIUsage
}

func NewChatStream(model string) *ChatStream {
	return &ChatStream{
		ID:      newChatCompletionID(),
		Created: time.Now().Unix(),
		Model:   model,
	}
}

// ContentChunks reports how many non-empty content deltas have passed
// through so far.
func (s *ChatStream) ContentChunks() int {
	return s.contentChunks
}

func (s *ChatStream) IsCompleted() bool       { return s.Completed }
func (s *ChatStream) FinalUsage() *OpenAIUsage { return s.Usage }

// TranslateLine maps one newline-delimited upstream JSON chunk to an OpenAI
// chat.completion.chunk record.
func (s *ChatStream) TranslateLine(line []byte) (map[string]any, error) {
	var up OllamaChatResponse
	if err := json.Unmarshal(line, &up); err != nil {
		return nil, fmt.Errorf("parsing upstream stream chunk: %w", err)
	}

	delta := map[string]any{}
	if !s.sentRole {
		delta["role"] = "assistant"
		s.sentRole = true
	}
	if up.Message.Content != "" {
		delta["content"] = up.Message.Content
		s.contentChunks++
	}
	if up.Message.Thinking != "" {
		delta["reasoning_content"] = up.Message.Thinking
	}
	hasToolCalls := len(up.Message.ToolCalls) > 0
	if hasToolCalls {
		delta["tool_calls"] = translateResponseToolCalls(up.Message.ToolCalls)
	}

	choice := map[string]any{
		"index":         0,
		"delta":         delta,
		"finish_reason": nil,
	}

	chunk := map[string]any{
		"id":      s.ID,
		"object":  "chat.completion.chunk",
		"created": s.Created,
		"model":   s.Model,
		"choices": []map[string]any{choice},
	}

	if up.Done {
		finishReason := mapFinishReason(up.DoneReason)
		if hasToolCalls {
			finishReason = finishToolCalls
		}
		choice["finish_reason"] = finishReason

		// prompt tokens come only from the upstream counter here; the
		// chunk counter counts completion chunks, not prompt tokens
		promptTokens := 0
		if up.PromptEvalCount != nil {
			promptTokens = *up.PromptEvalCount
		}
		completionTokens := s.contentChunks
		if up.EvalCount != nil {
			completionTokens = *up.EvalCount
		}
		usage := OpenAIUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		}
		chunk["usage"] = usage
		s.Usage = &usage
		s.Completed = true
	}

	return chunk, nil
}

// GenerateStream is the text-completion counterpart of ChatStream for
// /api/generate stream chunks.
type GenerateStream struct {
	ID      string
	Created int64
	Model   string

	contentChunks int

	Completed bool
	Usage     *OpenAIUsage
}

func NewGenerateStream(model string) *GenerateStream {
	return &GenerateStream{
		ID:      newChatCompletionID(),
		Created: time.Now().Unix(),
		Model:   model,
	}
}

func (s *GenerateStream) IsCompleted() bool       { return s.Completed }
func (s *GenerateStream) FinalUsage() *OpenAIUsage { return s.Usage }

// TranslateLine maps one upstream /api/generate chunk to an OpenAI
// text_completion record.
func (s *GenerateStream) TranslateLine(line []byte) (map[string]any, error) {
	var up OllamaGenerateResponse
	if err := json.Unmarshal(line, &up); err != nil {
		return nil, fmt.Errorf("parsing upstream stream chunk: %w", err)
	}

	if up.Response != "" {
		s.contentChunks++
	}

	choice := map[string]any{
		"index":         0,
		"text":          up.Response,
		"finish_reason": nil,
	}

	chunk := map[string]any{
		"id":      s.ID,
		"object":  "text_completion",
		"created": s.Created,
		"model":   s.Model,
		"choices": []map[string]any{choice},
	}

	if up.Done {
		choice["finish_reason"] = "stop"

		promptTokens := 0
		if up.PromptEvalCount != nil {
			promptTokens = *up.PromptEvalCount
		}
		completionTokens := s.contentChunks
		if up.EvalCount != nil {
			completionTokens = *up.EvalCount
		}
		usage := OpenAIUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		}
		chunk["usage"] = usage
		s.Usage = &usage
		s.Completed = true
	}

	return chunk, nil
}
