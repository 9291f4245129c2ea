package openai

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var dataTag = []byte("data:")

// geminiToOpenAIState carries the chunk envelope fields across a stream.
type geminiToOpenAIState struct {
	started     bool
	responseID  string
	created     int64
	model       string
	toolCount   int
	sawToolCall bool
}

func (s *geminiToOpenAIState) chunk() string {
	out := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	out, _ = sjson.Set(out, "id", s.responseID)
	out, _ = sjson.Set(out, "created", s.created)
	out, _ = sjson.Set(out, "model", s.model)
	return out
}

func mapGeminiFinishReason(finish string, sawToolCall bool) string {
	switch finish {
	case "MAX_TOKENS":
		return "length"
	default:
		if sawToolCall {
			return "tool_calls"
		}
		return "stop"
	}
}

// ConvertGeminiResponseToOpenAI converts Gemini streamGenerateContent
// chunks into OpenAI Chat Completions chunks. Thought parts become
// delta.reasoning_content, functionCall parts become complete
// delta.tool_calls entries and the finishReason chunk renders the finish
// chunk with usage followed by the [DONE] sentinel.
func ConvertGeminiResponseToOpenAI(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &geminiToOpenAIState{created: time.Now().Unix(), model: modelName}
	}
	state := (*param).(*geminiToOpenAIState)

	if !bytes.HasPrefix(rawJSON, dataTag) {
		return []string{}
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(rawJSON, dataTag))

	root := gjson.ParseBytes(payload)

	if errObj := root.Get("error"); errObj.Exists() {
		out := `{"error":{"message":"","type":"api_error"}}`
		out, _ = sjson.Set(out, "error.message", errObj.Get("message").String())
		return []string{out}
	}

	outputs := make([]string, 0, 2)

	if !state.started {
		state.started = true
		state.responseID = root.Get("responseId").String()
		if state.responseID == "" {
			state.responseID = "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		if model := root.Get("modelVersion").String(); model != "" {
			state.model = model
		}
		role := state.chunk()
		role, _ = sjson.Set(role, "choices.0.delta.role", "assistant")
		role, _ = sjson.Set(role, "choices.0.delta.content", "")
		outputs = append(outputs, role)
	}

	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if fc := part.Get("functionCall"); fc.Exists() {
			name := fc.Get("name").String()
			out := state.chunk()
			call := `{"index":0,"id":"","type":"function","function":{"name":"","arguments":""}}`
			call, _ = sjson.Set(call, "index", state.toolCount)
			call, _ = sjson.Set(call, "id", fmt.Sprintf("%s-%d", name, state.toolCount))
			call, _ = sjson.Set(call, "function.name", name)
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			call, _ = sjson.Set(call, "function.arguments", args)
			out, _ = sjson.SetRaw(out, "choices.0.delta.tool_calls", "["+call+"]")
			outputs = append(outputs, out)
			state.toolCount++
			state.sawToolCall = true
			return true
		}
		text := part.Get("text")
		if !text.Exists() || text.String() == "" {
			return true
		}
		out := state.chunk()
		if part.Get("thought").Bool() {
			out, _ = sjson.Set(out, "choices.0.delta.reasoning_content", text.String())
		} else {
			out, _ = sjson.Set(out, "choices.0.delta.content", text.String())
		}
		outputs = append(outputs, out)
		return true
	})

	if finish := root.Get("candidates.0.finishReason"); finish.Exists() && finish.String() != "" {
		out := state.chunk()
		out, _ = sjson.Set(out, "choices.0.finish_reason", mapGeminiFinishReason(finish.String(), state.sawToolCall))
		usage := root.Get("usageMetadata")
		prompt := usage.Get("promptTokenCount").Int()
		completion := usage.Get("candidatesTokenCount").Int() + usage.Get("thoughtsTokenCount").Int()
		out, _ = sjson.Set(out, "usage.prompt_tokens", prompt)
		out, _ = sjson.Set(out, "usage.completion_tokens", completion)
		out, _ = sjson.Set(out, "usage.total_tokens", prompt+completion)
		outputs = append(outputs, out, "[DONE]")
	}

	return outputs
}

// ConvertGeminiResponseToOpenAINonStream converts a complete Gemini
// generateContent response into an OpenAI Chat Completions response
// document.
func ConvertGeminiResponseToOpenAINonStream(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	id := root.Get("responseId").String()
	if id == "" {
		id = "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	out, _ = sjson.Set(out, "id", id)
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	model := root.Get("modelVersion").String()
	if model == "" {
		model = modelName
	}
	out, _ = sjson.Set(out, "model", model)

	texts := make([]string, 0)
	reasoning := make([]string, 0)
	toolCalls := make([]string, 0)
	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if fc := part.Get("functionCall"); fc.Exists() {
			name := fc.Get("name").String()
			call := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
			call, _ = sjson.Set(call, "id", fmt.Sprintf("%s-%d", name, len(toolCalls)))
			call, _ = sjson.Set(call, "function.name", name)
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			call, _ = sjson.Set(call, "function.arguments", args)
			toolCalls = append(toolCalls, call)
			return true
		}
		if text := part.Get("text"); text.Exists() && text.String() != "" {
			if part.Get("thought").Bool() {
				reasoning = append(reasoning, text.String())
			} else {
				texts = append(texts, text.String())
			}
		}
		return true
	})

	out, _ = sjson.Set(out, "choices.0.message.content", strings.Join(texts, ""))
	if len(reasoning) > 0 {
		out, _ = sjson.Set(out, "choices.0.message.reasoning_content", strings.Join(reasoning, "\n"))
	}
	if len(toolCalls) > 0 {
		out, _ = sjson.SetRaw(out, "choices.0.message.tool_calls", "["+strings.Join(toolCalls, ",")+"]")
	}
	out, _ = sjson.Set(out, "choices.0.finish_reason", mapGeminiFinishReason(root.Get("candidates.0.finishReason").String(), len(toolCalls) > 0))

	usage := root.Get("usageMetadata")
	prompt := usage.Get("promptTokenCount").Int()
	completion := usage.Get("candidatesTokenCount").Int() + usage.Get("thoughtsTokenCount").Int()
	out, _ = sjson.Set(out, "usage.prompt_tokens", prompt)
	out, _ = sjson.Set(out, "usage.completion_tokens", completion)
	out, _ = sjson.Set(out, "usage.total_tokens", prompt+completion)
	return out
}
