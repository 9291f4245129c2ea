package openai

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var dataTag = []byte("data:")

// codexToOpenAIState carries the chunk envelope fields and the mapping from
// Codex output_index to the tool_calls array position.
type codexToOpenAIState struct {
	responseID  string
	created     int64
	model       string
	toolIndexes map[int64]int
	sawToolCall bool
}

func (s *codexToOpenAIState) chunk() string {
	out := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	out, _ = sjson.Set(out, "id", s.responseID)
	out, _ = sjson.Set(out, "created", s.created)
	out, _ = sjson.Set(out, "model", s.model)
	return out
}

// ConvertCodexResponseToOpenAI converts Codex Responses API events into
// OpenAI Chat Completions chunks. Output text becomes delta.content,
// reasoning summaries become delta.reasoning_content and function_call
// items stream as delta.tool_calls. The response.completed event renders a
// finish chunk followed by the [DONE] sentinel.
func ConvertCodexResponseToOpenAI(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &codexToOpenAIState{toolIndexes: make(map[int64]int), model: modelName, created: time.Now().Unix()}
	}
	state := (*param).(*codexToOpenAIState)

	if !bytes.HasPrefix(rawJSON, dataTag) {
		return []string{}
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(rawJSON, dataTag))
	if string(payload) == "[DONE]" {
		return []string{}
	}

	root := gjson.ParseBytes(payload)

	switch root.Get("type").String() {
	case "response.created":
		state.responseID = root.Get("response.id").String()
		if model := root.Get("response.model").String(); model != "" {
			state.model = model
		}
		out := state.chunk()
		out, _ = sjson.Set(out, "choices.0.delta.role", "assistant")
		out, _ = sjson.Set(out, "choices.0.delta.content", "")
		return []string{out}

	case "response.output_item.added":
		item := root.Get("item")
		if item.Get("type").String() != "function_call" {
			return []string{}
		}
		state.sawToolCall = true
		ordinal := len(state.toolIndexes)
		state.toolIndexes[root.Get("output_index").Int()] = ordinal
		id := item.Get("call_id").String()
		if id == "" {
			id = item.Get("id").String()
		}
		out := state.chunk()
		call := `{"index":0,"id":"","type":"function","function":{"name":"","arguments":""}}`
		call, _ = sjson.Set(call, "index", ordinal)
		call, _ = sjson.Set(call, "id", id)
		call, _ = sjson.Set(call, "function.name", item.Get("name").String())
		out, _ = sjson.SetRaw(out, "choices.0.delta.tool_calls", "["+call+"]")
		return []string{out}

	case "response.function_call_arguments.delta":
		ordinal, ok := state.toolIndexes[root.Get("output_index").Int()]
		if !ok {
			return []string{}
		}
		out := state.chunk()
		call := `{"index":0,"function":{"arguments":""}}`
		call, _ = sjson.Set(call, "index", ordinal)
		call, _ = sjson.Set(call, "function.arguments", root.Get("delta").String())
		out, _ = sjson.SetRaw(out, "choices.0.delta.tool_calls", "["+call+"]")
		return []string{out}

	case "response.output_text.delta":
		out := state.chunk()
		out, _ = sjson.Set(out, "choices.0.delta.content", root.Get("delta").String())
		return []string{out}

	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		out := state.chunk()
		out, _ = sjson.Set(out, "choices.0.delta.reasoning_content", root.Get("delta").String())
		return []string{out}

	case "response.completed", "response.incomplete":
		response := root.Get("response")
		finish := "stop"
		if state.sawToolCall {
			finish = "tool_calls"
		}
		if response.Get("incomplete_details.reason").String() == "max_output_tokens" {
			finish = "length"
		}
		out := state.chunk()
		out, _ = sjson.Set(out, "choices.0.finish_reason", finish)
		prompt := response.Get("usage.input_tokens").Int()
		completion := response.Get("usage.output_tokens").Int()
		out, _ = sjson.Set(out, "usage.prompt_tokens", prompt)
		out, _ = sjson.Set(out, "usage.completion_tokens", completion)
		out, _ = sjson.Set(out, "usage.total_tokens", prompt+completion)
		return []string{out, "[DONE]"}

	case "response.failed", "error":
		message := root.Get("response.error.message").String()
		if message == "" {
			message = root.Get("error.message").String()
		}
		if message == "" {
			message = root.Get("message").String()
		}
		out := `{"error":{"message":"","type":"api_error"}}`
		out, _ = sjson.Set(out, "error.message", message)
		return []string{out}
	}

	return []string{}
}

// ConvertCodexResponseToOpenAINonStream converts a complete Codex Responses
// document into an OpenAI Chat Completions response document.
func ConvertCodexResponseToOpenAINonStream(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)
	if inner := root.Get("response"); inner.Exists() && inner.Get("output").Exists() {
		root = inner
	}

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	model := root.Get("model").String()
	if model == "" {
		model = modelName
	}
	out, _ = sjson.Set(out, "model", model)

	texts := make([]string, 0)
	reasoning := make([]string, 0)
	toolCalls := make([]string, 0)
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" {
					texts = append(texts, part.Get("text").String())
				}
				return true
			})
		case "reasoning":
			item.Get("summary").ForEach(func(_, part gjson.Result) bool {
				if t := part.Get("text").String(); t != "" {
					reasoning = append(reasoning, t)
				}
				return true
			})
		case "function_call":
			id := item.Get("call_id").String()
			if id == "" {
				id = item.Get("id").String()
			}
			call := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
			call, _ = sjson.Set(call, "id", id)
			call, _ = sjson.Set(call, "function.name", item.Get("name").String())
			call, _ = sjson.Set(call, "function.arguments", item.Get("arguments").String())
			toolCalls = append(toolCalls, call)
		}
		return true
	})

	out, _ = sjson.Set(out, "choices.0.message.content", strings.Join(texts, ""))
	if len(reasoning) > 0 {
		out, _ = sjson.Set(out, "choices.0.message.reasoning_content", strings.Join(reasoning, "\n"))
	}
	if len(toolCalls) > 0 {
		out, _ = sjson.SetRaw(out, "choices.0.message.tool_calls", "["+strings.Join(toolCalls, ",")+"]")
		out, _ = sjson.Set(out, "choices.0.finish_reason", "tool_calls")
	}
	if root.Get("incomplete_details.reason").String() == "max_output_tokens" {
		out, _ = sjson.Set(out, "choices.0.finish_reason", "length")
	}

	prompt := root.Get("usage.input_tokens").Int()
	completion := root.Get("usage.output_tokens").Int()
	out, _ = sjson.Set(out, "usage.prompt_tokens", prompt)
	out, _ = sjson.Set(out, "usage.completion_tokens", completion)
	out, _ = sjson.Set(out, "usage.total_tokens", prompt+completion)
	return out
}
