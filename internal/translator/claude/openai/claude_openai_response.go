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

type toolCallAccumulator struct {
	ID        string
	Name      string
	Arguments strings.Builder
	Ordinal   int
}

type claudeStreamState struct {
	responseID  string
	created     int64
	model       string
	inputTokens int64
	toolOrdinal int
	tools       map[int]*toolCallAccumulator
}

func mapClaudeStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// ConvertClaudeResponseToOpenAI converts Anthropic SSE lines into Chat
// Completions chunks. Tool calls are buffered until their block closes so
// the client receives complete id/name/arguments triples; thinking deltas
// surface as reasoning_content. message_stop becomes the [DONE] marker.
func ConvertClaudeResponseToOpenAI(_ context.Context, modelName string, _, _, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &claudeStreamState{model: modelName, tools: make(map[int]*toolCallAccumulator)}
	}
	state := (*param).(*claudeStreamState)

	if !bytes.HasPrefix(rawJSON, dataTag) {
		return []string{}
	}
	rawJSON = bytes.TrimSpace(rawJSON[len(dataTag):])

	root := gjson.ParseBytes(rawJSON)
	chunk := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	chunk, _ = sjson.Set(chunk, "id", state.responseID)
	chunk, _ = sjson.Set(chunk, "created", state.created)
	chunk, _ = sjson.Set(chunk, "model", state.model)

	switch root.Get("type").String() {
	case "message_start":
		message := root.Get("message")
		state.responseID = message.Get("id").String()
		state.created = time.Now().Unix()
		if model := message.Get("model").String(); model != "" {
			state.model = model
		}
		state.inputTokens = message.Get("usage.input_tokens").Int()

		chunk, _ = sjson.Set(chunk, "id", state.responseID)
		chunk, _ = sjson.Set(chunk, "created", state.created)
		chunk, _ = sjson.Set(chunk, "model", state.model)
		chunk, _ = sjson.Set(chunk, "choices.0.delta.role", "assistant")
		chunk, _ = sjson.Set(chunk, "choices.0.delta.content", "")
		if usage := message.Get("usage"); usage.Exists() {
			outputTokens := usage.Get("output_tokens").Int()
			chunk, _ = sjson.Set(chunk, "usage", map[string]interface{}{
				"prompt_tokens":     state.inputTokens,
				"completion_tokens": outputTokens,
				"total_tokens":      state.inputTokens + outputTokens,
			})
		}
		return []string{chunk}

	case "content_block_start":
		if contentBlock := root.Get("content_block"); contentBlock.Get("type").String() == "tool_use" {
			index := int(root.Get("index").Int())
			state.tools[index] = &toolCallAccumulator{
				ID:      contentBlock.Get("id").String(),
				Name:    contentBlock.Get("name").String(),
				Ordinal: state.toolOrdinal,
			}
			state.toolOrdinal++
		}
		return []string{}

	case "content_block_delta":
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			chunk, _ = sjson.Set(chunk, "choices.0.delta.content", delta.Get("text").String())
			return []string{chunk}
		case "thinking_delta":
			chunk, _ = sjson.Set(chunk, "choices.0.delta.reasoning_content", delta.Get("thinking").String())
			return []string{chunk}
		case "input_json_delta":
			index := int(root.Get("index").Int())
			if acc, ok := state.tools[index]; ok {
				acc.Arguments.WriteString(delta.Get("partial_json").String())
			}
			return []string{}
		}
		return []string{}

	case "content_block_stop":
		index := int(root.Get("index").Int())
		acc, ok := state.tools[index]
		if !ok {
			return []string{}
		}
		arguments := acc.Arguments.String()
		if arguments == "" {
			arguments = "{}"
		}
		toolCall := map[string]interface{}{
			"index": acc.Ordinal,
			"id":    acc.ID,
			"type":  "function",
			"function": map[string]interface{}{
				"name":      acc.Name,
				"arguments": arguments,
			},
		}
		chunk, _ = sjson.Set(chunk, "choices.0.delta.tool_calls", []interface{}{toolCall})
		delete(state.tools, index)
		return []string{chunk}

	case "message_delta":
		if stopReason := root.Get("delta.stop_reason"); stopReason.Exists() {
			chunk, _ = sjson.Set(chunk, "choices.0.finish_reason", mapClaudeStopReason(stopReason.String()))
		}
		if usage := root.Get("usage"); usage.Exists() {
			outputTokens := usage.Get("output_tokens").Int()
			inputTokens := state.inputTokens
			if v := usage.Get("input_tokens"); v.Exists() {
				inputTokens = v.Int()
			}
			chunk, _ = sjson.Set(chunk, "usage", map[string]interface{}{
				"prompt_tokens":     inputTokens,
				"completion_tokens": outputTokens,
				"total_tokens":      inputTokens + outputTokens,
			})
		}
		return []string{chunk}

	case "message_stop":
		return []string{"[DONE]"}

	case "error":
		if errorData := root.Get("error"); errorData.Exists() {
			body, _ := sjson.Set(`{"error":{"message":"","type":""}}`, "error.message", errorData.Get("message").String())
			body, _ = sjson.Set(body, "error.type", errorData.Get("type").String())
			return []string{body}
		}
		return []string{}

	default:
		// ping and unknown events carry nothing for the client.
		return []string{}
	}
}

// ConvertClaudeResponseToOpenAINonStream converts a complete Messages
// response document into a chat.completion document.
func ConvertClaudeResponseToOpenAINonStream(_ context.Context, modelName string, _, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)
	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`

	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	model := root.Get("model").String()
	if model == "" {
		model = modelName
	}
	out, _ = sjson.Set(out, "model", model)

	var textParts, reasoningParts []string
	var toolCalls []interface{}
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			textParts = append(textParts, block.Get("text").String())
		case "thinking":
			reasoningParts = append(reasoningParts, block.Get("thinking").String())
		case "tool_use":
			toolCalls = append(toolCalls, map[string]interface{}{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]interface{}{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
		}
		return true
	})

	out, _ = sjson.Set(out, "choices.0.message.content", strings.Join(textParts, ""))
	if len(reasoningParts) > 0 {
		out, _ = sjson.Set(out, "choices.0.message.reasoning_content", strings.Join(reasoningParts, ""))
	}
	if len(toolCalls) > 0 {
		out, _ = sjson.Set(out, "choices.0.message.tool_calls", toolCalls)
	}
	out, _ = sjson.Set(out, "choices.0.finish_reason", mapClaudeStopReason(root.Get("stop_reason").String()))

	inputTokens := root.Get("usage.input_tokens").Int()
	outputTokens := root.Get("usage.output_tokens").Int()
	out, _ = sjson.Set(out, "usage.prompt_tokens", inputTokens)
	out, _ = sjson.Set(out, "usage.completion_tokens", outputTokens)
	out, _ = sjson.Set(out, "usage.total_tokens", inputTokens+outputTokens)

	return out
}
