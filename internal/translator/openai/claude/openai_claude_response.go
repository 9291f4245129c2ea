package claude

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var dataTag = []byte("data:")

// sse frames a Claude event for the wire.
func sse(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

// openAIToClaudeState tracks the Claude content block layout produced from
// an OpenAI chunk stream. At most one text or thinking block and one tool
// block are open at a time; indexes are allocated sequentially.
type openAIToClaudeState struct {
	started          bool
	messageID        string
	nextIndex        int
	openType         string
	openIndex        int
	toolBlocks       map[int]int
	currentTool      int
	finishReason     string
	promptTokens     int64
	completionTokens int64
}

func mapOpenAIFinishReason(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// closeOpenBlocks emits content_block_stop events for every block the state
// still has open and resets the open markers.
func (s *openAIToClaudeState) closeOpenBlocks(outputs *[]string) {
	if s.openType != "" {
		*outputs = append(*outputs, sse("content_block_stop", fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, s.openIndex)))
		s.openType = ""
	}
	if s.currentTool >= 0 {
		idx := s.toolBlocks[s.currentTool]
		*outputs = append(*outputs, sse("content_block_stop", fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, idx)))
		s.currentTool = -1
	}
}

// ConvertOpenAIResponseToClaude converts OpenAI Chat Completions stream
// chunks into fully framed Claude SSE events. Text deltas open a text
// block, reasoning_content opens a thinking block and streamed tool calls
// become tool_use blocks with input_json_delta fragments. The terminating
// [DONE] sentinel is rendered as message_delta plus message_stop using the
// usage chunk stashed along the way.
func ConvertOpenAIResponseToClaude(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &openAIToClaudeState{currentTool: -1, toolBlocks: make(map[int]int)}
	}
	state := (*param).(*openAIToClaudeState)

	if !bytes.HasPrefix(rawJSON, dataTag) {
		return []string{}
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(rawJSON, dataTag))

	outputs := make([]string, 0, 4)

	if string(payload) == "[DONE]" {
		state.closeOpenBlocks(&outputs)
		delta := `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":0}}`
		delta, _ = sjson.Set(delta, "delta.stop_reason", mapOpenAIFinishReason(state.finishReason))
		delta, _ = sjson.Set(delta, "usage.input_tokens", state.promptTokens)
		delta, _ = sjson.Set(delta, "usage.output_tokens", state.completionTokens)
		outputs = append(outputs, sse("message_delta", delta))
		outputs = append(outputs, sse("message_stop", `{"type":"message_stop"}`))
		return outputs
	}

	root := gjson.ParseBytes(payload)

	if errObj := root.Get("error"); errObj.Exists() {
		event := `{"type":"error","error":{"type":"api_error","message":""}}`
		event, _ = sjson.Set(event, "error.message", errObj.Get("message").String())
		if errType := errObj.Get("type"); errType.Exists() {
			event, _ = sjson.Set(event, "error.type", errType.String())
		}
		return []string{sse("error", event)}
	}

	if usage := root.Get("usage"); usage.Exists() && usage.Type != gjson.Null {
		state.promptTokens = usage.Get("prompt_tokens").Int()
		state.completionTokens = usage.Get("completion_tokens").Int()
	}

	if !state.started {
		state.started = true
		state.messageID = root.Get("id").String()
		if state.messageID == "" {
			state.messageID = "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		model := root.Get("model").String()
		if model == "" {
			model = modelName
		}
		start := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
		start, _ = sjson.Set(start, "message.id", state.messageID)
		start, _ = sjson.Set(start, "message.model", model)
		start, _ = sjson.Set(start, "message.usage.input_tokens", state.promptTokens)
		start, _ = sjson.Set(start, "message.usage.output_tokens", state.completionTokens)
		outputs = append(outputs, sse("message_start", start))
	}

	delta := root.Get("choices.0.delta")

	if text := delta.Get("content"); text.Exists() && text.String() != "" {
		if state.openType != "text" {
			state.closeOpenBlocks(&outputs)
			state.openIndex = state.nextIndex
			state.nextIndex++
			state.openType = "text"
			start := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"text","text":""}}`, state.openIndex)
			outputs = append(outputs, sse("content_block_start", start))
		}
		event := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":""}}`, state.openIndex)
		event, _ = sjson.Set(event, "delta.text", text.String())
		outputs = append(outputs, sse("content_block_delta", event))
	}

	if thinking := delta.Get("reasoning_content"); thinking.Exists() && thinking.String() != "" {
		if state.openType != "thinking" {
			state.closeOpenBlocks(&outputs)
			state.openIndex = state.nextIndex
			state.nextIndex++
			state.openType = "thinking"
			start := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"thinking","thinking":""}}`, state.openIndex)
			outputs = append(outputs, sse("content_block_start", start))
		}
		event := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"thinking_delta","thinking":""}}`, state.openIndex)
		event, _ = sjson.Set(event, "delta.thinking", thinking.String())
		outputs = append(outputs, sse("content_block_delta", event))
	}

	if toolCalls := delta.Get("tool_calls"); toolCalls.IsArray() {
		toolCalls.ForEach(func(_, call gjson.Result) bool {
			ordinal := int(call.Get("index").Int())
			if _, ok := state.toolBlocks[ordinal]; !ok {
				state.closeOpenBlocks(&outputs)
				idx := state.nextIndex
				state.nextIndex++
				state.toolBlocks[ordinal] = idx
				state.currentTool = ordinal
				id := call.Get("id").String()
				if id == "" {
					id = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
				}
				start := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`, idx)
				start, _ = sjson.Set(start, "content_block.id", id)
				start, _ = sjson.Set(start, "content_block.name", call.Get("function.name").String())
				outputs = append(outputs, sse("content_block_start", start))
			}
			if args := call.Get("function.arguments"); args.Exists() && args.String() != "" {
				idx := state.toolBlocks[ordinal]
				event := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":""}}`, idx)
				event, _ = sjson.Set(event, "delta.partial_json", args.String())
				outputs = append(outputs, sse("content_block_delta", event))
			}
			return true
		})
	}

	if finish := root.Get("choices.0.finish_reason"); finish.Exists() && finish.Type != gjson.Null && finish.String() != "" {
		state.finishReason = finish.String()
		state.closeOpenBlocks(&outputs)
	}

	return outputs
}

// ConvertOpenAIResponseToClaudeNonStream converts a complete OpenAI Chat
// Completions response document into a Claude Messages response document.
func ConvertOpenAIResponseToClaudeNonStream(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	id := root.Get("id").String()
	if id == "" {
		id = "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	out, _ = sjson.Set(out, "id", id)
	model := root.Get("model").String()
	if model == "" {
		model = modelName
	}
	out, _ = sjson.Set(out, "model", model)

	message := root.Get("choices.0.message")

	if thinking := message.Get("reasoning_content"); thinking.Exists() && thinking.String() != "" {
		block := `{"type":"thinking","thinking":"","signature":""}`
		block, _ = sjson.Set(block, "thinking", thinking.String())
		out, _ = sjson.SetRaw(out, "content.-1", block)
	}
	if text := message.Get("content"); text.Exists() && text.Type == gjson.String && text.String() != "" {
		block := `{"type":"text","text":""}`
		block, _ = sjson.Set(block, "text", text.String())
		out, _ = sjson.SetRaw(out, "content.-1", block)
	}
	message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		block := `{"type":"tool_use","id":"","name":"","input":{}}`
		block, _ = sjson.Set(block, "id", call.Get("id").String())
		block, _ = sjson.Set(block, "name", call.Get("function.name").String())
		args := call.Get("function.arguments").String()
		if gjson.Valid(args) {
			block, _ = sjson.SetRaw(block, "input", args)
		}
		out, _ = sjson.SetRaw(out, "content.-1", block)
		return true
	})

	out, _ = sjson.Set(out, "stop_reason", mapOpenAIFinishReason(root.Get("choices.0.finish_reason").String()))
	out, _ = sjson.Set(out, "usage.input_tokens", root.Get("usage.prompt_tokens").Int())
	out, _ = sjson.Set(out, "usage.output_tokens", root.Get("usage.completion_tokens").Int())
	return out
}

// ClaudeTokenCount renders a token total in the Claude count_tokens shape.
func ClaudeTokenCount(_ context.Context, count int64) string {
	out, _ := sjson.Set(`{"input_tokens":0}`, "input_tokens", count)
	return out
}
