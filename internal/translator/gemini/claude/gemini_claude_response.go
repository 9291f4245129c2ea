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

func sse(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

// geminiToClaudeState tracks Claude block allocation while replaying a
// Gemini stream. Gemini delivers complete functionCall parts, so tool
// blocks open and close within a single chunk.
type geminiToClaudeState struct {
	started      bool
	nextIndex    int
	openType     string
	openIndex    int
	toolCount    int
	sawToolCall  bool
	inputTokens  int64
	outputTokens int64
}

func (s *geminiToClaudeState) stopReason(finish string) string {
	switch finish {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP":
		if s.sawToolCall {
			return "tool_use"
		}
		return "end_turn"
	default:
		return "end_turn"
	}
}

func (s *geminiToClaudeState) closeOpenBlock(outputs *[]string) {
	if s.openType != "" {
		*outputs = append(*outputs, sse("content_block_stop", fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, s.openIndex)))
		s.openType = ""
	}
}

// ConvertGeminiResponseToClaude converts Gemini streamGenerateContent
// chunks into fully framed Claude SSE events. Thought parts become thinking
// blocks, plain text parts become text blocks and functionCall parts are
// emitted as self-contained tool_use blocks. The chunk carrying a
// finishReason terminates the message.
func ConvertGeminiResponseToClaude(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &geminiToClaudeState{}
	}
	state := (*param).(*geminiToClaudeState)

	if !bytes.HasPrefix(rawJSON, dataTag) {
		return []string{}
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(rawJSON, dataTag))

	root := gjson.ParseBytes(payload)

	if errObj := root.Get("error"); errObj.Exists() {
		event := `{"type":"error","error":{"type":"api_error","message":""}}`
		event, _ = sjson.Set(event, "error.message", errObj.Get("message").String())
		return []string{sse("error", event)}
	}

	outputs := make([]string, 0, 4)

	if !state.started {
		state.started = true
		id := root.Get("responseId").String()
		if id == "" {
			id = "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		model := root.Get("modelVersion").String()
		if model == "" {
			model = modelName
		}
		start := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
		start, _ = sjson.Set(start, "message.id", id)
		start, _ = sjson.Set(start, "message.model", model)
		outputs = append(outputs, sse("message_start", start))
	}

	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if fc := part.Get("functionCall"); fc.Exists() {
			state.closeOpenBlock(&outputs)
			idx := state.nextIndex
			state.nextIndex++
			name := fc.Get("name").String()
			id := fmt.Sprintf("%s-%d", name, state.toolCount)
			state.toolCount++
			state.sawToolCall = true

			start := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`, idx)
			start, _ = sjson.Set(start, "content_block.id", id)
			start, _ = sjson.Set(start, "content_block.name", name)
			outputs = append(outputs, sse("content_block_start", start))

			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			delta := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":""}}`, idx)
			delta, _ = sjson.Set(delta, "delta.partial_json", args)
			outputs = append(outputs, sse("content_block_delta", delta))
			outputs = append(outputs, sse("content_block_stop", fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, idx)))
			return true
		}

		text := part.Get("text")
		if !text.Exists() || text.String() == "" {
			return true
		}
		blockType := "text"
		if part.Get("thought").Bool() {
			blockType = "thinking"
		}
		if state.openType != blockType {
			state.closeOpenBlock(&outputs)
			state.openIndex = state.nextIndex
			state.nextIndex++
			state.openType = blockType
			var start string
			if blockType == "thinking" {
				start = fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"thinking","thinking":""}}`, state.openIndex)
			} else {
				start = fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"text","text":""}}`, state.openIndex)
			}
			outputs = append(outputs, sse("content_block_start", start))
		}
		var event string
		if blockType == "thinking" {
			event = fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"thinking_delta","thinking":""}}`, state.openIndex)
			event, _ = sjson.Set(event, "delta.thinking", text.String())
		} else {
			event = fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":""}}`, state.openIndex)
			event, _ = sjson.Set(event, "delta.text", text.String())
		}
		outputs = append(outputs, sse("content_block_delta", event))
		return true
	})

	if usage := root.Get("usageMetadata"); usage.Exists() {
		state.inputTokens = usage.Get("promptTokenCount").Int()
		state.outputTokens = usage.Get("candidatesTokenCount").Int() + usage.Get("thoughtsTokenCount").Int()
	}

	if finish := root.Get("candidates.0.finishReason"); finish.Exists() && finish.String() != "" {
		state.closeOpenBlock(&outputs)
		delta := `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":0}}`
		delta, _ = sjson.Set(delta, "delta.stop_reason", state.stopReason(finish.String()))
		delta, _ = sjson.Set(delta, "usage.input_tokens", state.inputTokens)
		delta, _ = sjson.Set(delta, "usage.output_tokens", state.outputTokens)
		outputs = append(outputs, sse("message_delta", delta))
		outputs = append(outputs, sse("message_stop", `{"type":"message_stop"}`))
	}

	return outputs
}

// ConvertGeminiResponseToClaudeNonStream converts a complete Gemini
// generateContent response into a Claude Messages response document.
func ConvertGeminiResponseToClaudeNonStream(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	id := root.Get("responseId").String()
	if id == "" {
		id = "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	out, _ = sjson.Set(out, "id", id)
	model := root.Get("modelVersion").String()
	if model == "" {
		model = modelName
	}
	out, _ = sjson.Set(out, "model", model)

	toolCount := 0
	sawToolCall := false
	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if fc := part.Get("functionCall"); fc.Exists() {
			name := fc.Get("name").String()
			block := `{"type":"tool_use","id":"","name":"","input":{}}`
			block, _ = sjson.Set(block, "id", fmt.Sprintf("%s-%d", name, toolCount))
			block, _ = sjson.Set(block, "name", name)
			if args := fc.Get("args"); args.Exists() && args.Raw != "" {
				block, _ = sjson.SetRaw(block, "input", args.Raw)
			}
			out, _ = sjson.SetRaw(out, "content.-1", block)
			toolCount++
			sawToolCall = true
			return true
		}
		text := part.Get("text")
		if !text.Exists() || text.String() == "" {
			return true
		}
		if part.Get("thought").Bool() {
			block := `{"type":"thinking","thinking":"","signature":""}`
			block, _ = sjson.Set(block, "thinking", text.String())
			out, _ = sjson.SetRaw(out, "content.-1", block)
		} else {
			block := `{"type":"text","text":""}`
			block, _ = sjson.Set(block, "text", text.String())
			out, _ = sjson.SetRaw(out, "content.-1", block)
		}
		return true
	})

	finish := root.Get("candidates.0.finishReason").String()
	stop := "end_turn"
	switch finish {
	case "MAX_TOKENS":
		stop = "max_tokens"
	case "STOP":
		if sawToolCall {
			stop = "tool_use"
		}
	}
	out, _ = sjson.Set(out, "stop_reason", stop)

	usage := root.Get("usageMetadata")
	out, _ = sjson.Set(out, "usage.input_tokens", usage.Get("promptTokenCount").Int())
	out, _ = sjson.Set(out, "usage.output_tokens", usage.Get("candidatesTokenCount").Int()+usage.Get("thoughtsTokenCount").Int())
	return out
}

// ClaudeTokenCount renders a token total in the Claude count_tokens shape.
func ClaudeTokenCount(_ context.Context, count int64) string {
	out, _ := sjson.Set(`{"input_tokens":0}`, "input_tokens", count)
	return out
}
