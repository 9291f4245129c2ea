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

// codexToClaudeState maps Codex output items onto Claude content blocks.
// Codex addresses items by output_index; Claude indexes are allocated in
// arrival order.
type codexToClaudeState struct {
	started     bool
	nextIndex   int
	blocks      map[int64]int
	sawToolCall bool
}

// ConvertCodexResponseToClaude converts Codex Responses API events into
// fully framed Claude SSE events. Reasoning items become thinking blocks,
// message items become text blocks and function_call items become tool_use
// blocks with streamed input_json_delta fragments.
func ConvertCodexResponseToClaude(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &codexToClaudeState{blocks: make(map[int64]int)}
	}
	state := (*param).(*codexToClaudeState)

	if !bytes.HasPrefix(rawJSON, dataTag) {
		return []string{}
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(rawJSON, dataTag))
	if string(payload) == "[DONE]" {
		return []string{}
	}

	root := gjson.ParseBytes(payload)
	outputs := make([]string, 0, 2)

	switch root.Get("type").String() {
	case "response.created":
		if state.started {
			return outputs
		}
		state.started = true
		id := root.Get("response.id").String()
		if id == "" {
			id = "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		model := root.Get("response.model").String()
		if model == "" {
			model = modelName
		}
		start := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
		start, _ = sjson.Set(start, "message.id", id)
		start, _ = sjson.Set(start, "message.model", model)
		outputs = append(outputs, sse("message_start", start))

	case "response.output_item.added":
		outputIndex := root.Get("output_index").Int()
		item := root.Get("item")
		idx := state.nextIndex
		state.nextIndex++
		state.blocks[outputIndex] = idx
		switch item.Get("type").String() {
		case "reasoning":
			start := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"thinking","thinking":""}}`, idx)
			outputs = append(outputs, sse("content_block_start", start))
		case "function_call":
			state.sawToolCall = true
			id := item.Get("call_id").String()
			if id == "" {
				id = item.Get("id").String()
			}
			start := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`, idx)
			start, _ = sjson.Set(start, "content_block.id", id)
			start, _ = sjson.Set(start, "content_block.name", item.Get("name").String())
			outputs = append(outputs, sse("content_block_start", start))
		default:
			start := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"text","text":""}}`, idx)
			outputs = append(outputs, sse("content_block_start", start))
		}

	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		if idx, ok := state.blocks[root.Get("output_index").Int()]; ok {
			event := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"thinking_delta","thinking":""}}`, idx)
			event, _ = sjson.Set(event, "delta.thinking", root.Get("delta").String())
			outputs = append(outputs, sse("content_block_delta", event))
		}

	case "response.output_text.delta":
		if idx, ok := state.blocks[root.Get("output_index").Int()]; ok {
			event := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":""}}`, idx)
			event, _ = sjson.Set(event, "delta.text", root.Get("delta").String())
			outputs = append(outputs, sse("content_block_delta", event))
		}

	case "response.function_call_arguments.delta":
		if idx, ok := state.blocks[root.Get("output_index").Int()]; ok {
			event := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":""}}`, idx)
			event, _ = sjson.Set(event, "delta.partial_json", root.Get("delta").String())
			outputs = append(outputs, sse("content_block_delta", event))
		}

	case "response.output_item.done":
		if idx, ok := state.blocks[root.Get("output_index").Int()]; ok {
			outputs = append(outputs, sse("content_block_stop", fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, idx)))
		}

	case "response.completed", "response.incomplete":
		response := root.Get("response")
		stop := "end_turn"
		if state.sawToolCall {
			stop = "tool_use"
		}
		if response.Get("incomplete_details.reason").String() == "max_output_tokens" {
			stop = "max_tokens"
		}
		delta := `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":0}}`
		delta, _ = sjson.Set(delta, "delta.stop_reason", stop)
		delta, _ = sjson.Set(delta, "usage.input_tokens", response.Get("usage.input_tokens").Int())
		delta, _ = sjson.Set(delta, "usage.output_tokens", response.Get("usage.output_tokens").Int())
		outputs = append(outputs, sse("message_delta", delta))
		outputs = append(outputs, sse("message_stop", `{"type":"message_stop"}`))

	case "response.failed", "error":
		message := root.Get("response.error.message").String()
		if message == "" {
			message = root.Get("error.message").String()
		}
		if message == "" {
			message = root.Get("message").String()
		}
		event := `{"type":"error","error":{"type":"api_error","message":""}}`
		event, _ = sjson.Set(event, "error.message", message)
		outputs = append(outputs, sse("error", event))
	}

	return outputs
}

// ConvertCodexResponseToClaudeNonStream converts a complete Codex Responses
// document into a Claude Messages response document by walking the output
// items.
func ConvertCodexResponseToClaudeNonStream(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)
	if inner := root.Get("response"); inner.Exists() && inner.Get("output").Exists() {
		root = inner
	}

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

	sawToolCall := false
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "reasoning":
			texts := make([]string, 0)
			item.Get("summary").ForEach(func(_, part gjson.Result) bool {
				if t := part.Get("text").String(); t != "" {
					texts = append(texts, t)
				}
				return true
			})
			if len(texts) > 0 {
				block := `{"type":"thinking","thinking":"","signature":""}`
				block, _ = sjson.Set(block, "thinking", strings.Join(texts, "\n"))
				out, _ = sjson.SetRaw(out, "content.-1", block)
			}
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() != "output_text" {
					return true
				}
				block := `{"type":"text","text":""}`
				block, _ = sjson.Set(block, "text", part.Get("text").String())
				out, _ = sjson.SetRaw(out, "content.-1", block)
				return true
			})
		case "function_call":
			sawToolCall = true
			callID := item.Get("call_id").String()
			if callID == "" {
				callID = item.Get("id").String()
			}
			block := `{"type":"tool_use","id":"","name":"","input":{}}`
			block, _ = sjson.Set(block, "id", callID)
			block, _ = sjson.Set(block, "name", item.Get("name").String())
			if args := item.Get("arguments").String(); gjson.Valid(args) && args != "" {
				block, _ = sjson.SetRaw(block, "input", args)
			}
			out, _ = sjson.SetRaw(out, "content.-1", block)
		}
		return true
	})

	stop := "end_turn"
	if sawToolCall {
		stop = "tool_use"
	}
	if root.Get("incomplete_details.reason").String() == "max_output_tokens" {
		stop = "max_tokens"
	}
	out, _ = sjson.Set(out, "stop_reason", stop)
	out, _ = sjson.Set(out, "usage.input_tokens", root.Get("usage.input_tokens").Int())
	out, _ = sjson.Set(out, "usage.output_tokens", root.Get("usage.output_tokens").Int())
	return out
}

// ClaudeTokenCount renders a token total in the Claude count_tokens shape.
func ClaudeTokenCount(_ context.Context, count int64) string {
	out, _ := sjson.Set(`{"input_tokens":0}`, "input_tokens", count)
	return out
}
