package codex

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

// claudeToCodexState rebuilds the Responses API event envelope from a
// Claude stream. Block text accumulates so the .done events can carry the
// full payload.
type claudeToCodexState struct {
	responseID   string
	model        string
	createdAt    int64
	seq          int
	blockTypes   map[int64]string
	blockText    map[int64]*strings.Builder
	toolCallID   map[int64]string
	toolName     map[int64]string
	stopReason   string
	inputTokens  int64
	outputTokens int64
}

// frame renders one Responses API SSE event and advances the sequence
// counter.
func (s *claudeToCodexState) frame(eventType, payload string) string {
	payload, _ = sjson.Set(payload, "type", eventType)
	payload, _ = sjson.Set(payload, "sequence_number", s.seq)
	s.seq++
	return "event: " + eventType + "\ndata: " + payload + "\n\n"
}

func (s *claudeToCodexState) responseEnvelope(status string) string {
	out := `{"id":"","object":"response","created_at":0,"status":"","model":"","output":[]}`
	out, _ = sjson.Set(out, "id", s.responseID)
	out, _ = sjson.Set(out, "created_at", s.createdAt)
	out, _ = sjson.Set(out, "status", status)
	out, _ = sjson.Set(out, "model", s.model)
	return out
}

// ConvertClaudeResponseToCodex converts Claude SSE events into Responses
// API events. Text blocks become message items, thinking blocks become
// reasoning items with summary parts and tool_use blocks become
// function_call items.
func ConvertClaudeResponseToCodex(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &claudeToCodexState{
			model:      modelName,
			createdAt:  time.Now().Unix(),
			blockTypes: make(map[int64]string),
			blockText:  make(map[int64]*strings.Builder),
			toolCallID: make(map[int64]string),
			toolName:   make(map[int64]string),
		}
	}
	state := (*param).(*claudeToCodexState)

	if !bytes.HasPrefix(rawJSON, dataTag) {
		return []string{}
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(rawJSON, dataTag))

	root := gjson.ParseBytes(payload)
	outputs := make([]string, 0, 3)

	switch root.Get("type").String() {
	case "message_start":
		state.responseID = root.Get("message.id").String()
		if state.responseID == "" {
			state.responseID = "resp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		if model := root.Get("message.model").String(); model != "" {
			state.model = model
		}
		state.inputTokens = root.Get("message.usage.input_tokens").Int()
		created := `{"response":{}}`
		created, _ = sjson.SetRaw(created, "response", state.responseEnvelope("in_progress"))
		outputs = append(outputs, state.frame("response.created", created))
		inProgress := `{"response":{}}`
		inProgress, _ = sjson.SetRaw(inProgress, "response", state.responseEnvelope("in_progress"))
		outputs = append(outputs, state.frame("response.in_progress", inProgress))

	case "content_block_start":
		idx := root.Get("index").Int()
		block := root.Get("content_block")
		state.blockText[idx] = &strings.Builder{}
		switch block.Get("type").String() {
		case "thinking":
			state.blockTypes[idx] = "reasoning"
			added := fmt.Sprintf(`{"output_index":%d,"item":{"id":"rs_%d","type":"reasoning","summary":[]}}`, idx, idx)
			outputs = append(outputs, state.frame("response.output_item.added", added))
			part := fmt.Sprintf(`{"item_id":"rs_%d","output_index":%d,"summary_index":0,"part":{"type":"summary_text","text":""}}`, idx, idx)
			outputs = append(outputs, state.frame("response.reasoning_summary_part.added", part))
		case "tool_use":
			state.blockTypes[idx] = "function_call"
			callID := block.Get("id").String()
			name := block.Get("name").String()
			state.toolCallID[idx] = callID
			state.toolName[idx] = name
			added := fmt.Sprintf(`{"output_index":%d,"item":{"id":"fc_%d","type":"function_call","status":"in_progress","call_id":"","name":"","arguments":""}}`, idx, idx)
			added, _ = sjson.Set(added, "item.call_id", callID)
			added, _ = sjson.Set(added, "item.name", name)
			outputs = append(outputs, state.frame("response.output_item.added", added))
		default:
			state.blockTypes[idx] = "message"
			added := fmt.Sprintf(`{"output_index":%d,"item":{"id":"msg_%d","type":"message","status":"in_progress","role":"assistant","content":[]}}`, idx, idx)
			outputs = append(outputs, state.frame("response.output_item.added", added))
			part := fmt.Sprintf(`{"item_id":"msg_%d","output_index":%d,"content_index":0,"part":{"type":"output_text","text":""}}`, idx, idx)
			outputs = append(outputs, state.frame("response.content_part.added", part))
		}

	case "content_block_delta":
		idx := root.Get("index").Int()
		delta := root.Get("delta")
		builder := state.blockText[idx]
		if builder == nil {
			builder = &strings.Builder{}
			state.blockText[idx] = builder
		}
		switch delta.Get("type").String() {
		case "text_delta":
			text := delta.Get("text").String()
			builder.WriteString(text)
			event := fmt.Sprintf(`{"item_id":"msg_%d","output_index":%d,"content_index":0,"delta":""}`, idx, idx)
			event, _ = sjson.Set(event, "delta", text)
			outputs = append(outputs, state.frame("response.output_text.delta", event))
		case "thinking_delta":
			text := delta.Get("thinking").String()
			builder.WriteString(text)
			event := fmt.Sprintf(`{"item_id":"rs_%d","output_index":%d,"summary_index":0,"delta":""}`, idx, idx)
			event, _ = sjson.Set(event, "delta", text)
			outputs = append(outputs, state.frame("response.reasoning_summary_text.delta", event))
		case "input_json_delta":
			text := delta.Get("partial_json").String()
			builder.WriteString(text)
			event := fmt.Sprintf(`{"item_id":"fc_%d","output_index":%d,"delta":""}`, idx, idx)
			event, _ = sjson.Set(event, "delta", text)
			outputs = append(outputs, state.frame("response.function_call_arguments.delta", event))
		}

	case "content_block_stop":
		idx := root.Get("index").Int()
		full := ""
		if builder := state.blockText[idx]; builder != nil {
			full = builder.String()
		}
		switch state.blockTypes[idx] {
		case "reasoning":
			done := fmt.Sprintf(`{"item_id":"rs_%d","output_index":%d,"summary_index":0,"text":""}`, idx, idx)
			done, _ = sjson.Set(done, "text", full)
			outputs = append(outputs, state.frame("response.reasoning_summary_text.done", done))
			part := fmt.Sprintf(`{"item_id":"rs_%d","output_index":%d,"summary_index":0,"part":{"type":"summary_text","text":""}}`, idx, idx)
			part, _ = sjson.Set(part, "part.text", full)
			outputs = append(outputs, state.frame("response.reasoning_summary_part.done", part))
			item := fmt.Sprintf(`{"output_index":%d,"item":{"id":"rs_%d","type":"reasoning","summary":[{"type":"summary_text","text":""}]}}`, idx, idx)
			item, _ = sjson.Set(item, "item.summary.0.text", full)
			outputs = append(outputs, state.frame("response.output_item.done", item))
		case "function_call":
			if full == "" {
				full = "{}"
			}
			done := fmt.Sprintf(`{"item_id":"fc_%d","output_index":%d,"arguments":""}`, idx, idx)
			done, _ = sjson.Set(done, "arguments", full)
			outputs = append(outputs, state.frame("response.function_call_arguments.done", done))
			item := fmt.Sprintf(`{"output_index":%d,"item":{"id":"fc_%d","type":"function_call","status":"completed","call_id":"","name":"","arguments":""}}`, idx, idx)
			item, _ = sjson.Set(item, "item.call_id", state.toolCallID[idx])
			item, _ = sjson.Set(item, "item.name", state.toolName[idx])
			item, _ = sjson.Set(item, "item.arguments", full)
			outputs = append(outputs, state.frame("response.output_item.done", item))
		case "message":
			done := fmt.Sprintf(`{"item_id":"msg_%d","output_index":%d,"content_index":0,"text":""}`, idx, idx)
			done, _ = sjson.Set(done, "text", full)
			outputs = append(outputs, state.frame("response.output_text.done", done))
			part := fmt.Sprintf(`{"item_id":"msg_%d","output_index":%d,"content_index":0,"part":{"type":"output_text","text":""}}`, idx, idx)
			part, _ = sjson.Set(part, "part.text", full)
			outputs = append(outputs, state.frame("response.content_part.done", part))
			item := fmt.Sprintf(`{"output_index":%d,"item":{"id":"msg_%d","type":"message","status":"completed","role":"assistant","content":[{"type":"output_text","text":""}]}}`, idx, idx)
			item, _ = sjson.Set(item, "item.content.0.text", full)
			outputs = append(outputs, state.frame("response.output_item.done", item))
		}

	case "message_delta":
		state.stopReason = root.Get("delta.stop_reason").String()
		if v := root.Get("usage.input_tokens"); v.Exists() {
			state.inputTokens = v.Int()
		}
		state.outputTokens = root.Get("usage.output_tokens").Int()

	case "message_stop":
		status := "completed"
		eventType := "response.completed"
		if state.stopReason == "max_tokens" {
			status = "incomplete"
			eventType = "response.incomplete"
		}
		envelope := state.responseEnvelope(status)
		if status == "incomplete" {
			envelope, _ = sjson.Set(envelope, "incomplete_details.reason", "max_output_tokens")
		}
		envelope, _ = sjson.Set(envelope, "usage.input_tokens", state.inputTokens)
		envelope, _ = sjson.SetRaw(envelope, "usage.input_tokens_details", `{"cached_tokens":0}`)
		envelope, _ = sjson.Set(envelope, "usage.output_tokens", state.outputTokens)
		envelope, _ = sjson.Set(envelope, "usage.total_tokens", state.inputTokens+state.outputTokens)
		completed := `{"response":{}}`
		completed, _ = sjson.SetRaw(completed, "response", envelope)
		outputs = append(outputs, state.frame(eventType, completed))

	case "error":
		event := `{"code":"","message":""}`
		event, _ = sjson.Set(event, "code", root.Get("error.type").String())
		event, _ = sjson.Set(event, "message", root.Get("error.message").String())
		outputs = append(outputs, state.frame("error", event))
	}

	return outputs
}

// ConvertClaudeResponseToCodexNonStream converts a complete Claude Messages
// response into a Responses API response document.
func ConvertClaudeResponseToCodexNonStream(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","object":"response","created_at":0,"status":"completed","model":"","output":[],"usage":{"input_tokens":0,"output_tokens":0,"total_tokens":0}}`
	id := root.Get("id").String()
	if id == "" {
		id = "resp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	out, _ = sjson.Set(out, "id", id)
	out, _ = sjson.Set(out, "created_at", time.Now().Unix())
	model := root.Get("model").String()
	if model == "" {
		model = modelName
	}
	out, _ = sjson.Set(out, "model", model)

	itemCount := 0
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "thinking":
			item := fmt.Sprintf(`{"id":"rs_%d","type":"reasoning","summary":[{"type":"summary_text","text":""}]}`, itemCount)
			item, _ = sjson.Set(item, "summary.0.text", block.Get("thinking").String())
			out, _ = sjson.SetRaw(out, "output.-1", item)
		case "text":
			item := fmt.Sprintf(`{"id":"msg_%d","type":"message","status":"completed","role":"assistant","content":[{"type":"output_text","text":""}]}`, itemCount)
			item, _ = sjson.Set(item, "content.0.text", block.Get("text").String())
			out, _ = sjson.SetRaw(out, "output.-1", item)
		case "tool_use":
			item := fmt.Sprintf(`{"id":"fc_%d","type":"function_call","status":"completed","call_id":"","name":"","arguments":""}`, itemCount)
			item, _ = sjson.Set(item, "call_id", block.Get("id").String())
			item, _ = sjson.Set(item, "name", block.Get("name").String())
			args := block.Get("input").Raw
			if args == "" {
				args = "{}"
			}
			item, _ = sjson.Set(item, "arguments", args)
			out, _ = sjson.SetRaw(out, "output.-1", item)
		}
		itemCount++
		return true
	})

	if root.Get("stop_reason").String() == "max_tokens" {
		out, _ = sjson.Set(out, "status", "incomplete")
		out, _ = sjson.Set(out, "incomplete_details.reason", "max_output_tokens")
	}

	input := root.Get("usage.input_tokens").Int()
	output := root.Get("usage.output_tokens").Int()
	out, _ = sjson.Set(out, "usage.input_tokens", input)
	out, _ = sjson.SetRaw(out, "usage.input_tokens_details", `{"cached_tokens":0}`)
	out, _ = sjson.Set(out, "usage.output_tokens", output)
	out, _ = sjson.Set(out, "usage.total_tokens", input+output)
	return out
}
