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

// openAIToCodexState rebuilds the Responses API event envelope from an
// OpenAI chunk stream. At most one message or reasoning item is open at a
// time; tool items follow the tool_calls ordinals.
type openAIToCodexState struct {
	started     bool
	responseID  string
	model       string
	createdAt   int64
	seq         int
	nextOutput  int
	openType    string
	openIndex   int
	openText    strings.Builder
	toolOutputs map[int64]int
	toolArgs    map[int64]*strings.Builder
	toolIDs     map[int64]string
	toolNames   map[int64]string
	currentTool int64
	finish      string
	prompt      int64
	completion  int64
}

func (s *openAIToCodexState) frame(eventType, payload string) string {
	payload, _ = sjson.Set(payload, "type", eventType)
	payload, _ = sjson.Set(payload, "sequence_number", s.seq)
	s.seq++
	return "event: " + eventType + "\ndata: " + payload + "\n\n"
}

func (s *openAIToCodexState) responseEnvelope(status string) string {
	out := `{"id":"","object":"response","created_at":0,"status":"","model":"","output":[]}`
	out, _ = sjson.Set(out, "id", s.responseID)
	out, _ = sjson.Set(out, "created_at", s.createdAt)
	out, _ = sjson.Set(out, "status", status)
	out, _ = sjson.Set(out, "model", s.model)
	return out
}

// closeOpen emits the done events for whichever item is currently open.
func (s *openAIToCodexState) closeOpen(outputs *[]string) {
	full := s.openText.String()
	switch s.openType {
	case "message":
		idx := s.openIndex
		done := fmt.Sprintf(`{"item_id":"msg_%d","output_index":%d,"content_index":0,"text":""}`, idx, idx)
		done, _ = sjson.Set(done, "text", full)
		*outputs = append(*outputs, s.frame("response.output_text.done", done))
		part := fmt.Sprintf(`{"item_id":"msg_%d","output_index":%d,"content_index":0,"part":{"type":"output_text","text":""}}`, idx, idx)
		part, _ = sjson.Set(part, "part.text", full)
		*outputs = append(*outputs, s.frame("response.content_part.done", part))
		item := fmt.Sprintf(`{"output_index":%d,"item":{"id":"msg_%d","type":"message","status":"completed","role":"assistant","content":[{"type":"output_text","text":""}]}}`, idx, idx)
		item, _ = sjson.Set(item, "item.content.0.text", full)
		*outputs = append(*outputs, s.frame("response.output_item.done", item))
	case "reasoning":
		idx := s.openIndex
		done := fmt.Sprintf(`{"item_id":"rs_%d","output_index":%d,"summary_index":0,"text":""}`, idx, idx)
		done, _ = sjson.Set(done, "text", full)
		*outputs = append(*outputs, s.frame("response.reasoning_summary_text.done", done))
		part := fmt.Sprintf(`{"item_id":"rs_%d","output_index":%d,"summary_index":0,"part":{"type":"summary_text","text":""}}`, idx, idx)
		part, _ = sjson.Set(part, "part.text", full)
		*outputs = append(*outputs, s.frame("response.reasoning_summary_part.done", part))
		item := fmt.Sprintf(`{"output_index":%d,"item":{"id":"rs_%d","type":"reasoning","summary":[{"type":"summary_text","text":""}]}}`, idx, idx)
		item, _ = sjson.Set(item, "item.summary.0.text", full)
		*outputs = append(*outputs, s.frame("response.output_item.done", item))
	}
	s.openType = ""
	s.openText.Reset()

	if s.currentTool >= 0 {
		ordinal := s.currentTool
		idx := s.toolOutputs[ordinal]
		args := "{}"
		if builder := s.toolArgs[ordinal]; builder != nil && builder.Len() > 0 {
			args = builder.String()
		}
		done := fmt.Sprintf(`{"item_id":"fc_%d","output_index":%d,"arguments":""}`, idx, idx)
		done, _ = sjson.Set(done, "arguments", args)
		*outputs = append(*outputs, s.frame("response.function_call_arguments.done", done))
		item := fmt.Sprintf(`{"output_index":%d,"item":{"id":"fc_%d","type":"function_call","status":"completed","call_id":"","name":"","arguments":""}}`, idx, idx)
		item, _ = sjson.Set(item, "item.call_id", s.toolIDs[ordinal])
		item, _ = sjson.Set(item, "item.name", s.toolNames[ordinal])
		item, _ = sjson.Set(item, "item.arguments", args)
		*outputs = append(*outputs, s.frame("response.output_item.done", item))
		s.currentTool = -1
	}
}

// ConvertOpenAIResponseToCodex converts OpenAI Chat Completions chunks into
// Responses API events. Content deltas stream inside a message item,
// reasoning_content inside a reasoning item and tool_calls as function_call
// items. The [DONE] sentinel renders response.completed with usage.
func ConvertOpenAIResponseToCodex(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &openAIToCodexState{
			model:       modelName,
			createdAt:   time.Now().Unix(),
			currentTool: -1,
			toolOutputs: make(map[int64]int),
			toolArgs:    make(map[int64]*strings.Builder),
			toolIDs:     make(map[int64]string),
			toolNames:   make(map[int64]string),
		}
	}
	state := (*param).(*openAIToCodexState)

	if !bytes.HasPrefix(rawJSON, dataTag) {
		return []string{}
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(rawJSON, dataTag))

	outputs := make([]string, 0, 3)

	if string(payload) == "[DONE]" {
		state.closeOpen(&outputs)
		status := "completed"
		eventType := "response.completed"
		if state.finish == "length" {
			status = "incomplete"
			eventType = "response.incomplete"
		}
		envelope := state.responseEnvelope(status)
		if status == "incomplete" {
			envelope, _ = sjson.Set(envelope, "incomplete_details.reason", "max_output_tokens")
		}
		envelope, _ = sjson.Set(envelope, "usage.input_tokens", state.prompt)
		envelope, _ = sjson.SetRaw(envelope, "usage.input_tokens_details", `{"cached_tokens":0}`)
		envelope, _ = sjson.Set(envelope, "usage.output_tokens", state.completion)
		envelope, _ = sjson.Set(envelope, "usage.total_tokens", state.prompt+state.completion)
		completed := `{"response":{}}`
		completed, _ = sjson.SetRaw(completed, "response", envelope)
		outputs = append(outputs, state.frame(eventType, completed))
		return outputs
	}

	root := gjson.ParseBytes(payload)

	if errObj := root.Get("error"); errObj.Exists() {
		event := `{"code":"","message":""}`
		event, _ = sjson.Set(event, "code", errObj.Get("type").String())
		event, _ = sjson.Set(event, "message", errObj.Get("message").String())
		return []string{state.frame("error", event)}
	}

	if usage := root.Get("usage"); usage.Exists() && usage.Type != gjson.Null {
		state.prompt = usage.Get("prompt_tokens").Int()
		state.completion = usage.Get("completion_tokens").Int()
	}

	if !state.started {
		state.started = true
		state.responseID = root.Get("id").String()
		if state.responseID == "" {
			state.responseID = "resp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		if model := root.Get("model").String(); model != "" {
			state.model = model
		}
		created := `{"response":{}}`
		created, _ = sjson.SetRaw(created, "response", state.responseEnvelope("in_progress"))
		outputs = append(outputs, state.frame("response.created", created))
		inProgress := `{"response":{}}`
		inProgress, _ = sjson.SetRaw(inProgress, "response", state.responseEnvelope("in_progress"))
		outputs = append(outputs, state.frame("response.in_progress", inProgress))
	}

	delta := root.Get("choices.0.delta")

	if text := delta.Get("content"); text.Exists() && text.String() != "" {
		if state.openType != "message" {
			state.closeOpen(&outputs)
			state.openType = "message"
			state.openIndex = state.nextOutput
			state.nextOutput++
			added := fmt.Sprintf(`{"output_index":%d,"item":{"id":"msg_%d","type":"message","status":"in_progress","role":"assistant","content":[]}}`, state.openIndex, state.openIndex)
			outputs = append(outputs, state.frame("response.output_item.added", added))
			part := fmt.Sprintf(`{"item_id":"msg_%d","output_index":%d,"content_index":0,"part":{"type":"output_text","text":""}}`, state.openIndex, state.openIndex)
			outputs = append(outputs, state.frame("response.content_part.added", part))
		}
		state.openText.WriteString(text.String())
		event := fmt.Sprintf(`{"item_id":"msg_%d","output_index":%d,"content_index":0,"delta":""}`, state.openIndex, state.openIndex)
		event, _ = sjson.Set(event, "delta", text.String())
		outputs = append(outputs, state.frame("response.output_text.delta", event))
	}

	if thinking := delta.Get("reasoning_content"); thinking.Exists() && thinking.String() != "" {
		if state.openType != "reasoning" {
			state.closeOpen(&outputs)
			state.openType = "reasoning"
			state.openIndex = state.nextOutput
			state.nextOutput++
			added := fmt.Sprintf(`{"output_index":%d,"item":{"id":"rs_%d","type":"reasoning","summary":[]}}`, state.openIndex, state.openIndex)
			outputs = append(outputs, state.frame("response.output_item.added", added))
			part := fmt.Sprintf(`{"item_id":"rs_%d","output_index":%d,"summary_index":0,"part":{"type":"summary_text","text":""}}`, state.openIndex, state.openIndex)
			outputs = append(outputs, state.frame("response.reasoning_summary_part.added", part))
		}
		state.openText.WriteString(thinking.String())
		event := fmt.Sprintf(`{"item_id":"rs_%d","output_index":%d,"summary_index":0,"delta":""}`, state.openIndex, state.openIndex)
		event, _ = sjson.Set(event, "delta", thinking.String())
		outputs = append(outputs, state.frame("response.reasoning_summary_text.delta", event))
	}

	if toolCalls := delta.Get("tool_calls"); toolCalls.IsArray() {
		toolCalls.ForEach(func(_, call gjson.Result) bool {
			ordinal := call.Get("index").Int()
			if _, ok := state.toolOutputs[ordinal]; !ok {
				state.closeOpen(&outputs)
				idx := state.nextOutput
				state.nextOutput++
				state.toolOutputs[ordinal] = idx
				state.toolArgs[ordinal] = &strings.Builder{}
				id := call.Get("id").String()
				if id == "" {
					id = fmt.Sprintf("call_%d", ordinal)
				}
				state.toolIDs[ordinal] = id
				state.toolNames[ordinal] = call.Get("function.name").String()
				state.currentTool = ordinal
				added := fmt.Sprintf(`{"output_index":%d,"item":{"id":"fc_%d","type":"function_call","status":"in_progress","call_id":"","name":"","arguments":""}}`, idx, idx)
				added, _ = sjson.Set(added, "item.call_id", id)
				added, _ = sjson.Set(added, "item.name", state.toolNames[ordinal])
				outputs = append(outputs, state.frame("response.output_item.added", added))
			}
			if args := call.Get("function.arguments"); args.Exists() && args.String() != "" {
				state.toolArgs[ordinal].WriteString(args.String())
				idx := state.toolOutputs[ordinal]
				event := fmt.Sprintf(`{"item_id":"fc_%d","output_index":%d,"delta":""}`, idx, idx)
				event, _ = sjson.Set(event, "delta", args.String())
				outputs = append(outputs, state.frame("response.function_call_arguments.delta", event))
			}
			return true
		})
	}

	if finish := root.Get("choices.0.finish_reason"); finish.Exists() && finish.Type != gjson.Null && finish.String() != "" {
		state.finish = finish.String()
		state.closeOpen(&outputs)
	}

	return outputs
}

// ConvertOpenAIResponseToCodexNonStream converts a complete OpenAI Chat
// Completions response into a Responses API response document.
func ConvertOpenAIResponseToCodexNonStream(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, _ *any) string {
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

	message := root.Get("choices.0.message")
	itemCount := 0

	if thinking := message.Get("reasoning_content"); thinking.Exists() && thinking.String() != "" {
		item := fmt.Sprintf(`{"id":"rs_%d","type":"reasoning","summary":[{"type":"summary_text","text":""}]}`, itemCount)
		item, _ = sjson.Set(item, "summary.0.text", thinking.String())
		out, _ = sjson.SetRaw(out, "output.-1", item)
		itemCount++
	}
	if text := message.Get("content"); text.Exists() && text.Type == gjson.String && text.String() != "" {
		item := fmt.Sprintf(`{"id":"msg_%d","type":"message","status":"completed","role":"assistant","content":[{"type":"output_text","text":""}]}`, itemCount)
		item, _ = sjson.Set(item, "content.0.text", text.String())
		out, _ = sjson.SetRaw(out, "output.-1", item)
		itemCount++
	}
	message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		item := fmt.Sprintf(`{"id":"fc_%d","type":"function_call","status":"completed","call_id":"","name":"","arguments":""}`, itemCount)
		item, _ = sjson.Set(item, "call_id", call.Get("id").String())
		item, _ = sjson.Set(item, "name", call.Get("function.name").String())
		item, _ = sjson.Set(item, "arguments", call.Get("function.arguments").String())
		out, _ = sjson.SetRaw(out, "output.-1", item)
		itemCount++
		return true
	})

	if root.Get("choices.0.finish_reason").String() == "length" {
		out, _ = sjson.Set(out, "status", "incomplete")
		out, _ = sjson.Set(out, "incomplete_details.reason", "max_output_tokens")
	}

	prompt := root.Get("usage.prompt_tokens").Int()
	completion := root.Get("usage.completion_tokens").Int()
	out, _ = sjson.Set(out, "usage.input_tokens", prompt)
	out, _ = sjson.SetRaw(out, "usage.input_tokens_details", `{"cached_tokens":0}`)
	out, _ = sjson.Set(out, "usage.output_tokens", completion)
	out, _ = sjson.Set(out, "usage.total_tokens", prompt+completion)
	return out
}
