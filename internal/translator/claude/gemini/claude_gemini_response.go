package gemini

import (
	"bytes"
	"context"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var dataTag = []byte("data:")

// claudeToGeminiState accumulates tool_use input fragments so functionCall
// parts can be emitted whole when the block closes.
type claudeToGeminiState struct {
	responseID   string
	model        string
	toolNames    map[int64]string
	toolArgs     map[int64]*strings.Builder
	stopReason   string
	inputTokens  int64
	outputTokens int64
}

// chunk builds the Gemini stream chunk envelope.
func (s *claudeToGeminiState) chunk() string {
	out := `{"candidates":[{"content":{"parts":[],"role":"model"},"index":0}],"responseId":"","modelVersion":""}`
	out, _ = sjson.Set(out, "responseId", s.responseID)
	out, _ = sjson.Set(out, "modelVersion", s.model)
	return out
}

func mapClaudeStopToGemini(stop string) string {
	if stop == "max_tokens" {
		return "MAX_TOKENS"
	}
	return "STOP"
}

// ConvertClaudeResponseToGemini converts Claude SSE events into Gemini
// streamGenerateContent chunks. Thinking deltas become thought parts,
// tool_use blocks surface as complete functionCall parts when they close
// and message_stop renders the finishReason chunk with usage.
func ConvertClaudeResponseToGemini(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &claudeToGeminiState{
			model:     modelName,
			toolNames: make(map[int64]string),
			toolArgs:  make(map[int64]*strings.Builder),
		}
	}
	state := (*param).(*claudeToGeminiState)

	if !bytes.HasPrefix(rawJSON, dataTag) {
		return []string{}
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(rawJSON, dataTag))

	root := gjson.ParseBytes(payload)

	switch root.Get("type").String() {
	case "message_start":
		state.responseID = root.Get("message.id").String()
		if model := root.Get("message.model").String(); model != "" {
			state.model = model
		}
		state.inputTokens = root.Get("message.usage.input_tokens").Int()

	case "content_block_start":
		block := root.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			idx := root.Get("index").Int()
			state.toolNames[idx] = block.Get("name").String()
			state.toolArgs[idx] = &strings.Builder{}
		}

	case "content_block_delta":
		idx := root.Get("index").Int()
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			out := state.chunk()
			part := `{"text":""}`
			part, _ = sjson.Set(part, "text", delta.Get("text").String())
			out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
			return []string{out}
		case "thinking_delta":
			out := state.chunk()
			part := `{"text":"","thought":true}`
			part, _ = sjson.Set(part, "text", delta.Get("thinking").String())
			out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
			return []string{out}
		case "input_json_delta":
			if builder := state.toolArgs[idx]; builder != nil {
				builder.WriteString(delta.Get("partial_json").String())
			}
		}

	case "content_block_stop":
		idx := root.Get("index").Int()
		if name, ok := state.toolNames[idx]; ok {
			args := "{}"
			if builder := state.toolArgs[idx]; builder != nil && builder.Len() > 0 {
				args = builder.String()
			}
			if !gjson.Valid(args) {
				args = "{}"
			}
			out := state.chunk()
			part := `{"functionCall":{"name":"","args":{}}}`
			part, _ = sjson.Set(part, "functionCall.name", name)
			part, _ = sjson.SetRaw(part, "functionCall.args", args)
			out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
			delete(state.toolNames, idx)
			delete(state.toolArgs, idx)
			return []string{out}
		}

	case "message_delta":
		state.stopReason = root.Get("delta.stop_reason").String()
		if v := root.Get("usage.input_tokens"); v.Exists() {
			state.inputTokens = v.Int()
		}
		state.outputTokens = root.Get("usage.output_tokens").Int()

	case "message_stop":
		out := state.chunk()
		out, _ = sjson.Set(out, "candidates.0.finishReason", mapClaudeStopToGemini(state.stopReason))
		out, _ = sjson.Set(out, "usageMetadata.promptTokenCount", state.inputTokens)
		out, _ = sjson.Set(out, "usageMetadata.candidatesTokenCount", state.outputTokens)
		out, _ = sjson.Set(out, "usageMetadata.totalTokenCount", state.inputTokens+state.outputTokens)
		return []string{out}

	case "error":
		out := `{"error":{"code":500,"message":"","status":"INTERNAL"}}`
		out, _ = sjson.Set(out, "error.message", root.Get("error.message").String())
		return []string{out}
	}

	return []string{}
}

// ConvertClaudeResponseToGeminiNonStream converts a complete Claude
// Messages response into a Gemini generateContent response document.
func ConvertClaudeResponseToGeminiNonStream(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"candidates":[{"content":{"parts":[],"role":"model"},"finishReason":"STOP","index":0}],"responseId":"","modelVersion":""}`
	out, _ = sjson.Set(out, "responseId", root.Get("id").String())
	model := root.Get("model").String()
	if model == "" {
		model = modelName
	}
	out, _ = sjson.Set(out, "modelVersion", model)

	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			part := `{"text":""}`
			part, _ = sjson.Set(part, "text", block.Get("text").String())
			out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
		case "thinking":
			part := `{"text":"","thought":true}`
			part, _ = sjson.Set(part, "text", block.Get("thinking").String())
			out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
		case "tool_use":
			part := `{"functionCall":{"name":"","args":{}}}`
			part, _ = sjson.Set(part, "functionCall.name", block.Get("name").String())
			if input := block.Get("input"); input.Exists() && input.Raw != "" {
				part, _ = sjson.SetRaw(part, "functionCall.args", input.Raw)
			}
			out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
		}
		return true
	})

	out, _ = sjson.Set(out, "candidates.0.finishReason", mapClaudeStopToGemini(root.Get("stop_reason").String()))

	input := root.Get("usage.input_tokens").Int()
	output := root.Get("usage.output_tokens").Int()
	out, _ = sjson.Set(out, "usageMetadata.promptTokenCount", input)
	out, _ = sjson.Set(out, "usageMetadata.candidatesTokenCount", output)
	out, _ = sjson.Set(out, "usageMetadata.totalTokenCount", input+output)
	return out
}

// GeminiTokenCount renders a token total in the Gemini countTokens shape.
func GeminiTokenCount(_ context.Context, count int64) string {
	out, _ := sjson.Set(`{"totalTokens":0}`, "totalTokens", count)
	return out
}
