package gemini

import (
	"bytes"
	"context"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var dataTag = []byte("data:")

// openAIToGeminiState accumulates streamed tool_call arguments so complete
// functionCall parts can be emitted once the finish chunk arrives.
type openAIToGeminiState struct {
	responseID   string
	model        string
	toolArgs     map[int64]*strings.Builder
	toolNames    map[int64]string
	toolsFlushed bool
	finish       string
	prompt       int64
	completion   int64
}

func (s *openAIToGeminiState) chunk() string {
	out := `{"candidates":[{"content":{"parts":[],"role":"model"},"index":0}],"responseId":"","modelVersion":""}`
	out, _ = sjson.Set(out, "responseId", s.responseID)
	out, _ = sjson.Set(out, "modelVersion", s.model)
	return out
}

// flushToolCalls renders the accumulated tool calls as functionCall part
// chunks, ordered by tool_calls ordinal.
func (s *openAIToGeminiState) flushToolCalls(outputs *[]string) {
	if s.toolsFlushed || len(s.toolArgs) == 0 {
		return
	}
	s.toolsFlushed = true
	ordinals := make([]int64, 0, len(s.toolArgs))
	for ordinal := range s.toolArgs {
		ordinals = append(ordinals, ordinal)
	}
	sort.Slice(ordinals, func(i, j int) bool { return ordinals[i] < ordinals[j] })
	for _, ordinal := range ordinals {
		args := s.toolArgs[ordinal].String()
		if !gjson.Valid(args) || args == "" {
			args = "{}"
		}
		out := s.chunk()
		part := `{"functionCall":{"name":"","args":{}}}`
		part, _ = sjson.Set(part, "functionCall.name", s.toolNames[ordinal])
		part, _ = sjson.SetRaw(part, "functionCall.args", args)
		out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
		*outputs = append(*outputs, out)
	}
}

// ConvertOpenAIResponseToGemini converts OpenAI Chat Completions chunks
// into Gemini streamGenerateContent chunks. Content deltas stream as text
// parts, reasoning_content as thought parts and tool calls surface whole
// once the finish chunk arrives. The [DONE] sentinel renders the final
// chunk with finishReason and usageMetadata.
func ConvertOpenAIResponseToGemini(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &openAIToGeminiState{
			model:     modelName,
			toolArgs:  make(map[int64]*strings.Builder),
			toolNames: make(map[int64]string),
		}
	}
	state := (*param).(*openAIToGeminiState)

	if !bytes.HasPrefix(rawJSON, dataTag) {
		return []string{}
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(rawJSON, dataTag))

	outputs := make([]string, 0, 2)

	if string(payload) == "[DONE]" {
		state.flushToolCalls(&outputs)
		finish := "STOP"
		if state.finish == "length" {
			finish = "MAX_TOKENS"
		}
		out := state.chunk()
		out, _ = sjson.Set(out, "candidates.0.finishReason", finish)
		out, _ = sjson.Set(out, "usageMetadata.promptTokenCount", state.prompt)
		out, _ = sjson.Set(out, "usageMetadata.candidatesTokenCount", state.completion)
		out, _ = sjson.Set(out, "usageMetadata.totalTokenCount", state.prompt+state.completion)
		outputs = append(outputs, out)
		return outputs
	}

	root := gjson.ParseBytes(payload)

	if errObj := root.Get("error"); errObj.Exists() {
		out := `{"error":{"code":500,"message":"","status":"INTERNAL"}}`
		out, _ = sjson.Set(out, "error.message", errObj.Get("message").String())
		return []string{out}
	}

	if state.responseID == "" {
		state.responseID = root.Get("id").String()
		if model := root.Get("model").String(); model != "" {
			state.model = model
		}
	}
	if usage := root.Get("usage"); usage.Exists() && usage.Type != gjson.Null {
		state.prompt = usage.Get("prompt_tokens").Int()
		state.completion = usage.Get("completion_tokens").Int()
	}

	delta := root.Get("choices.0.delta")

	if text := delta.Get("content"); text.Exists() && text.String() != "" {
		out := state.chunk()
		part := `{"text":""}`
		part, _ = sjson.Set(part, "text", text.String())
		out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
		outputs = append(outputs, out)
	}
	if thinking := delta.Get("reasoning_content"); thinking.Exists() && thinking.String() != "" {
		out := state.chunk()
		part := `{"text":"","thought":true}`
		part, _ = sjson.Set(part, "text", thinking.String())
		out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
		outputs = append(outputs, out)
	}

	delta.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		ordinal := call.Get("index").Int()
		if _, ok := state.toolArgs[ordinal]; !ok {
			state.toolArgs[ordinal] = &strings.Builder{}
		}
		if name := call.Get("function.name").String(); name != "" {
			state.toolNames[ordinal] = name
		}
		if args := call.Get("function.arguments"); args.Exists() {
			state.toolArgs[ordinal].WriteString(args.String())
		}
		return true
	})

	if finish := root.Get("choices.0.finish_reason"); finish.Exists() && finish.Type != gjson.Null && finish.String() != "" {
		state.finish = finish.String()
		state.flushToolCalls(&outputs)
	}

	return outputs
}

// ConvertOpenAIResponseToGeminiNonStream converts a complete OpenAI Chat
// Completions response into a Gemini generateContent response document.
func ConvertOpenAIResponseToGeminiNonStream(_ context.Context, modelName string, _ []byte, _ []byte, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"candidates":[{"content":{"parts":[],"role":"model"},"finishReason":"STOP","index":0}],"responseId":"","modelVersion":""}`
	out, _ = sjson.Set(out, "responseId", root.Get("id").String())
	model := root.Get("model").String()
	if model == "" {
		model = modelName
	}
	out, _ = sjson.Set(out, "modelVersion", model)

	message := root.Get("choices.0.message")

	if thinking := message.Get("reasoning_content"); thinking.Exists() && thinking.String() != "" {
		part := `{"text":"","thought":true}`
		part, _ = sjson.Set(part, "text", thinking.String())
		out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
	}
	if text := message.Get("content"); text.Exists() && text.Type == gjson.String && text.String() != "" {
		part := `{"text":""}`
		part, _ = sjson.Set(part, "text", text.String())
		out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
	}
	message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		part := `{"functionCall":{"name":"","args":{}}}`
		part, _ = sjson.Set(part, "functionCall.name", call.Get("function.name").String())
		args := call.Get("function.arguments").String()
		if !gjson.Valid(args) || args == "" {
			args = "{}"
		}
		part, _ = sjson.SetRaw(part, "functionCall.args", args)
		out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
		return true
	})

	if root.Get("choices.0.finish_reason").String() == "length" {
		out, _ = sjson.Set(out, "candidates.0.finishReason", "MAX_TOKENS")
	}

	prompt := root.Get("usage.prompt_tokens").Int()
	completion := root.Get("usage.completion_tokens").Int()
	out, _ = sjson.Set(out, "usageMetadata.promptTokenCount", prompt)
	out, _ = sjson.Set(out, "usageMetadata.candidatesTokenCount", completion)
	out, _ = sjson.Set(out, "usageMetadata.totalTokenCount", prompt+completion)
	return out
}

// GeminiTokenCount renders a token total in the Gemini countTokens shape.
func GeminiTokenCount(_ context.Context, count int64) string {
	out, _ := sjson.Set(`{"totalTokens":0}`, "totalTokens", count)
	return out
}
