// Package codex converts Codex Responses API requests into OpenAI Chat
// Completions requests and renders the responses back as Responses API
// events.
package codex

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertCodexRequestToOpenAI transforms a Codex Responses request into an
// OpenAI Chat Completions request. Instructions become a system message,
// input items become chat messages and flattened tool definitions are
// nested back under function.
func ConvertCodexRequestToOpenAI(modelName string, inputRawJSON []byte, stream bool) []byte {
	rawJSON := string(inputRawJSON)
	out := `{"model":"","messages":[]}`
	out, _ = sjson.Set(out, "model", modelName)

	root := gjson.Parse(rawJSON)

	if v := root.Get("max_output_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_tokens", v.Int())
	}
	if v := root.Get("reasoning.effort"); v.Exists() {
		out, _ = sjson.Set(out, "reasoning_effort", v.String())
	}
	if stream {
		out, _ = sjson.Set(out, "stream", true)
		out, _ = sjson.Set(out, "stream_options.include_usage", true)
	}

	if instructions := root.Get("instructions"); instructions.Exists() && instructions.String() != "" {
		msg := `{"role":"system","content":""}`
		msg, _ = sjson.Set(msg, "content", instructions.String())
		out, _ = sjson.SetRaw(out, "messages.-1", msg)
	}

	input := root.Get("input")
	if input.Type == gjson.String {
		msg := `{"role":"user","content":""}`
		msg, _ = sjson.Set(msg, "content", input.String())
		out, _ = sjson.SetRaw(out, "messages.-1", msg)
	}
	input.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "function_call":
			call := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
			call, _ = sjson.Set(call, "id", item.Get("call_id").String())
			call, _ = sjson.Set(call, "function.name", item.Get("name").String())
			call, _ = sjson.Set(call, "function.arguments", item.Get("arguments").String())
			msg := `{"role":"assistant","tool_calls":[]}`
			msg, _ = sjson.SetRaw(msg, "tool_calls.-1", call)
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		case "function_call_output":
			msg := `{"role":"tool","tool_call_id":"","content":""}`
			msg, _ = sjson.Set(msg, "tool_call_id", item.Get("call_id").String())
			msg, _ = sjson.Set(msg, "content", item.Get("output").String())
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		case "message", "":
			role := item.Get("role").String()
			if role == "" {
				return true
			}
			if role != "assistant" && role != "system" && role != "developer" {
				role = "user"
			}
			content := item.Get("content")
			texts := make([]string, 0)
			parts := make([]string, 0)
			hasImage := false
			if content.Type == gjson.String {
				texts = append(texts, content.String())
			} else {
				content.ForEach(func(_, part gjson.Result) bool {
					switch part.Get("type").String() {
					case "input_text", "output_text", "text":
						texts = append(texts, part.Get("text").String())
						p := `{"type":"text","text":""}`
						p, _ = sjson.Set(p, "text", part.Get("text").String())
						parts = append(parts, p)
					case "input_image":
						hasImage = true
						p := `{"type":"image_url","image_url":{"url":""}}`
						p, _ = sjson.Set(p, "image_url.url", part.Get("image_url").String())
						parts = append(parts, p)
					}
					return true
				})
			}
			if len(texts) == 0 && len(parts) == 0 {
				return true
			}
			msg := `{"role":""}`
			msg, _ = sjson.Set(msg, "role", role)
			if hasImage {
				msg, _ = sjson.SetRaw(msg, "content", "["+strings.Join(parts, ",")+"]")
			} else {
				msg, _ = sjson.Set(msg, "content", strings.Join(texts, "\n"))
			}
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		}
		return true
	})

	if tools := root.Get("tools"); tools.IsArray() {
		out, _ = sjson.SetRaw(out, "tools", "[]")
		tools.ForEach(func(_, tool gjson.Result) bool {
			if tool.Get("type").String() != "function" {
				return true
			}
			fn := `{"type":"function","function":{"name":""}}`
			fn, _ = sjson.Set(fn, "function.name", tool.Get("name").String())
			if desc := tool.Get("description"); desc.Exists() {
				fn, _ = sjson.Set(fn, "function.description", desc.String())
			}
			if params := tool.Get("parameters"); params.Exists() {
				fn, _ = sjson.SetRaw(fn, "function.parameters", params.Raw)
			}
			out, _ = sjson.SetRaw(out, "tools.-1", fn)
			return true
		})
	}

	if choice := root.Get("tool_choice"); choice.Exists() {
		if choice.Type == gjson.String {
			out, _ = sjson.Set(out, "tool_choice", choice.String())
		} else if name := choice.Get("name"); name.Exists() {
			forced := `{"type":"function","function":{"name":""}}`
			forced, _ = sjson.Set(forced, "function.name", name.String())
			out, _ = sjson.SetRaw(out, "tool_choice", forced)
		}
	}

	return []byte(out)
}
