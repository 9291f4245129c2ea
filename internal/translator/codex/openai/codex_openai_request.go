// Package openai converts OpenAI Chat Completions requests into Codex
// Responses API requests and translates the event stream back into Chat
// Completions chunks.
package openai

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertOpenAIRequestToCodex transforms an OpenAI Chat Completions request
// into a Codex Responses request. System and developer messages join into
// the instructions field verbatim, chat messages become input items and
// nested tool definitions are flattened. Sampling parameters are dropped
// and streaming is forced on.
func ConvertOpenAIRequestToCodex(modelName string, inputRawJSON []byte, _ bool) []byte {
	rawJSON := string(inputRawJSON)
	out := `{"model":"","input":[],"stream":true,"store":false,"parallel_tool_calls":true,"include":["reasoning.encrypted_content"]}`
	out, _ = sjson.Set(out, "model", modelName)

	root := gjson.Parse(rawJSON)

	if v := root.Get("reasoning_effort"); v.Exists() {
		out, _ = sjson.Set(out, "reasoning.effort", v.String())
		out, _ = sjson.Set(out, "reasoning.summary", "auto")
	}

	systemTexts := make([]string, 0)
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		content := message.Get("content")

		switch role {
		case "system", "developer":
			systemTexts = append(systemTexts, messageText(content))
		case "tool":
			item := `{"type":"function_call_output","call_id":"","output":""}`
			item, _ = sjson.Set(item, "call_id", message.Get("tool_call_id").String())
			item, _ = sjson.Set(item, "output", messageText(content))
			out, _ = sjson.SetRaw(out, "input.-1", item)
		case "assistant":
			if text := messageText(content); text != "" {
				out, _ = sjson.SetRaw(out, "input.-1", textItem(role, text))
			}
			message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
				item := `{"type":"function_call","call_id":"","name":"","arguments":""}`
				item, _ = sjson.Set(item, "call_id", call.Get("id").String())
				item, _ = sjson.Set(item, "name", call.Get("function.name").String())
				item, _ = sjson.Set(item, "arguments", call.Get("function.arguments").String())
				out, _ = sjson.SetRaw(out, "input.-1", item)
				return true
			})
		default:
			if content.IsArray() {
				item := `{"type":"message","role":"user","content":[]}`
				content.ForEach(func(_, part gjson.Result) bool {
					switch part.Get("type").String() {
					case "text":
						p := `{"type":"input_text","text":""}`
						p, _ = sjson.Set(p, "text", part.Get("text").String())
						item, _ = sjson.SetRaw(item, "content.-1", p)
					case "image_url":
						p := `{"type":"input_image","image_url":""}`
						p, _ = sjson.Set(p, "image_url", part.Get("image_url.url").String())
						item, _ = sjson.SetRaw(item, "content.-1", p)
					}
					return true
				})
				out, _ = sjson.SetRaw(out, "input.-1", item)
			} else if text := content.String(); text != "" {
				out, _ = sjson.SetRaw(out, "input.-1", textItem("user", text))
			}
		}
		return true
	})

	if len(systemTexts) > 0 {
		out, _ = sjson.Set(out, "instructions", strings.Join(systemTexts, "\n"))
	}

	if tools := root.Get("tools"); tools.IsArray() {
		out, _ = sjson.SetRaw(out, "tools", "[]")
		tools.ForEach(func(_, tool gjson.Result) bool {
			fn := tool.Get("function")
			flat := `{"type":"function","name":"","strict":false}`
			flat, _ = sjson.Set(flat, "name", fn.Get("name").String())
			if desc := fn.Get("description"); desc.Exists() {
				flat, _ = sjson.Set(flat, "description", desc.String())
			}
			if params := fn.Get("parameters"); params.Exists() {
				flat, _ = sjson.SetRaw(flat, "parameters", params.Raw)
			}
			out, _ = sjson.SetRaw(out, "tools.-1", flat)
			return true
		})
	}

	if choice := root.Get("tool_choice"); choice.Exists() {
		if choice.Type == gjson.String {
			out, _ = sjson.Set(out, "tool_choice", choice.String())
		} else if name := choice.Get("function.name"); name.Exists() {
			forced := `{"type":"function","name":""}`
			forced, _ = sjson.Set(forced, "name", name.String())
			out, _ = sjson.SetRaw(out, "tool_choice", forced)
		}
	}

	return []byte(out)
}

// messageText flattens a chat message content value, either a string or an
// array of text parts, into one string.
func messageText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		parts := make([]string, 0)
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				parts = append(parts, part.Get("text").String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return ""
}

func textItem(role, text string) string {
	partType := "input_text"
	if role == "assistant" {
		partType = "output_text"
	}
	item := `{"type":"message","role":"","content":[{"type":"","text":""}]}`
	item, _ = sjson.Set(item, "role", role)
	item, _ = sjson.Set(item, "content.0.type", partType)
	item, _ = sjson.Set(item, "content.0.text", text)
	return item
}
