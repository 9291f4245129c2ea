// Package claude converts Claude Messages API requests into OpenAI Chat
// Completions requests and translates the responses back into Claude SSE.
package claude

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// budgetToEffort maps a thinking token budget back onto the coarse
// reasoning effort levels understood by OpenAI-style providers.
func budgetToEffort(budget int64) string {
	switch {
	case budget <= 0:
		return ""
	case budget <= 1024:
		return "low"
	case budget <= 8192:
		return "medium"
	default:
		return "high"
	}
}

// ConvertClaudeRequestToOpenAI transforms a Claude Messages request into an
// OpenAI Chat Completions request. System prompts become a leading system
// message, tool_use/tool_result blocks become tool_calls and tool role
// messages, and the thinking budget is folded into reasoning_effort.
func ConvertClaudeRequestToOpenAI(modelName string, inputRawJSON []byte, stream bool) []byte {
	rawJSON := string(inputRawJSON)
	out := `{"model":"","messages":[]}`
	out, _ = sjson.Set(out, "model", modelName)

	root := gjson.Parse(rawJSON)

	if v := root.Get("max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_tokens", v.Int())
	}
	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "top_p", v.Float())
	}
	if v := root.Get("stop_sequences"); v.IsArray() {
		out, _ = sjson.SetRaw(out, "stop", v.Raw)
	}
	if v := root.Get("thinking.budget_tokens"); v.Exists() {
		if effort := budgetToEffort(v.Int()); effort != "" {
			out, _ = sjson.Set(out, "reasoning_effort", effort)
		}
	}
	if stream {
		out, _ = sjson.Set(out, "stream", true)
		out, _ = sjson.Set(out, "stream_options.include_usage", true)
	}

	// System prompt becomes the first chat message.
	if system := root.Get("system"); system.Exists() {
		text := ""
		if system.Type == gjson.String {
			text = system.String()
		} else if system.IsArray() {
			parts := make([]string, 0)
			system.ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "text" {
					parts = append(parts, part.Get("text").String())
				}
				return true
			})
			text = strings.Join(parts, "\n")
		}
		if text != "" {
			msg := `{"role":"system","content":""}`
			msg, _ = sjson.Set(msg, "content", text)
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		}
	}

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		content := message.Get("content")

		if content.Type == gjson.String {
			msg := `{"role":"","content":""}`
			msg, _ = sjson.Set(msg, "role", role)
			msg, _ = sjson.Set(msg, "content", content.String())
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
			return true
		}
		if !content.IsArray() {
			return true
		}

		// Tool results map to their own tool role messages, emitted before
		// the remaining user content so they stay adjacent to the assistant
		// message that requested them.
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() != "tool_result" {
				return true
			}
			msg := `{"role":"tool","tool_call_id":"","content":""}`
			msg, _ = sjson.Set(msg, "tool_call_id", block.Get("tool_use_id").String())
			msg, _ = sjson.Set(msg, "content", toolResultText(block.Get("content")))
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
			return true
		})

		texts := make([]string, 0)
		parts := make([]string, 0)
		hasImage := false
		toolCalls := make([]string, 0)
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				texts = append(texts, block.Get("text").String())
				part := `{"type":"text","text":""}`
				part, _ = sjson.Set(part, "text", block.Get("text").String())
				parts = append(parts, part)
			case "image":
				hasImage = true
				source := block.Get("source")
				url := ""
				if source.Get("type").String() == "base64" {
					url = "data:" + source.Get("media_type").String() + ";base64," + source.Get("data").String()
				} else {
					url = source.Get("url").String()
				}
				part := `{"type":"image_url","image_url":{"url":""}}`
				part, _ = sjson.Set(part, "image_url.url", url)
				parts = append(parts, part)
			case "tool_use":
				call := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
				call, _ = sjson.Set(call, "id", block.Get("id").String())
				call, _ = sjson.Set(call, "function.name", block.Get("name").String())
				args := block.Get("input").Raw
				if args == "" {
					args = "{}"
				}
				call, _ = sjson.Set(call, "function.arguments", args)
				toolCalls = append(toolCalls, call)
			}
			return true
		})

		if len(parts) == 0 && len(toolCalls) == 0 {
			return true
		}

		msg := `{"role":""}`
		msg, _ = sjson.Set(msg, "role", role)
		if hasImage {
			msg, _ = sjson.SetRaw(msg, "content", "["+strings.Join(parts, ",")+"]")
		} else if len(texts) > 0 {
			msg, _ = sjson.Set(msg, "content", strings.Join(texts, "\n"))
		} else if len(toolCalls) == 0 {
			return true
		}
		if len(toolCalls) > 0 {
			msg, _ = sjson.SetRaw(msg, "tool_calls", "["+strings.Join(toolCalls, ",")+"]")
		}
		out, _ = sjson.SetRaw(out, "messages.-1", msg)
		return true
	})

	if tools := root.Get("tools"); tools.IsArray() {
		out, _ = sjson.SetRaw(out, "tools", "[]")
		tools.ForEach(func(_, tool gjson.Result) bool {
			fn := `{"type":"function","function":{"name":""}}`
			fn, _ = sjson.Set(fn, "function.name", tool.Get("name").String())
			if desc := tool.Get("description"); desc.Exists() {
				fn, _ = sjson.Set(fn, "function.description", desc.String())
			}
			if schema := tool.Get("input_schema"); schema.Exists() {
				fn, _ = sjson.SetRaw(fn, "function.parameters", schema.Raw)
			}
			out, _ = sjson.SetRaw(out, "tools.-1", fn)
			return true
		})
	}

	if choice := root.Get("tool_choice"); choice.Exists() {
		switch choice.Get("type").String() {
		case "auto":
			out, _ = sjson.Set(out, "tool_choice", "auto")
		case "any":
			out, _ = sjson.Set(out, "tool_choice", "required")
		case "tool":
			forced := `{"type":"function","function":{"name":""}}`
			forced, _ = sjson.Set(forced, "function.name", choice.Get("name").String())
			out, _ = sjson.SetRaw(out, "tool_choice", forced)
		}
	}

	return []byte(out)
}

// toolResultText flattens a tool_result content value, which may be a plain
// string or an array of text blocks, into a single string.
func toolResultText(content gjson.Result) string {
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
	return content.Raw
}
