// Package claude converts Claude Messages API requests into Codex Responses
// API requests and translates the event stream back into Claude SSE.
package claude

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

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

// ConvertClaudeRequestToCodex transforms a Claude Messages request into a
// Codex Responses request. The system prompt becomes instructions, messages
// become input items and the thinking budget folds into reasoning effort.
// Sampling parameters are dropped because the Codex endpoint rejects them,
// and streaming is always forced on.
func ConvertClaudeRequestToCodex(modelName string, inputRawJSON []byte, _ bool) []byte {
	rawJSON := string(inputRawJSON)
	out := `{"model":"","instructions":"","input":[],"stream":true,"store":false,"parallel_tool_calls":true,"include":["reasoning.encrypted_content"]}`
	out, _ = sjson.Set(out, "model", modelName)

	root := gjson.Parse(rawJSON)

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
		out, _ = sjson.Set(out, "instructions", text)
	}

	if v := root.Get("thinking.budget_tokens"); v.Exists() {
		if effort := budgetToEffort(v.Int()); effort != "" {
			out, _ = sjson.Set(out, "reasoning.effort", effort)
			out, _ = sjson.Set(out, "reasoning.summary", "auto")
		}
	}

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		content := message.Get("content")

		if content.Type == gjson.String {
			out, _ = sjson.SetRaw(out, "input.-1", textItem(role, content.String()))
			return true
		}
		if !content.IsArray() {
			return true
		}

		texts := make([]string, 0)
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				texts = append(texts, block.Get("text").String())
			case "tool_use":
				if len(texts) > 0 {
					out, _ = sjson.SetRaw(out, "input.-1", textItem(role, strings.Join(texts, "\n")))
					texts = texts[:0]
				}
				item := `{"type":"function_call","call_id":"","name":"","arguments":""}`
				item, _ = sjson.Set(item, "call_id", block.Get("id").String())
				item, _ = sjson.Set(item, "name", block.Get("name").String())
				args := block.Get("input").Raw
				if args == "" {
					args = "{}"
				}
				item, _ = sjson.Set(item, "arguments", args)
				out, _ = sjson.SetRaw(out, "input.-1", item)
			case "tool_result":
				item := `{"type":"function_call_output","call_id":"","output":""}`
				item, _ = sjson.Set(item, "call_id", block.Get("tool_use_id").String())
				item, _ = sjson.Set(item, "output", toolResultText(block.Get("content")))
				out, _ = sjson.SetRaw(out, "input.-1", item)
			}
			return true
		})
		if len(texts) > 0 {
			out, _ = sjson.SetRaw(out, "input.-1", textItem(role, strings.Join(texts, "\n")))
		}
		return true
	})

	if tools := root.Get("tools"); tools.IsArray() {
		out, _ = sjson.SetRaw(out, "tools", "[]")
		tools.ForEach(func(_, tool gjson.Result) bool {
			fn := `{"type":"function","name":"","strict":false}`
			fn, _ = sjson.Set(fn, "name", tool.Get("name").String())
			if desc := tool.Get("description"); desc.Exists() {
				fn, _ = sjson.Set(fn, "description", desc.String())
			}
			if schema := tool.Get("input_schema"); schema.Exists() {
				fn, _ = sjson.SetRaw(fn, "parameters", schema.Raw)
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
			forced := `{"type":"function","name":""}`
			forced, _ = sjson.Set(forced, "name", choice.Get("name").String())
			out, _ = sjson.SetRaw(out, "tool_choice", forced)
		}
	}

	return []byte(out)
}

// textItem builds a Codex message input item. User content uses input_text
// parts, assistant content uses output_text.
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
