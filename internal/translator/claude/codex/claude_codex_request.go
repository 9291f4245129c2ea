// Package codex converts Codex Responses API requests into Claude Messages
// API requests and renders the responses back as Responses API events.
package codex

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var effortBudgets = map[string]int64{
	"minimal": 1024,
	"low":     1024,
	"medium":  8192,
	"high":    24576,
}

// ConvertCodexRequestToClaude transforms a Codex Responses request into a
// Claude Messages request. Instructions become the system prompt, input
// items become messages and reasoning effort maps onto a thinking budget.
func ConvertCodexRequestToClaude(modelName string, inputRawJSON []byte, stream bool) []byte {
	rawJSON := string(inputRawJSON)
	out := `{"model":"","max_tokens":32000,"messages":[]}`
	out, _ = sjson.Set(out, "model", modelName)

	root := gjson.Parse(rawJSON)

	if v := root.Get("max_output_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_tokens", v.Int())
	}
	if stream {
		out, _ = sjson.Set(out, "stream", true)
	}
	if instructions := root.Get("instructions"); instructions.Exists() && instructions.String() != "" {
		out, _ = sjson.Set(out, "system", instructions.String())
	}
	if effort := root.Get("reasoning.effort"); effort.Exists() {
		if budget, ok := effortBudgets[effort.String()]; ok {
			out, _ = sjson.Set(out, "thinking.type", "enabled")
			out, _ = sjson.Set(out, "thinking.budget_tokens", budget)
		}
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
			block := `{"type":"tool_use","id":"","name":"","input":{}}`
			block, _ = sjson.Set(block, "id", item.Get("call_id").String())
			block, _ = sjson.Set(block, "name", item.Get("name").String())
			if args := item.Get("arguments").String(); gjson.Valid(args) && args != "" {
				block, _ = sjson.SetRaw(block, "input", args)
			}
			msg := `{"role":"assistant","content":[]}`
			msg, _ = sjson.SetRaw(msg, "content.-1", block)
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		case "function_call_output":
			block := `{"type":"tool_result","tool_use_id":"","content":""}`
			block, _ = sjson.Set(block, "tool_use_id", item.Get("call_id").String())
			block, _ = sjson.Set(block, "content", item.Get("output").String())
			msg := `{"role":"user","content":[]}`
			msg, _ = sjson.SetRaw(msg, "content.-1", block)
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		case "message", "":
			role := item.Get("role").String()
			if role == "" {
				return true
			}
			if role != "assistant" {
				role = "user"
			}
			msg := `{"role":"","content":[]}`
			msg, _ = sjson.Set(msg, "role", role)
			content := item.Get("content")
			if content.Type == gjson.String {
				block := `{"type":"text","text":""}`
				block, _ = sjson.Set(block, "text", content.String())
				msg, _ = sjson.SetRaw(msg, "content.-1", block)
			} else {
				content.ForEach(func(_, part gjson.Result) bool {
					switch part.Get("type").String() {
					case "input_text", "output_text", "text":
						block := `{"type":"text","text":""}`
						block, _ = sjson.Set(block, "text", part.Get("text").String())
						msg, _ = sjson.SetRaw(msg, "content.-1", block)
					case "input_image":
						url := part.Get("image_url").String()
						if mime, data, ok := splitDataURL(url); ok {
							block := `{"type":"image","source":{"type":"base64","media_type":"","data":""}}`
							block, _ = sjson.Set(block, "source.media_type", mime)
							block, _ = sjson.Set(block, "source.data", data)
							msg, _ = sjson.SetRaw(msg, "content.-1", block)
						} else if url != "" {
							block := `{"type":"image","source":{"type":"url","url":""}}`
							block, _ = sjson.Set(block, "source.url", url)
							msg, _ = sjson.SetRaw(msg, "content.-1", block)
						}
					}
					return true
				})
			}
			if gjson.Get(msg, "content.#").Int() > 0 {
				out, _ = sjson.SetRaw(out, "messages.-1", msg)
			}
		}
		return true
	})

	if tools := root.Get("tools"); tools.IsArray() {
		out, _ = sjson.SetRaw(out, "tools", "[]")
		tools.ForEach(func(_, tool gjson.Result) bool {
			if tool.Get("type").String() != "function" {
				return true
			}
			entry := `{"name":""}`
			entry, _ = sjson.Set(entry, "name", tool.Get("name").String())
			if desc := tool.Get("description"); desc.Exists() {
				entry, _ = sjson.Set(entry, "description", desc.String())
			}
			if params := tool.Get("parameters"); params.Exists() {
				entry, _ = sjson.SetRaw(entry, "input_schema", params.Raw)
			}
			out, _ = sjson.SetRaw(out, "tools.-1", entry)
			return true
		})
	}

	if choice := root.Get("tool_choice"); choice.Exists() {
		if choice.Type == gjson.String {
			switch choice.String() {
			case "auto":
				out, _ = sjson.SetRaw(out, "tool_choice", `{"type":"auto"}`)
			case "required":
				out, _ = sjson.SetRaw(out, "tool_choice", `{"type":"any"}`)
			}
		} else if name := choice.Get("name"); name.Exists() {
			forced := `{"type":"tool","name":""}`
			forced, _ = sjson.Set(forced, "name", name.String())
			out, _ = sjson.SetRaw(out, "tool_choice", forced)
		}
	}

	return []byte(out)
}

func splitDataURL(url string) (mime, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	mime, data, found = strings.Cut(rest, ";base64,")
	if !found {
		return "", "", false
	}
	return mime, data, true
}
