// Package claude converts Claude Messages API requests into Gemini
// generateContent requests and translates the responses back into Claude
// SSE events.
package claude

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/routegate/routegate/internal/util"
)

// toolNameFromID recovers the function name from a generated tool id of the
// form {name}-{ordinal}.
func toolNameFromID(id string) string {
	if i := strings.LastIndex(id, "-"); i > 0 {
		return id[:i]
	}
	return id
}

// ConvertClaudeRequestToGemini transforms a Claude Messages request into a
// Gemini generateContent request. System prompts become systemInstruction,
// tool_use/tool_result pairs become functionCall/functionResponse parts and
// the thinking budget maps onto thinkingConfig.
func ConvertClaudeRequestToGemini(_ string, inputRawJSON []byte, _ bool) []byte {
	rawJSON := string(inputRawJSON)
	out := `{"contents":[]}`

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
		if text != "" {
			instr := `{"parts":[{"text":""}]}`
			instr, _ = sjson.Set(instr, "parts.0.text", text)
			out, _ = sjson.SetRaw(out, "systemInstruction", instr)
		}
	}

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := "user"
		if message.Get("role").String() == "assistant" {
			role = "model"
		}
		entry := `{"role":"","parts":[]}`
		entry, _ = sjson.Set(entry, "role", role)

		content := message.Get("content")
		if content.Type == gjson.String {
			part := `{"text":""}`
			part, _ = sjson.Set(part, "text", content.String())
			entry, _ = sjson.SetRaw(entry, "parts.-1", part)
		} else if content.IsArray() {
			content.ForEach(func(_, block gjson.Result) bool {
				switch block.Get("type").String() {
				case "text":
					part := `{"text":""}`
					part, _ = sjson.Set(part, "text", block.Get("text").String())
					entry, _ = sjson.SetRaw(entry, "parts.-1", part)
				case "image":
					source := block.Get("source")
					if source.Get("type").String() == "base64" {
						part := `{"inlineData":{"mimeType":"","data":""}}`
						part, _ = sjson.Set(part, "inlineData.mimeType", source.Get("media_type").String())
						part, _ = sjson.Set(part, "inlineData.data", source.Get("data").String())
						entry, _ = sjson.SetRaw(entry, "parts.-1", part)
					}
				case "tool_use":
					part := `{"functionCall":{"name":"","args":{}}}`
					part, _ = sjson.Set(part, "functionCall.name", block.Get("name").String())
					if input := block.Get("input"); input.Exists() && input.Raw != "" {
						part, _ = sjson.SetRaw(part, "functionCall.args", input.Raw)
					}
					entry, _ = sjson.SetRaw(entry, "parts.-1", part)
				case "tool_result":
					part := `{"functionResponse":{"name":"","response":{}}}`
					part, _ = sjson.Set(part, "functionResponse.name", toolNameFromID(block.Get("tool_use_id").String()))
					result := block.Get("content")
					if result.Type == gjson.String {
						part, _ = sjson.Set(part, "functionResponse.response.result", result.String())
					} else if result.IsArray() {
						texts := make([]string, 0)
						result.ForEach(func(_, rp gjson.Result) bool {
							if rp.Get("type").String() == "text" {
								texts = append(texts, rp.Get("text").String())
							}
							return true
						})
						part, _ = sjson.Set(part, "functionResponse.response.result", strings.Join(texts, "\n"))
					} else if result.Exists() {
						part, _ = sjson.SetRaw(part, "functionResponse.response.result", result.Raw)
					}
					entry, _ = sjson.SetRaw(entry, "parts.-1", part)
				}
				return true
			})
		}

		if gjson.Get(entry, "parts.#").Int() > 0 {
			out, _ = sjson.SetRaw(out, "contents.-1", entry)
		}
		return true
	})

	if v := root.Get("max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.maxOutputTokens", v.Int())
	}
	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.topP", v.Float())
	}
	if v := root.Get("stop_sequences"); v.IsArray() {
		out, _ = sjson.SetRaw(out, "generationConfig.stopSequences", v.Raw)
	}
	if v := root.Get("thinking.budget_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.thinkingConfig.thinkingBudget", v.Int())
		out, _ = sjson.Set(out, "generationConfig.thinkingConfig.includeThoughts", true)
	}

	if tools := root.Get("tools"); tools.IsArray() && len(tools.Array()) > 0 {
		decls := "[]"
		tools.ForEach(func(_, tool gjson.Result) bool {
			decl := `{"name":""}`
			decl, _ = sjson.Set(decl, "name", tool.Get("name").String())
			if desc := tool.Get("description"); desc.Exists() {
				decl, _ = sjson.Set(decl, "description", desc.String())
			}
			if schema := tool.Get("input_schema"); schema.Exists() {
				decl, _ = sjson.SetRaw(decl, "parameters", util.CleanToolSchema(schema.Raw))
			}
			decls, _ = sjson.SetRaw(decls, "-1", decl)
			return true
		})
		out, _ = sjson.SetRaw(out, "tools", `[{"functionDeclarations":`+decls+`}]`)
	}

	if choice := root.Get("tool_choice"); choice.Exists() {
		switch choice.Get("type").String() {
		case "auto":
			out, _ = sjson.Set(out, "toolConfig.functionCallingConfig.mode", "AUTO")
		case "any":
			out, _ = sjson.Set(out, "toolConfig.functionCallingConfig.mode", "ANY")
		case "tool":
			out, _ = sjson.Set(out, "toolConfig.functionCallingConfig.mode", "ANY")
			out, _ = sjson.Set(out, "toolConfig.functionCallingConfig.allowedFunctionNames.0", choice.Get("name").String())
		}
	}

	return []byte(out)
}
