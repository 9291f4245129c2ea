// Package gemini converts Gemini generateContent requests into Claude
// Messages API requests and renders the responses back in Gemini shape.
package gemini

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertGeminiRequestToClaude transforms a Gemini generateContent request
// into a Claude Messages request. functionCall parts get synthetic tool ids
// of the form {name}-{ordinal} so the paired functionResponse can be wired
// back to the right tool_use block.
func ConvertGeminiRequestToClaude(modelName string, inputRawJSON []byte, stream bool) []byte {
	rawJSON := string(inputRawJSON)
	out := `{"model":"","max_tokens":32000,"messages":[]}`
	out, _ = sjson.Set(out, "model", modelName)

	root := gjson.Parse(rawJSON)

	if stream {
		out, _ = sjson.Set(out, "stream", true)
	}

	if instr := root.Get("systemInstruction.parts"); instr.IsArray() {
		texts := make([]string, 0)
		instr.ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text").String(); t != "" {
				texts = append(texts, t)
			}
			return true
		})
		if len(texts) > 0 {
			out, _ = sjson.Set(out, "system", strings.Join(texts, "\n"))
		}
	}

	toolCount := 0
	lastToolID := make(map[string]string)
	root.Get("contents").ForEach(func(_, content gjson.Result) bool {
		role := "user"
		if content.Get("role").String() == "model" {
			role = "assistant"
		}
		msg := `{"role":"","content":[]}`
		msg, _ = sjson.Set(msg, "role", role)

		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if fc := part.Get("functionCall"); fc.Exists() {
				name := fc.Get("name").String()
				id := fmt.Sprintf("%s-%d", name, toolCount)
				toolCount++
				lastToolID[name] = id
				block := `{"type":"tool_use","id":"","name":"","input":{}}`
				block, _ = sjson.Set(block, "id", id)
				block, _ = sjson.Set(block, "name", name)
				if args := fc.Get("args"); args.Exists() && args.Raw != "" {
					block, _ = sjson.SetRaw(block, "input", args.Raw)
				}
				msg, _ = sjson.SetRaw(msg, "content.-1", block)
				return true
			}
			if fr := part.Get("functionResponse"); fr.Exists() {
				name := fr.Get("name").String()
				id, ok := lastToolID[name]
				if !ok {
					id = fmt.Sprintf("%s-0", name)
				}
				block := `{"type":"tool_result","tool_use_id":"","content":""}`
				block, _ = sjson.Set(block, "tool_use_id", id)
				response := fr.Get("response.result")
				if !response.Exists() {
					response = fr.Get("response")
				}
				if response.Type == gjson.String {
					block, _ = sjson.Set(block, "content", response.String())
				} else if response.Exists() {
					block, _ = sjson.Set(block, "content", response.Raw)
				}
				msg, _ = sjson.SetRaw(msg, "content.-1", block)
				return true
			}
			if inline := part.Get("inlineData"); inline.Exists() {
				block := `{"type":"image","source":{"type":"base64","media_type":"","data":""}}`
				block, _ = sjson.Set(block, "source.media_type", inline.Get("mimeType").String())
				block, _ = sjson.Set(block, "source.data", inline.Get("data").String())
				msg, _ = sjson.SetRaw(msg, "content.-1", block)
				return true
			}
			if text := part.Get("text"); text.Exists() && text.String() != "" && !part.Get("thought").Bool() {
				block := `{"type":"text","text":""}`
				block, _ = sjson.Set(block, "text", text.String())
				msg, _ = sjson.SetRaw(msg, "content.-1", block)
			}
			return true
		})

		if gjson.Get(msg, "content.#").Int() > 0 {
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		}
		return true
	})

	config := root.Get("generationConfig")
	if v := config.Get("maxOutputTokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_tokens", v.Int())
	}
	if v := config.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "temperature", v.Float())
	}
	if v := config.Get("topP"); v.Exists() {
		out, _ = sjson.Set(out, "top_p", v.Float())
	}
	if v := config.Get("stopSequences"); v.IsArray() {
		out, _ = sjson.SetRaw(out, "stop_sequences", v.Raw)
	}
	if v := config.Get("thinkingConfig.thinkingBudget"); v.Exists() && v.Int() > 0 {
		out, _ = sjson.Set(out, "thinking.type", "enabled")
		out, _ = sjson.Set(out, "thinking.budget_tokens", v.Int())
	}

	if decls := root.Get("tools.0.functionDeclarations"); decls.IsArray() {
		out, _ = sjson.SetRaw(out, "tools", "[]")
		decls.ForEach(func(_, decl gjson.Result) bool {
			tool := `{"name":""}`
			tool, _ = sjson.Set(tool, "name", decl.Get("name").String())
			if desc := decl.Get("description"); desc.Exists() {
				tool, _ = sjson.Set(tool, "description", desc.String())
			}
			if params := decl.Get("parameters"); params.Exists() {
				tool, _ = sjson.SetRaw(tool, "input_schema", params.Raw)
			} else {
				tool, _ = sjson.SetRaw(tool, "input_schema", `{"type":"object"}`)
			}
			out, _ = sjson.SetRaw(out, "tools.-1", tool)
			return true
		})
	}

	if mode := root.Get("toolConfig.functionCallingConfig.mode"); mode.Exists() {
		switch mode.String() {
		case "AUTO":
			out, _ = sjson.SetRaw(out, "tool_choice", `{"type":"auto"}`)
		case "ANY":
			if name := root.Get("toolConfig.functionCallingConfig.allowedFunctionNames.0"); name.Exists() {
				forced := `{"type":"tool","name":""}`
				forced, _ = sjson.Set(forced, "name", name.String())
				out, _ = sjson.SetRaw(out, "tool_choice", forced)
			} else {
				out, _ = sjson.SetRaw(out, "tool_choice", `{"type":"any"}`)
			}
		}
	}

	return []byte(out)
}
