// Package gemini converts Gemini generateContent requests into OpenAI Chat
// Completions requests and renders the responses back in Gemini shape.
package gemini

import (
	"fmt"
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

// ConvertGeminiRequestToOpenAI transforms a Gemini generateContent request
// into an OpenAI Chat Completions request. functionCall parts get synthetic
// tool ids of the form {name}-{ordinal} so the paired functionResponse can
// reference them as tool_call_id.
func ConvertGeminiRequestToOpenAI(modelName string, inputRawJSON []byte, stream bool) []byte {
	rawJSON := string(inputRawJSON)
	out := `{"model":"","messages":[]}`
	out, _ = sjson.Set(out, "model", modelName)

	root := gjson.Parse(rawJSON)

	if instr := root.Get("systemInstruction.parts"); instr.IsArray() {
		texts := make([]string, 0)
		instr.ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text").String(); t != "" {
				texts = append(texts, t)
			}
			return true
		})
		if len(texts) > 0 {
			msg := `{"role":"system","content":""}`
			msg, _ = sjson.Set(msg, "content", strings.Join(texts, "\n"))
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		}
	}

	toolCount := 0
	lastToolID := make(map[string]string)
	root.Get("contents").ForEach(func(_, content gjson.Result) bool {
		role := "user"
		if content.Get("role").String() == "model" {
			role = "assistant"
		}

		texts := make([]string, 0)
		parts := make([]string, 0)
		hasImage := false
		toolCalls := make([]string, 0)

		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if fc := part.Get("functionCall"); fc.Exists() {
				name := fc.Get("name").String()
				id := fmt.Sprintf("%s-%d", name, toolCount)
				toolCount++
				lastToolID[name] = id
				call := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
				call, _ = sjson.Set(call, "id", id)
				call, _ = sjson.Set(call, "function.name", name)
				args := fc.Get("args").Raw
				if args == "" {
					args = "{}"
				}
				call, _ = sjson.Set(call, "function.arguments", args)
				toolCalls = append(toolCalls, call)
				return true
			}
			if fr := part.Get("functionResponse"); fr.Exists() {
				name := fr.Get("name").String()
				id, ok := lastToolID[name]
				if !ok {
					id = fmt.Sprintf("%s-0", name)
				}
				msg := `{"role":"tool","tool_call_id":"","content":""}`
				msg, _ = sjson.Set(msg, "tool_call_id", id)
				response := fr.Get("response.result")
				if !response.Exists() {
					response = fr.Get("response")
				}
				if response.Type == gjson.String {
					msg, _ = sjson.Set(msg, "content", response.String())
				} else if response.Exists() {
					msg, _ = sjson.Set(msg, "content", response.Raw)
				}
				out, _ = sjson.SetRaw(out, "messages.-1", msg)
				return true
			}
			if inline := part.Get("inlineData"); inline.Exists() {
				hasImage = true
				p := `{"type":"image_url","image_url":{"url":""}}`
				p, _ = sjson.Set(p, "image_url.url", "data:"+inline.Get("mimeType").String()+";base64,"+inline.Get("data").String())
				parts = append(parts, p)
				return true
			}
			if text := part.Get("text"); text.Exists() && text.String() != "" && !part.Get("thought").Bool() {
				texts = append(texts, text.String())
				p := `{"type":"text","text":""}`
				p, _ = sjson.Set(p, "text", text.String())
				parts = append(parts, p)
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
		}
		if len(toolCalls) > 0 {
			msg, _ = sjson.SetRaw(msg, "tool_calls", "["+strings.Join(toolCalls, ",")+"]")
		}
		out, _ = sjson.SetRaw(out, "messages.-1", msg)
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
		out, _ = sjson.SetRaw(out, "stop", v.Raw)
	}
	if v := config.Get("thinkingConfig.thinkingBudget"); v.Exists() {
		if effort := budgetToEffort(v.Int()); effort != "" {
			out, _ = sjson.Set(out, "reasoning_effort", effort)
		}
	}
	if stream {
		out, _ = sjson.Set(out, "stream", true)
		out, _ = sjson.Set(out, "stream_options.include_usage", true)
	}

	if decls := root.Get("tools.0.functionDeclarations"); decls.IsArray() {
		out, _ = sjson.SetRaw(out, "tools", "[]")
		decls.ForEach(func(_, decl gjson.Result) bool {
			fn := `{"type":"function","function":{"name":""}}`
			fn, _ = sjson.Set(fn, "function.name", decl.Get("name").String())
			if desc := decl.Get("description"); desc.Exists() {
				fn, _ = sjson.Set(fn, "function.description", desc.String())
			}
			if params := decl.Get("parameters"); params.Exists() {
				fn, _ = sjson.SetRaw(fn, "function.parameters", params.Raw)
			}
			out, _ = sjson.SetRaw(out, "tools.-1", fn)
			return true
		})
	}

	if mode := root.Get("toolConfig.functionCallingConfig.mode"); mode.Exists() {
		switch mode.String() {
		case "AUTO":
			out, _ = sjson.Set(out, "tool_choice", "auto")
		case "NONE":
			out, _ = sjson.Set(out, "tool_choice", "none")
		case "ANY":
			if name := root.Get("toolConfig.functionCallingConfig.allowedFunctionNames.0"); name.Exists() {
				forced := `{"type":"function","function":{"name":""}}`
				forced, _ = sjson.Set(forced, "function.name", name.String())
				out, _ = sjson.SetRaw(out, "tool_choice", forced)
			} else {
				out, _ = sjson.Set(out, "tool_choice", "required")
			}
		}
	}

	return []byte(out)
}
