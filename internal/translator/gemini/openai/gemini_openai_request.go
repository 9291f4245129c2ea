// Package openai converts OpenAI Chat Completions requests into Gemini
// generateContent requests and translates the responses back into Chat
// Completions chunks.
package openai

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/routegate/routegate/internal/util"
)

var effortBudgets = map[string]int64{
	"minimal": 1024,
	"low":     1024,
	"medium":  8192,
	"high":    24576,
}

func toolNameFromID(id string) string {
	if i := strings.LastIndex(id, "-"); i > 0 {
		return id[:i]
	}
	return id
}

// ConvertOpenAIRequestToGemini transforms an OpenAI Chat Completions
// request into a Gemini generateContent request. System messages become
// systemInstruction, tool_calls become functionCall parts and
// reasoning_effort maps onto a thinking budget.
func ConvertOpenAIRequestToGemini(_ string, inputRawJSON []byte, _ bool) []byte {
	rawJSON := string(inputRawJSON)
	out := `{"contents":[]}`

	root := gjson.Parse(rawJSON)

	systemTexts := make([]string, 0)
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		content := message.Get("content")

		switch role {
		case "system", "developer":
			systemTexts = append(systemTexts, flattenText(content))
			return true
		case "tool":
			entry := `{"role":"user","parts":[{"functionResponse":{"name":"","response":{}}}]}`
			entry, _ = sjson.Set(entry, "parts.0.functionResponse.name", toolNameFromID(message.Get("tool_call_id").String()))
			entry, _ = sjson.Set(entry, "parts.0.functionResponse.response.result", flattenText(content))
			out, _ = sjson.SetRaw(out, "contents.-1", entry)
			return true
		}

		geminiRole := "user"
		if role == "assistant" {
			geminiRole = "model"
		}
		entry := `{"role":"","parts":[]}`
		entry, _ = sjson.Set(entry, "role", geminiRole)

		if content.Type == gjson.String && content.String() != "" {
			part := `{"text":""}`
			part, _ = sjson.Set(part, "text", content.String())
			entry, _ = sjson.SetRaw(entry, "parts.-1", part)
		} else if content.IsArray() {
			content.ForEach(func(_, p gjson.Result) bool {
				switch p.Get("type").String() {
				case "text":
					part := `{"text":""}`
					part, _ = sjson.Set(part, "text", p.Get("text").String())
					entry, _ = sjson.SetRaw(entry, "parts.-1", part)
				case "image_url":
					url := p.Get("image_url.url").String()
					if mime, data, ok := splitDataURL(url); ok {
						part := `{"inlineData":{"mimeType":"","data":""}}`
						part, _ = sjson.Set(part, "inlineData.mimeType", mime)
						part, _ = sjson.Set(part, "inlineData.data", data)
						entry, _ = sjson.SetRaw(entry, "parts.-1", part)
					} else {
						part := `{"fileData":{"fileUri":""}}`
						part, _ = sjson.Set(part, "fileData.fileUri", url)
						entry, _ = sjson.SetRaw(entry, "parts.-1", part)
					}
				}
				return true
			})
		}

		message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
			part := `{"functionCall":{"name":"","args":{}}}`
			part, _ = sjson.Set(part, "functionCall.name", call.Get("function.name").String())
			if args := call.Get("function.arguments").String(); gjson.Valid(args) && args != "" {
				part, _ = sjson.SetRaw(part, "functionCall.args", args)
			}
			entry, _ = sjson.SetRaw(entry, "parts.-1", part)
			return true
		})

		if gjson.Get(entry, "parts.#").Int() > 0 {
			out, _ = sjson.SetRaw(out, "contents.-1", entry)
		}
		return true
	})

	if len(systemTexts) > 0 {
		instr := `{"parts":[{"text":""}]}`
		instr, _ = sjson.Set(instr, "parts.0.text", strings.Join(systemTexts, "\n"))
		out, _ = sjson.SetRaw(out, "systemInstruction", instr)
	}

	if v := root.Get("max_completion_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.maxOutputTokens", v.Int())
	} else if v := root.Get("max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.maxOutputTokens", v.Int())
	}
	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.topP", v.Float())
	}
	if v := root.Get("stop"); v.Exists() {
		if v.IsArray() {
			out, _ = sjson.SetRaw(out, "generationConfig.stopSequences", v.Raw)
		} else if v.Type == gjson.String {
			out, _ = sjson.Set(out, "generationConfig.stopSequences.0", v.String())
		}
	}
	if v := root.Get("reasoning_effort"); v.Exists() {
		if budget, ok := effortBudgets[v.String()]; ok {
			out, _ = sjson.Set(out, "generationConfig.thinkingConfig.thinkingBudget", budget)
			out, _ = sjson.Set(out, "generationConfig.thinkingConfig.includeThoughts", true)
		}
	}

	if tools := root.Get("tools"); tools.IsArray() && len(tools.Array()) > 0 {
		decls := "[]"
		tools.ForEach(func(_, tool gjson.Result) bool {
			fn := tool.Get("function")
			decl := `{"name":""}`
			decl, _ = sjson.Set(decl, "name", fn.Get("name").String())
			if desc := fn.Get("description"); desc.Exists() {
				decl, _ = sjson.Set(decl, "description", desc.String())
			}
			if params := fn.Get("parameters"); params.Exists() {
				decl, _ = sjson.SetRaw(decl, "parameters", util.CleanToolSchema(params.Raw))
			}
			decls, _ = sjson.SetRaw(decls, "-1", decl)
			return true
		})
		out, _ = sjson.SetRaw(out, "tools", `[{"functionDeclarations":`+decls+`}]`)
	}

	if choice := root.Get("tool_choice"); choice.Exists() {
		if choice.Type == gjson.String {
			switch choice.String() {
			case "auto":
				out, _ = sjson.Set(out, "toolConfig.functionCallingConfig.mode", "AUTO")
			case "required":
				out, _ = sjson.Set(out, "toolConfig.functionCallingConfig.mode", "ANY")
			case "none":
				out, _ = sjson.Set(out, "toolConfig.functionCallingConfig.mode", "NONE")
			}
		} else if name := choice.Get("function.name"); name.Exists() {
			out, _ = sjson.Set(out, "toolConfig.functionCallingConfig.mode", "ANY")
			out, _ = sjson.Set(out, "toolConfig.functionCallingConfig.allowedFunctionNames.0", name.String())
		}
	}

	return []byte(out)
}

func flattenText(content gjson.Result) string {
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

// splitDataURL parses a data:{mime};base64,{payload} URL.
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
