// Package openai translates between the OpenAI Chat Completions dialect and
// Anthropic Messages upstreams: requests are rewritten into the Messages
// schema, responses are folded back into Chat Completions chunks.
package openai

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// effortBudgets maps OpenAI reasoning effort levels onto Anthropic thinking
// token budgets.
var effortBudgets = map[string]int64{
	"minimal": 1024,
	"low":     1024,
	"medium":  8192,
	"high":    24576,
}

// ConvertOpenAIRequestToClaude rewrites a Chat Completions request into the
// Anthropic Messages schema. System messages become the top-level system
// field, tool declarations move to input_schema, tool calls and results
// become tool_use/tool_result blocks, and reasoning effort becomes a
// thinking budget.
func ConvertOpenAIRequestToClaude(modelName string, rawJSON []byte, stream bool) []byte {
	out := `{"model":"","max_tokens":32000,"messages":[]}`

	root := gjson.ParseBytes(rawJSON)

	genToolCallID := func() string {
		const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
		var b strings.Builder
		for i := 0; i < 24; i++ {
			n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
			b.WriteByte(letters[n.Int64()])
		}
		return "toolu_" + b.String()
	}

	out, _ = sjson.Set(out, "model", modelName)

	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_tokens", maxTokens.Int())
	} else if maxTokens = root.Get("max_completion_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_tokens", maxTokens.Int())
	}
	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "top_p", topP.Float())
	}

	if stop := root.Get("stop"); stop.Exists() {
		if stop.IsArray() {
			var stopSequences []string
			stop.ForEach(func(_, value gjson.Result) bool {
				stopSequences = append(stopSequences, value.String())
				return true
			})
			if len(stopSequences) > 0 {
				out, _ = sjson.Set(out, "stop_sequences", stopSequences)
			}
		} else {
			out, _ = sjson.Set(out, "stop_sequences", []string{stop.String()})
		}
	}

	if effort := root.Get("reasoning_effort"); effort.Exists() {
		if budget, ok := effortBudgets[effort.String()]; ok {
			out, _ = sjson.Set(out, "thinking.type", "enabled")
			out, _ = sjson.Set(out, "thinking.budget_tokens", budget)
		}
	}

	out, _ = sjson.Set(out, "stream", stream)

	// System messages keep their instruction role instead of being demoted
	// to user turns.
	var systemParts []interface{}
	var anthropicMessages []interface{}

	if messages := root.Get("messages"); messages.Exists() && messages.IsArray() {
		messages.ForEach(func(_, message gjson.Result) bool {
			role := message.Get("role").String()
			contentResult := message.Get("content")

			switch role {
			case "system", "developer":
				if contentResult.Type == gjson.String {
					systemParts = append(systemParts, map[string]interface{}{
						"type": "text",
						"text": contentResult.String(),
					})
				} else if contentResult.IsArray() {
					contentResult.ForEach(func(_, part gjson.Result) bool {
						if part.Get("type").String() == "text" {
							systemParts = append(systemParts, map[string]interface{}{
								"type": "text",
								"text": part.Get("text").String(),
							})
						}
						return true
					})
				}

			case "user", "assistant":
				msg := map[string]interface{}{
					"role":    role,
					"content": []interface{}{},
				}

				if contentResult.Type == gjson.String && contentResult.String() != "" {
					msg["content"] = []interface{}{
						map[string]interface{}{
							"type": "text",
							"text": contentResult.String(),
						},
					}
				} else if contentResult.IsArray() {
					var contentParts []interface{}
					contentResult.ForEach(func(_, part gjson.Result) bool {
						switch part.Get("type").String() {
						case "text":
							contentParts = append(contentParts, map[string]interface{}{
								"type": "text",
								"text": part.Get("text").String(),
							})
						case "image_url":
							imageURL := part.Get("image_url.url").String()
							if strings.HasPrefix(imageURL, "data:") {
								pieces := strings.Split(imageURL, ",")
								if len(pieces) == 2 {
									mediaType := strings.TrimPrefix(strings.Split(pieces[0], ";")[0], "data:")
									contentParts = append(contentParts, map[string]interface{}{
										"type": "image",
										"source": map[string]interface{}{
											"type":       "base64",
											"media_type": mediaType,
											"data":       pieces[1],
										},
									})
								}
							} else if imageURL != "" {
								contentParts = append(contentParts, map[string]interface{}{
									"type": "image",
									"source": map[string]interface{}{
										"type": "url",
										"url":  imageURL,
									},
								})
							}
						}
						return true
					})
					if len(contentParts) > 0 {
						msg["content"] = contentParts
					}
				}

				if toolCalls := message.Get("tool_calls"); toolCalls.Exists() && toolCalls.IsArray() && role == "assistant" {
					contentParts, _ := msg["content"].([]interface{})
					toolCalls.ForEach(func(_, toolCall gjson.Result) bool {
						if toolCall.Get("type").String() != "function" {
							return true
						}
						toolCallID := toolCall.Get("id").String()
						if toolCallID == "" {
							toolCallID = genToolCallID()
						}
						toolUse := map[string]interface{}{
							"type":  "tool_use",
							"id":    toolCallID,
							"name":  toolCall.Get("function.name").String(),
							"input": map[string]interface{}{},
						}
						if args := toolCall.Get("function.arguments").String(); args != "" {
							var argsMap map[string]interface{}
							if err := json.Unmarshal([]byte(args), &argsMap); err == nil {
								toolUse["input"] = argsMap
							}
						}
						contentParts = append(contentParts, toolUse)
						return true
					})
					msg["content"] = contentParts
				}

				anthropicMessages = append(anthropicMessages, msg)

			case "tool":
				msg := map[string]interface{}{
					"role": "user",
					"content": []interface{}{
						map[string]interface{}{
							"type":        "tool_result",
							"tool_use_id": message.Get("tool_call_id").String(),
							"content":     contentResult.String(),
						},
					},
				}
				anthropicMessages = append(anthropicMessages, msg)
			}
			return true
		})
	}

	if len(systemParts) > 0 {
		systemJSON, _ := json.Marshal(systemParts)
		out, _ = sjson.SetRaw(out, "system", string(systemJSON))
	}
	if len(anthropicMessages) > 0 {
		messagesJSON, _ := json.Marshal(anthropicMessages)
		out, _ = sjson.SetRaw(out, "messages", string(messagesJSON))
	}

	if tools := root.Get("tools"); tools.Exists() && tools.IsArray() {
		var anthropicTools []interface{}
		tools.ForEach(func(_, tool gjson.Result) bool {
			if tool.Get("type").String() != "function" {
				return true
			}
			function := tool.Get("function")
			anthropicTool := map[string]interface{}{
				"name":        function.Get("name").String(),
				"description": function.Get("description").String(),
			}
			if parameters := function.Get("parameters"); parameters.Exists() {
				anthropicTool["input_schema"] = parameters.Value()
			}
			anthropicTools = append(anthropicTools, anthropicTool)
			return true
		})
		if len(anthropicTools) > 0 {
			toolsJSON, _ := json.Marshal(anthropicTools)
			out, _ = sjson.SetRaw(out, "tools", string(toolsJSON))
		}
	}

	if toolChoice := root.Get("tool_choice"); toolChoice.Exists() {
		switch toolChoice.Type {
		case gjson.String:
			switch toolChoice.String() {
			case "auto":
				out, _ = sjson.Set(out, "tool_choice", map[string]interface{}{"type": "auto"})
			case "required":
				out, _ = sjson.Set(out, "tool_choice", map[string]interface{}{"type": "any"})
			}
		case gjson.JSON:
			if toolChoice.Get("type").String() == "function" {
				out, _ = sjson.Set(out, "tool_choice", map[string]interface{}{
					"type": "tool",
					"name": toolChoice.Get("function.name").String(),
				})
			}
		default:
		}
	}

	return []byte(out)
}
