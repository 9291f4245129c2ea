package util

import "strings"

// InferOwner determines the owning organization for a model identifier based
// on well-known naming prefixes. Every non-empty identifier maps to exactly
// one owner; anything unrecognized maps to "unknown".
//
// Parameters:
//   - modelID: The model identifier to classify.
//
// Returns:
//   - string: One of "anthropic", "openai", "google", "deepseek", "alibaba", "unknown".
func InferOwner(modelID string) string {
	id := strings.ToLower(strings.TrimSpace(modelID))
	switch {
	case strings.HasPrefix(id, "claude"):
		return "anthropic"
	case strings.HasPrefix(id, "gpt"),
		strings.HasPrefix(id, "chatgpt"),
		strings.HasPrefix(id, "codex"),
		strings.HasPrefix(id, "davinci"),
		strings.HasPrefix(id, "text-embedding"),
		isOSeries(id):
		return "openai"
	case strings.HasPrefix(id, "gemini"),
		strings.HasPrefix(id, "gemma"),
		strings.HasPrefix(id, "imagen"),
		strings.HasPrefix(id, "learnlm"):
		return "google"
	case strings.HasPrefix(id, "deepseek"):
		return "deepseek"
	case strings.HasPrefix(id, "qwen"), strings.HasPrefix(id, "qwq"):
		return "alibaba"
	default:
		return "unknown"
	}
}

// isOSeries reports whether the identifier names an OpenAI o-series model
// (o1, o3, o4 and dated or suffixed variants). A bare "o" prefix is not
// enough: "olmo" must not classify as OpenAI.
func isOSeries(id string) bool {
	if len(id) < 2 || id[0] != 'o' {
		return false
	}
	if id[1] != '1' && id[1] != '3' && id[1] != '4' {
		return false
	}
	return len(id) == 2 || id[2] == '-'
}
