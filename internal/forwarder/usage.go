package forwarder

import (
	"strings"

	"github.com/tidwall/gjson"

	. "github.com/routegate/routegate/internal/constant"
	"github.com/routegate/routegate/internal/pricing"
)

// usageFromBody extracts token usage from a complete upstream response in
// the given dialect.
func usageFromBody(format string, body []byte) pricing.Usage {
	root := gjson.ParseBytes(body)
	switch format {
	case Claude:
		return claudeUsage(root.Get("usage"))
	case OpenAI:
		return openAIUsage(root.Get("usage"))
	case Response:
		return codexUsage(root.Get("usage"))
	case Gemini:
		return geminiUsage(root.Get("usageMetadata"))
	case GeminiCLI:
		meta := root.Get("response.usageMetadata")
		if !meta.Exists() {
			meta = root.Get("usageMetadata")
		}
		return geminiUsage(meta)
	default:
		return pricing.Usage{}
	}
}

func claudeUsage(u gjson.Result) pricing.Usage {
	usage := pricing.Usage{
		InputTokens:     u.Get("input_tokens").Int(),
		OutputTokens:    u.Get("output_tokens").Int(),
		CacheReadTokens: u.Get("cache_read_input_tokens").Int(),
	}
	if cc := u.Get("cache_creation"); cc.Exists() {
		usage.CacheCreation5mTokens = cc.Get("ephemeral_5m_input_tokens").Int()
		usage.CacheCreation1hTokens = cc.Get("ephemeral_1h_input_tokens").Int()
	}
	if usage.CacheCreation5mTokens == 0 && usage.CacheCreation1hTokens == 0 {
		usage.CacheCreation5mTokens = u.Get("cache_creation_input_tokens").Int()
	}
	return usage
}

func openAIUsage(u gjson.Result) pricing.Usage {
	return pricing.Usage{
		InputTokens:     u.Get("prompt_tokens").Int(),
		OutputTokens:    u.Get("completion_tokens").Int(),
		CacheReadTokens: u.Get("prompt_tokens_details.cached_tokens").Int(),
	}
}

// codexUsage excludes cached tokens from the input count; the Responses
// endpoint reports input_tokens inclusive of the cached prefix.
func codexUsage(u gjson.Result) pricing.Usage {
	cached := u.Get("input_tokens_details.cached_tokens").Int()
	input := u.Get("input_tokens").Int() - cached
	if input < 0 {
		input = 0
	}
	return pricing.Usage{
		InputTokens:     input,
		OutputTokens:    u.Get("output_tokens").Int(),
		CacheReadTokens: cached,
	}
}

func geminiUsage(meta gjson.Result) pricing.Usage {
	return pricing.Usage{
		InputTokens:     meta.Get("promptTokenCount").Int(),
		OutputTokens:    meta.Get("candidatesTokenCount").Int() + meta.Get("thoughtsTokenCount").Int(),
		CacheReadTokens: meta.Get("cachedContentTokenCount").Int(),
	}
}

// streamUsage accumulates usage across stream events in the upstream
// dialect and tracks whether a terminal chunk arrived.
type streamUsage struct {
	format   string
	usage    pricing.Usage
	terminal bool
}

func newStreamUsage(format string) *streamUsage {
	return &streamUsage{format: format}
}

// feed inspects one fixed upstream line.
func (su *streamUsage) feed(line []byte) {
	payload := sseData(line)
	if payload == "" {
		return
	}
	if payload == "[DONE]" {
		su.terminal = true
		return
	}
	root := gjson.Parse(payload)
	switch su.format {
	case Claude:
		switch root.Get("type").String() {
		case "message_start":
			start := claudeUsage(root.Get("message.usage"))
			su.usage.InputTokens = start.InputTokens
			su.usage.CacheCreation5mTokens = start.CacheCreation5mTokens
			su.usage.CacheCreation1hTokens = start.CacheCreation1hTokens
			su.usage.CacheReadTokens = start.CacheReadTokens
			if start.OutputTokens > su.usage.OutputTokens {
				su.usage.OutputTokens = start.OutputTokens
			}
		case "message_delta":
			u := root.Get("usage")
			if v := u.Get("output_tokens").Int(); v > su.usage.OutputTokens {
				su.usage.OutputTokens = v
			}
			if v := u.Get("input_tokens").Int(); v > 0 {
				su.usage.InputTokens = v
			}
		case "message_stop":
			su.terminal = true
		}
	case OpenAI:
		if u := root.Get("usage"); u.IsObject() {
			su.usage = openAIUsage(u)
		}
	case Response:
		if root.Get("type").String() == "response.completed" {
			su.usage = codexUsage(root.Get("response.usage"))
			su.terminal = true
		}
	case Gemini:
		if meta := root.Get("usageMetadata"); meta.Exists() {
			su.usage = geminiUsage(meta)
		}
	case GeminiCLI:
		meta := root.Get("response.usageMetadata")
		if !meta.Exists() {
			meta = root.Get("usageMetadata")
		}
		if meta.Exists() {
			su.usage = geminiUsage(meta)
		}
	}
}

// sseData returns the payload of a data line, the line itself when the
// upstream skips SSE field framing, and "" for anything else.
func sseData(line []byte) string {
	s := strings.TrimSpace(string(line))
	switch {
	case s == "":
		return ""
	case strings.HasPrefix(s, "data:"):
		return strings.TrimSpace(s[len("data:"):])
	case strings.HasPrefix(s, "event:"),
		strings.HasPrefix(s, "id:"),
		strings.HasPrefix(s, "retry:"),
		strings.HasPrefix(s, ":"):
		return ""
	default:
		return s
	}
}
