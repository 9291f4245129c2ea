package session

import (
	"strings"

	"github.com/tidwall/gjson"

	. "github.com/routegate/routegate/internal/constant"
)

// SingleUserText returns the trimmed text when the request is exactly one
// user turn carrying a single piece of plain text; the probe guard matches
// it against the CLI capability probes.
func (s *Session) SingleUserText() (string, bool) {
	msgs := s.Messages()
	if len(msgs) != 1 {
		return "", false
	}
	m := msgs[0]
	if role := m.Get("role").String(); role != "" && !strings.EqualFold(role, "user") {
		return "", false
	}
	texts := collectText(m)
	if len(texts) != 1 {
		return "", false
	}
	return strings.TrimSpace(texts[0]), true
}

// FlattenedText concatenates every piece of message and system text, for
// pattern scanning.
func (s *Session) FlattenedText() string {
	var parts []string
	for _, m := range s.Messages() {
		parts = append(parts, collectText(m)...)
	}
	if path := systemPath(s.Format); path != "" {
		if v := gjson.GetBytes(s.ParsedBody, path); v.Exists() {
			parts = append(parts, collectText(v)...)
		}
	}
	return strings.Join(parts, "\n")
}

// systemPath names where the dialect keeps system text outside the message
// list; OpenAI Chat keeps it inline as a system message.
func systemPath(format string) string {
	switch format {
	case Claude:
		return "system"
	case Response:
		return "instructions"
	case Gemini:
		return "systemInstruction"
	case GeminiCLI:
		return "request.systemInstruction"
	default:
		return ""
	}
}

// collectText gathers the human-readable strings of one message: a string
// content directly, and every nested "text" field.
func collectText(v gjson.Result) []string {
	switch v.Type {
	case gjson.String:
		return []string{v.String()}
	case gjson.JSON:
		var texts []string
		if content := v.Get("content"); content.Type == gjson.String {
			texts = append(texts, content.String())
		}
		v.ForEach(func(key, child gjson.Result) bool {
			switch {
			case key.String() == "text" && child.Type == gjson.String:
				texts = append(texts, child.String())
			case child.Type == gjson.JSON:
				texts = append(texts, collectText(child)...)
			}
			return true
		})
		return texts
	}
	return nil
}
