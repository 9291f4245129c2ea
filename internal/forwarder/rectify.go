package forwarder

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// needsRectify reports whether an Anthropic upstream rejection is one of
// the known thinking-signature failures a payload rewrite can cure.
func needsRectify(message string, body []byte) bool {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "invalid signature in thinking block") {
		return true
	}
	if strings.Contains(lower, "signature field required") {
		return true
	}
	if strings.Contains(lower, "expected `thinking`") && strings.Contains(lower, "tool_use") {
		return gjson.GetBytes(body, "thinking").Exists()
	}
	return false
}

// rectifyThinkingSignatures strips the state a different upstream cannot
// verify: every thinking and redacted_thinking block goes, signature fields
// on other blocks go, and the thinking config itself goes when the last
// assistant turn leads with tool_use instead of a thinking block.
func rectifyThinkingSignatures(body []byte) ([]byte, bool) {
	msgs := gjson.GetBytes(body, "messages")
	if !msgs.IsArray() {
		return body, false
	}
	out := body
	changed := false
	for i, msg := range msgs.Array() {
		content := msg.Get("content")
		if !content.IsArray() {
			continue
		}
		kept := make([]json.RawMessage, 0, len(content.Array()))
		touched := false
		for _, block := range content.Array() {
			switch block.Get("type").String() {
			case "thinking", "redacted_thinking":
				touched = true
				continue
			}
			raw := block.Raw
			if block.Get("signature").Exists() {
				if stripped, err := sjson.Delete(raw, "signature"); err == nil {
					raw = stripped
					touched = true
				}
			}
			kept = append(kept, json.RawMessage(raw))
		}
		if !touched {
			continue
		}
		rawArr, err := json.Marshal(kept)
		if err != nil {
			continue
		}
		next, err := sjson.SetRawBytes(out, fmt.Sprintf("messages.%d.content", i), rawArr)
		if err != nil {
			return body, false
		}
		out = next
		changed = true
	}
	if gjson.GetBytes(out, "thinking").Exists() && lastAssistantLeadsWithToolUse(out) {
		if stripped, err := sjson.DeleteBytes(out, "thinking"); err == nil {
			out = stripped
			changed = true
		}
	}
	return out, changed
}

// lastAssistantLeadsWithToolUse reports whether the most recent assistant
// message contains tool_use without a leading thinking block, the state
// that makes an enabled thinking config unacceptable upstream.
func lastAssistantLeadsWithToolUse(body []byte) bool {
	msgs := gjson.GetBytes(body, "messages").Array()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Get("role").String() != "assistant" {
			continue
		}
		content := msgs[i].Get("content")
		if !content.IsArray() {
			return false
		}
		blocks := content.Array()
		if len(blocks) == 0 {
			return false
		}
		hasToolUse := false
		for _, block := range blocks {
			if block.Get("type").String() == "tool_use" {
				hasToolUse = true
				break
			}
		}
		if !hasToolUse {
			return false
		}
		first := blocks[0].Get("type").String()
		return first != "thinking" && first != "redacted_thinking"
	}
	return false
}
