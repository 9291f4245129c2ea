package forwarder

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNeedsRectify(t *testing.T) {
	t.Parallel()
	withThinking := []byte(`{"thinking":{"type":"enabled","budget_tokens":1024},"messages":[]}`)
	withoutThinking := []byte(`{"messages":[]}`)

	require.True(t, needsRectify("Invalid signature in thinking block", withoutThinking))
	require.True(t, needsRectify("the signature field required for this request", withoutThinking))
	require.True(t, needsRectify("Expected `thinking` or `redacted_thinking`, but found `tool_use`", withThinking))
	require.False(t, needsRectify("Expected `thinking` or `redacted_thinking`, but found `tool_use`", withoutThinking))
	require.False(t, needsRectify("overloaded_error", withThinking))
}

func TestRectifyStripsThinkingBlocks(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"thinking": {"type": "enabled", "budget_tokens": 2048},
		"messages": [
			{"role": "user", "content": [{"type": "text", "text": "hi"}]},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "let me see", "signature": "sig-a"},
				{"type": "text", "text": "done", "signature": "sig-b"}
			]}
		]
	}`)

	fixed, changed := rectifyThinkingSignatures(body)
	require.True(t, changed)

	assistant := gjson.GetBytes(fixed, "messages.1.content")
	require.Len(t, assistant.Array(), 1)
	require.Equal(t, "text", assistant.Get("0.type").String())
	require.False(t, assistant.Get("0.signature").Exists())
	// The assistant turn has no tool_use, so the thinking config survives.
	require.True(t, gjson.GetBytes(fixed, "thinking").Exists())
}

func TestRectifyDropsThinkingConfigBeforeToolUse(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"thinking": {"type": "enabled", "budget_tokens": 2048},
		"messages": [
			{"role": "user", "content": [{"type": "text", "text": "run it"}]},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "plan", "signature": "sig"},
				{"type": "tool_use", "id": "t1", "name": "bash", "input": {}}
			]}
		]
	}`)

	fixed, changed := rectifyThinkingSignatures(body)
	require.True(t, changed)
	// With the thinking block removed the assistant turn now leads with
	// tool_use, which makes an enabled thinking config unacceptable.
	require.False(t, gjson.GetBytes(fixed, "thinking").Exists())
	require.Equal(t, "tool_use", gjson.GetBytes(fixed, "messages.1.content.0.type").String())
}

func TestRectifyLeavesCleanPayloadsAlone(t *testing.T) {
	t.Parallel()
	body := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`)
	fixed, changed := rectifyThinkingSignatures(body)
	require.False(t, changed)
	require.Equal(t, body, fixed)
}
