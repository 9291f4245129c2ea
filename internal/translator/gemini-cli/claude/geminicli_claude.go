// Package claude converts Claude Messages API requests into Gemini CLI
// envelope requests by delegating to the plain Gemini conversion, then
// unwraps the envelope before translating the responses back.
package claude

import (
	"bytes"
	"context"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	geminiclaude "github.com/routegate/routegate/internal/translator/gemini/claude"
)

var (
	dataTag    = []byte("data:")
	dataPrefix = []byte("data: ")
)

// ConvertClaudeRequestToGeminiCLI converts a Claude Messages request into a
// generateContent request and wraps it into the CLI envelope. The project
// field is filled in by the forwarder once the provider account is known.
func ConvertClaudeRequestToGeminiCLI(modelName string, inputRawJSON []byte, stream bool) []byte {
	inner := geminiclaude.ConvertClaudeRequestToGemini(modelName, inputRawJSON, stream)
	out := `{"model":"","project":"","request":{}}`
	out, _ = sjson.Set(out, "model", modelName)
	out, _ = sjson.SetRaw(out, "request", string(inner))
	return []byte(out)
}

// unwrapLine strips the CLI response envelope from one stream line and
// re-frames the inner chunk for the plain Gemini converter.
func unwrapLine(rawJSON []byte) []byte {
	payload, found := bytes.CutPrefix(rawJSON, dataTag)
	if !found {
		return rawJSON
	}
	inner := gjson.GetBytes(payload, "response")
	if !inner.Exists() {
		return rawJSON
	}
	framed := make([]byte, 0, len(dataPrefix)+len(inner.Raw))
	framed = append(framed, dataPrefix...)
	framed = append(framed, inner.Raw...)
	return framed
}

// ConvertGeminiCLIResponseToClaude unwraps the CLI envelope from each
// stream chunk and converts the inner Gemini chunk into Claude SSE events.
func ConvertGeminiCLIResponseToClaude(ctx context.Context, modelName string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) []string {
	return geminiclaude.ConvertGeminiResponseToClaude(ctx, modelName, originalRequestRawJSON, requestRawJSON, unwrapLine(rawJSON), param)
}

// ConvertGeminiCLIResponseToClaudeNonStream unwraps the CLI envelope from a
// complete response document and converts it into a Claude Messages
// response.
func ConvertGeminiCLIResponseToClaudeNonStream(ctx context.Context, modelName string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) string {
	inner := rawJSON
	if response := gjson.GetBytes(rawJSON, "response"); response.Exists() {
		inner = []byte(response.Raw)
	}
	return geminiclaude.ConvertGeminiResponseToClaudeNonStream(ctx, modelName, originalRequestRawJSON, requestRawJSON, inner, param)
}

// ClaudeTokenCount renders a token total in the Claude count_tokens shape.
func ClaudeTokenCount(_ context.Context, count int64) string {
	out, _ := sjson.Set(`{"input_tokens":0}`, "input_tokens", count)
	return out
}
