// Package gemini converts plain Gemini generateContent requests into Gemini
// CLI envelope requests and unwraps the envelope from the responses.
package gemini

import (
	"bytes"
	"context"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var dataTag = []byte("data:")

// ConvertGeminiRequestToGeminiCLI wraps a generateContent request into the
// CLI envelope. The project field is filled in by the forwarder once the
// provider account is known.
func ConvertGeminiRequestToGeminiCLI(modelName string, inputRawJSON []byte, _ bool) []byte {
	out := `{"model":"","project":"","request":{}}`
	out, _ = sjson.Set(out, "model", modelName)
	out, _ = sjson.SetRaw(out, "request", string(inputRawJSON))
	return []byte(out)
}

// ConvertGeminiCLIResponseToGemini unwraps the CLI response envelope from
// each stream chunk.
func ConvertGeminiCLIResponseToGemini(_ context.Context, _ string, _ []byte, _ []byte, rawJSON []byte, _ *any) []string {
	if !bytes.HasPrefix(rawJSON, dataTag) {
		return []string{}
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(rawJSON, dataTag))
	if inner := gjson.GetBytes(payload, "response"); inner.Exists() {
		return []string{inner.Raw}
	}
	return []string{string(payload)}
}

// ConvertGeminiCLIResponseToGeminiNonStream unwraps the CLI response
// envelope from a complete response document.
func ConvertGeminiCLIResponseToGeminiNonStream(_ context.Context, _ string, _ []byte, _ []byte, rawJSON []byte, _ *any) string {
	if inner := gjson.GetBytes(rawJSON, "response"); inner.Exists() {
		return inner.Raw
	}
	return string(rawJSON)
}

// GeminiTokenCount renders a token total in the Gemini countTokens shape.
func GeminiTokenCount(_ context.Context, count int64) string {
	out, _ := sjson.Set(`{"totalTokens":0}`, "totalTokens", count)
	return out
}
