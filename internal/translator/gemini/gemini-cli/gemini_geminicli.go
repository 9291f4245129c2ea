// Package geminiCLI converts Gemini CLI envelope requests into plain Gemini
// generateContent requests and wraps the responses back into the envelope.
package geminiCLI

import (
	"bytes"
	"context"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var dataTag = []byte("data:")

// ConvertGeminiCLIRequestToGemini unwraps the CLI envelope and returns the
// inner generateContent request. Requests without an envelope pass through
// untouched.
func ConvertGeminiCLIRequestToGemini(_ string, inputRawJSON []byte, _ bool) []byte {
	if request := gjson.GetBytes(inputRawJSON, "request"); request.Exists() {
		return []byte(request.Raw)
	}
	return inputRawJSON
}

// ConvertGeminiResponseToGeminiCLI wraps each Gemini stream chunk into the
// CLI response envelope.
func ConvertGeminiResponseToGeminiCLI(_ context.Context, _ string, _ []byte, _ []byte, rawJSON []byte, _ *any) []string {
	if !bytes.HasPrefix(rawJSON, dataTag) {
		return []string{}
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(rawJSON, dataTag))
	out, _ := sjson.SetRaw(`{"response":{}}`, "response", string(payload))
	return []string{out}
}

// ConvertGeminiResponseToGeminiCLINonStream wraps a complete Gemini
// response document into the CLI response envelope.
func ConvertGeminiResponseToGeminiCLINonStream(_ context.Context, _ string, _ []byte, _ []byte, rawJSON []byte, _ *any) string {
	out, _ := sjson.SetRaw(`{"response":{}}`, "response", string(rawJSON))
	return out
}

// GeminiCLITokenCount renders a token total in the CLI countTokens shape.
func GeminiCLITokenCount(_ context.Context, count int64) string {
	out, _ := sjson.Set(`{"response":{"totalTokens":0}}`, "response.totalTokens", count)
	return out
}
