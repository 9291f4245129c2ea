// Package openai converts OpenAI Chat Completions requests into Gemini CLI
// envelope requests by delegating to the plain Gemini conversion, then
// unwraps the envelope before translating the responses back.
package openai

import (
	"bytes"
	"context"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	geminiopenai "github.com/routegate/routegate/internal/translator/gemini/openai"
)

var (
	dataTag    = []byte("data:")
	dataPrefix = []byte("data: ")
)

// ConvertOpenAIRequestToGeminiCLI converts an OpenAI Chat Completions
// request into a generateContent request and wraps it into the CLI
// envelope.
func ConvertOpenAIRequestToGeminiCLI(modelName string, inputRawJSON []byte, stream bool) []byte {
	inner := geminiopenai.ConvertOpenAIRequestToGemini(modelName, inputRawJSON, stream)
	out := `{"model":"","project":"","request":{}}`
	out, _ = sjson.Set(out, "model", modelName)
	out, _ = sjson.SetRaw(out, "request", string(inner))
	return []byte(out)
}

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

// ConvertGeminiCLIResponseToOpenAI unwraps the CLI envelope from each
// stream chunk and converts the inner Gemini chunk into OpenAI Chat
// Completions chunks.
func ConvertGeminiCLIResponseToOpenAI(ctx context.Context, modelName string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) []string {
	return geminiopenai.ConvertGeminiResponseToOpenAI(ctx, modelName, originalRequestRawJSON, requestRawJSON, unwrapLine(rawJSON), param)
}

// ConvertGeminiCLIResponseToOpenAINonStream unwraps the CLI envelope from a
// complete response document and converts it into an OpenAI Chat
// Completions response.
func ConvertGeminiCLIResponseToOpenAINonStream(ctx context.Context, modelName string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) string {
	inner := rawJSON
	if response := gjson.GetBytes(rawJSON, "response"); response.Exists() {
		inner = []byte(response.Raw)
	}
	return geminiopenai.ConvertGeminiResponseToOpenAINonStream(ctx, modelName, originalRequestRawJSON, requestRawJSON, inner, param)
}
