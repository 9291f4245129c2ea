// Package geminiCLI converts Gemini CLI envelope requests into OpenAI Chat
// Completions requests by unwrapping the envelope and delegating to the
// plain Gemini conversion, then wraps the translated responses back.
package geminiCLI

import (
	"context"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	openaigemini "github.com/routegate/routegate/internal/translator/openai/gemini"
)

// ConvertGeminiCLIRequestToOpenAI unwraps the CLI envelope and converts the
// inner generateContent request into an OpenAI Chat Completions request.
func ConvertGeminiCLIRequestToOpenAI(modelName string, inputRawJSON []byte, stream bool) []byte {
	inner := inputRawJSON
	if request := gjson.GetBytes(inputRawJSON, "request"); request.Exists() {
		inner = []byte(request.Raw)
	}
	return openaigemini.ConvertGeminiRequestToOpenAI(modelName, inner, stream)
}

// ConvertOpenAIResponseToGeminiCLI converts OpenAI chunks into Gemini
// chunks and wraps each one into the CLI response envelope.
func ConvertOpenAIResponseToGeminiCLI(ctx context.Context, modelName string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) []string {
	chunks := openaigemini.ConvertOpenAIResponseToGemini(ctx, modelName, originalRequestRawJSON, requestRawJSON, rawJSON, param)
	outputs := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		out, _ := sjson.SetRaw(`{"response":{}}`, "response", chunk)
		outputs = append(outputs, out)
	}
	return outputs
}

// ConvertOpenAIResponseToGeminiCLINonStream converts a complete OpenAI
// response into a Gemini document wrapped in the CLI response envelope.
func ConvertOpenAIResponseToGeminiCLINonStream(ctx context.Context, modelName string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) string {
	doc := openaigemini.ConvertOpenAIResponseToGeminiNonStream(ctx, modelName, originalRequestRawJSON, requestRawJSON, rawJSON, param)
	out, _ := sjson.SetRaw(`{"response":{}}`, "response", doc)
	return out
}

// GeminiCLITokenCount renders a token total in the CLI countTokens shape.
func GeminiCLITokenCount(_ context.Context, count int64) string {
	out, _ := sjson.Set(`{"response":{"totalTokens":0}}`, "response.totalTokens", count)
	return out
}
