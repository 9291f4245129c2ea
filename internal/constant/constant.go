// Package constant defines wire-format and provider-type identifiers used
// throughout the gateway. Formats name the request/response dialect a client
// speaks; provider types name the upstream endpoint flavor a request can be
// forwarded to.
package constant

// Client-facing wire formats.
const (
	// Claude represents the Anthropic Messages format identifier.
	Claude = "claude"

	// OpenAI represents the OpenAI Chat Completions format identifier.
	OpenAI = "openai"

	// Response represents the OpenAI Responses (Codex) format identifier.
	Response = "response"

	// Gemini represents the Google Gemini format identifier.
	Gemini = "gemini"

	// GeminiCLI represents the Gemini CLI envelope format identifier.
	GeminiCLI = "gemini-cli"
)

// Upstream provider endpoint types.
const (
	// TypeClaude identifies an Anthropic-compatible endpoint keyed by x-api-key.
	TypeClaude = "claude"

	// TypeClaudeAuth identifies an Anthropic-compatible endpoint keyed by a
	// bearer token (OAuth-style credentials).
	TypeClaudeAuth = "claude-auth"

	// TypeCodex identifies an OpenAI Responses endpoint.
	TypeCodex = "codex"

	// TypeOpenAICompatible identifies a generic OpenAI Chat Completions endpoint.
	TypeOpenAICompatible = "openai-compatible"

	// TypeGemini identifies a Google Gemini API endpoint.
	TypeGemini = "gemini"

	// TypeGeminiCLI identifies a Gemini Cloud Code (CLI envelope) endpoint.
	TypeGeminiCLI = "gemini-cli"
)

// Formats lists every client-facing format the gateway accepts.
var Formats = []string{Claude, OpenAI, Response, Gemini, GeminiCLI}

// ProviderTypes lists every upstream endpoint type the gateway can forward to.
var ProviderTypes = []string{TypeClaude, TypeClaudeAuth, TypeCodex, TypeOpenAICompatible, TypeGemini, TypeGeminiCLI}
