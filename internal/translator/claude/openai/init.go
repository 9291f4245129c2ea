package openai

import (
	. "github.com/routegate/routegate/internal/constant"
	"github.com/routegate/routegate/internal/translator/translator"
)

func init() {
	translator.Register(
		OpenAI,
		Claude,
		ConvertOpenAIRequestToClaude,
		translator.ResponseTransform{
			Stream:    ConvertClaudeResponseToOpenAI,
			NonStream: ConvertClaudeResponseToOpenAINonStream,
		},
	)
}
