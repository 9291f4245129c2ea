package openai

import (
	. "github.com/routegate/routegate/internal/constant"
	"github.com/routegate/routegate/internal/translator/translator"
)

func init() {
	translator.Register(
		OpenAI,
		GeminiCLI,
		ConvertOpenAIRequestToGeminiCLI,
		translator.ResponseTransform{
			Stream:    ConvertGeminiCLIResponseToOpenAI,
			NonStream: ConvertGeminiCLIResponseToOpenAINonStream,
		},
	)
}
