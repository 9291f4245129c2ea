package gemini

import (
	. "github.com/routegate/routegate/internal/constant"
	"github.com/routegate/routegate/internal/translator/translator"
)

func init() {
	translator.Register(
		Gemini,
		GeminiCLI,
		ConvertGeminiRequestToGeminiCLI,
		translator.ResponseTransform{
			Stream:     ConvertGeminiCLIResponseToGemini,
			NonStream:  ConvertGeminiCLIResponseToGeminiNonStream,
			TokenCount: GeminiTokenCount,
		},
	)
}
