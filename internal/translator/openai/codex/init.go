package codex

import (
	. "github.com/routegate/routegate/internal/constant"
	"github.com/routegate/routegate/internal/translator/translator"
)

func init() {
	translator.Register(
		Response,
		OpenAI,
		ConvertCodexRequestToOpenAI,
		translator.ResponseTransform{
			Stream:    ConvertOpenAIResponseToCodex,
			NonStream: ConvertOpenAIResponseToCodexNonStream,
		},
	)
}
