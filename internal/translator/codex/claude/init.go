package claude

import (
	. "github.com/routegate/routegate/internal/constant"
	"github.com/routegate/routegate/internal/translator/translator"
)

func init() {
	translator.Register(
		Claude,
		Response,
		ConvertClaudeRequestToCodex,
		translator.ResponseTransform{
			Stream:     ConvertCodexResponseToClaude,
			NonStream:  ConvertCodexResponseToClaudeNonStream,
			TokenCount: ClaudeTokenCount,
		},
	)
}
