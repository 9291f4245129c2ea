package codex

import (
	. "github.com/routegate/routegate/internal/constant"
	"github.com/routegate/routegate/internal/translator/translator"
)

func init() {
	translator.Register(
		Response,
		Claude,
		ConvertCodexRequestToClaude,
		translator.ResponseTransform{
			Stream:    ConvertClaudeResponseToCodex,
			NonStream: ConvertClaudeResponseToCodexNonStream,
		},
	)
}
