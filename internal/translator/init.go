// Package translator wires every dialect pair into the registry. Importing
// this package is enough to make all conversions available.
package translator

import (
	_ "github.com/routegate/routegate/internal/translator/claude/codex"
	_ "github.com/routegate/routegate/internal/translator/claude/gemini"
	_ "github.com/routegate/routegate/internal/translator/claude/gemini-cli"
	_ "github.com/routegate/routegate/internal/translator/claude/openai"

	_ "github.com/routegate/routegate/internal/translator/codex/claude"
	_ "github.com/routegate/routegate/internal/translator/codex/openai"

	_ "github.com/routegate/routegate/internal/translator/gemini-cli/claude"
	_ "github.com/routegate/routegate/internal/translator/gemini-cli/gemini"
	_ "github.com/routegate/routegate/internal/translator/gemini-cli/openai"

	_ "github.com/routegate/routegate/internal/translator/gemini/claude"
	_ "github.com/routegate/routegate/internal/translator/gemini/gemini-cli"
	_ "github.com/routegate/routegate/internal/translator/gemini/openai"

	_ "github.com/routegate/routegate/internal/translator/openai/claude"
	_ "github.com/routegate/routegate/internal/translator/openai/codex"
	_ "github.com/routegate/routegate/internal/translator/openai/gemini"
	_ "github.com/routegate/routegate/internal/translator/openai/gemini-cli"
)
