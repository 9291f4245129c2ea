package guard

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	. "github.com/routegate/routegate/internal/constant"
	"github.com/routegate/routegate/internal/proxyerr"
	"github.com/routegate/routegate/internal/session"
)

// DisguiseGroup is the provider group claude-format traffic from anything
// other than the verified CLI is forced into.
const DisguiseGroup = "2api"

// claudeCodeSystem is the identity sentence the CLI always carries in its
// first system blocks.
const claudeCodeSystem = "You are Claude Code, Anthropic's official CLI for Claude"

// cliUserIDRe matches the metadata.user_id the CLI generates per installation
// and session.
var cliUserIDRe = regexp.MustCompile(`^user_[a-f0-9]{64}_account__session_[a-f0-9-]{36}$`)

// cliAgents are the user-agent markers of the known CLI builds.
var cliAgents = []string{"claude-cli", "claude-code"}

// clientStep classifies claude-format callers. Only a request that carries
// the CLI user agent, the CLI system identity, and a CLI-shaped user id
// counts as the CLI; everything else claude-format is routed to the disguise
// group so a claude-auth upstream still sees CLI-shaped traffic. The user's
// allowedClients patterns gate the user agent on top.
type clientStep struct{}

func (clientStep) Name() string { return "client" }

func (clientStep) Run(_ context.Context, s *session.Session) (*Halt, error) {
	if s.Format != Claude {
		return nil, nil
	}

	ua := s.UserAgent()
	if isCLIAgent(ua) && hasClaudeCodeSystem(s.ParsedBody) && hasCLIUserID(s.ParsedBody) {
		s.IsCLI = true
	} else {
		s.Group = DisguiseGroup
		s.NeedsClaudeDisguise = true
	}

	if s.User != nil && len(s.User.AllowedClients) > 0 && !clientAllowed(ua, s.User.AllowedClients) {
		return haltError(http.StatusForbidden, proxyerr.TypeInvalidRequest, "client not allowed for this account"), nil
	}
	return nil, nil
}

func isCLIAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, agent := range cliAgents {
		if strings.Contains(lower, agent) {
			return true
		}
	}
	return false
}

// hasClaudeCodeSystem looks for the identity sentence in the first two system
// blocks; a plain string system counts as block zero.
func hasClaudeCodeSystem(body []byte) bool {
	system := gjson.GetBytes(body, "system")
	switch {
	case system.Type == gjson.String:
		return strings.Contains(system.String(), claudeCodeSystem)
	case system.IsArray():
		for i, block := range system.Array() {
			if i > 1 {
				break
			}
			if strings.Contains(block.Get("text").String(), claudeCodeSystem) {
				return true
			}
		}
	}
	return false
}

func hasCLIUserID(body []byte) bool {
	return cliUserIDRe.MatchString(gjson.GetBytes(body, "metadata.user_id").String())
}

// clientAllowed does the configured substring match: case-insensitive with
// hyphens and underscores stripped on both sides, so "claude_cli" matches
// "Claude-CLI/1.0".
func clientAllowed(ua string, patterns []string) bool {
	normalized := normalizeClient(ua)
	for _, pattern := range patterns {
		if p := normalizeClient(pattern); p != "" && strings.Contains(normalized, p) {
			return true
		}
	}
	return false
}

var clientNormalizer = strings.NewReplacer("-", "", "_", "")

func normalizeClient(s string) string {
	return clientNormalizer.Replace(strings.ToLower(s))
}
