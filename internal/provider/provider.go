// Package provider holds the upstream endpoint model and the selection
// machinery that picks one for a request: group and format filtering, model
// support with redirects, health checks against the circuit breaker and the
// provider's own spend limits, priority layering, and weighted random choice.
package provider

import (
	"strings"
	"time"

	. "github.com/routegate/routegate/internal/constant"
	"github.com/routegate/routegate/internal/ratelimit"
)

// Context-window preferences for the 1M-token beta.
const (
	Context1MInherit     = "inherit"
	Context1MForceEnable = "force_enable"
	Context1MDisabled    = "disabled"
)

// DefaultGroupTag is the group an untagged provider belongs to.
const DefaultGroupTag = "default"

// GroupTagAll is the wildcard tag that matches every provider group.
const GroupTagAll = "all"

// Provider is one upstream endpoint with its routing and budget settings.
type Provider struct {
	ID   string
	Name string

	// URL is the upstream base, joined with the request path by the
	// forwarder's smart join.
	URL    string
	APIKey string

	// Type is one of the constant.Type* provider types and fixes the
	// upstream wire format.
	Type string

	// GroupTag is a comma-separated tag set; empty means "default".
	GroupTag string

	// Priority orders selection layers, lower being more urgent.
	Priority int

	// Weight drives the random choice inside a layer.
	Weight int64

	// CostMultiplier scales computed cost and orders candidates before the
	// weighted draw.
	CostMultiplier float64

	// AllowedModels is a declarative match list; empty accepts per the
	// type-specific rules.
	AllowedModels []string

	// ModelRedirects maps requested model names to the names actually sent
	// upstream.
	ModelRedirects map[string]string

	// JoinClaudePool lets a non-Anthropic provider serve claude models
	// through its redirects.
	JoinClaudePool bool

	// Context1M is one of the Context1M* preferences.
	Context1M string

	Limits ratelimit.PeriodLimits
	Reset  ratelimit.ResetConfig

	// TotalResetAt bounds the all-time spend aggregate after an operator
	// reset.
	TotalResetAt *time.Time

	// ConcurrentSessions caps simultaneously active sessions; zero or
	// negative means uncapped.
	ConcurrentSessions int64

	StreamingIdleTimeout time.Duration
	RequestTimeout       time.Duration

	// Proxy is an optional outbound proxy URL (http, https, socks5).
	Proxy string

	// UseHTTP2 requests an HTTP/2 transport; SOCKS proxies force HTTP/1.1
	// regardless.
	UseHTTP2 bool

	Enabled bool
}

// IsAnthropic reports whether the provider speaks the Anthropic Messages API
// natively.
func (p *Provider) IsAnthropic() bool {
	return p.Type == TypeClaude || p.Type == TypeClaudeAuth
}

// NativeFormat returns the client dialect the provider serves without
// translation.
func (p *Provider) NativeFormat() string {
	switch p.Type {
	case TypeClaude, TypeClaudeAuth:
		return Claude
	case TypeCodex:
		return Response
	case TypeOpenAICompatible:
		return OpenAI
	case TypeGemini:
		return Gemini
	case TypeGeminiCLI:
		return GeminiCLI
	default:
		return ""
	}
}

// CompatibleWithFormat reports whether the provider type serves the given
// client dialect natively, without payload translation.
func (p *Provider) CompatibleWithFormat(format string) bool {
	return p.NativeFormat() == format
}

// DeclaresModel reports whether the provider explicitly lists or redirects
// the model, as opposed to accepting it by default. An explicit declaration
// lets a provider serve client dialects it does not natively speak; the
// forwarder translates the payload both ways.
func (p *Provider) DeclaresModel(model string) bool {
	if IsClaudeModel(model) && !p.IsAnthropic() {
		target, ok := p.lookupRedirect(model)
		return p.JoinClaudePool && ok && IsClaudeModel(target)
	}
	if containsFold(p.AllowedModels, model) {
		return true
	}
	_, ok := p.lookupRedirect(model)
	return ok
}

// ServesFormat combines native dialect compatibility with cross-type
// proxying: a provider whose dialect differs still passes when it declares
// the model outright.
func (p *Provider) ServesFormat(format, model string) bool {
	return p.CompatibleWithFormat(format) || p.DeclaresModel(model)
}

// GroupTags returns the provider's tag set, defaulting to "default" when
// untagged.
func (p *Provider) GroupTags() []string {
	tags := splitTags(p.GroupTag)
	if len(tags) == 0 {
		return []string{DefaultGroupTag}
	}
	return tags
}

// InGroup reports whether the provider matches the caller's effective group
// expression: the literal "all" tag passes everything, otherwise the tag
// sets must intersect.
func (p *Provider) InGroup(group string) bool {
	wanted := splitTags(group)
	if len(wanted) == 0 {
		wanted = []string{DefaultGroupTag}
	}
	tags := p.GroupTags()
	for _, w := range wanted {
		if w == GroupTagAll {
			return true
		}
		for _, tag := range tags {
			if strings.EqualFold(w, tag) {
				return true
			}
		}
	}
	return false
}

// IsClaudeModel reports whether the model name belongs to the claude family.
func IsClaudeModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "claude")
}

// ResolveModel decides whether the provider can serve the requested model
// and returns the name to send upstream (the redirect target when mapped).
//
// Claude-family models: Anthropic providers match by whitelist, empty
// meaning all claude models; other types join the pool only through a
// redirect that lands on another claude name. Any other model matches by
// whitelist or redirect regardless of type; without either, Anthropic
// providers reject it and the rest accept any name as long as their
// whitelist is empty.
func (p *Provider) ResolveModel(model string) (string, bool) {
	if IsClaudeModel(model) {
		if p.IsAnthropic() {
			if len(p.AllowedModels) == 0 || containsFold(p.AllowedModels, model) {
				return p.redirected(model), true
			}
			return "", false
		}
		if p.JoinClaudePool {
			if target, ok := p.lookupRedirect(model); ok && IsClaudeModel(target) {
				return target, true
			}
		}
		return "", false
	}

	if containsFold(p.AllowedModels, model) {
		return p.redirected(model), true
	}
	if target, ok := p.lookupRedirect(model); ok {
		return target, true
	}
	if p.IsAnthropic() {
		return "", false
	}
	if len(p.AllowedModels) == 0 {
		return model, true
	}
	return "", false
}

// Allows1MContext reports whether the provider may serve a request that
// asked for the 1M-token context window.
func (p *Provider) Allows1MContext() bool {
	return p.Context1M != Context1MDisabled
}

// Budget packages the provider's spend caps for the rate-limit checker.
func (p *Provider) Budget() ratelimit.ProviderBudget {
	return ratelimit.ProviderBudget{
		ProviderID: p.ID,
		Limits:     p.Limits,
		Reset:      p.Reset,
		TotalSince: p.TotalResetAt,
	}
}

func (p *Provider) redirected(model string) string {
	if target, ok := p.lookupRedirect(model); ok {
		return target
	}
	return model
}

func (p *Provider) lookupRedirect(model string) (string, bool) {
	if len(p.ModelRedirects) == 0 {
		return "", false
	}
	if target, ok := p.ModelRedirects[model]; ok && target != "" {
		return target, true
	}
	for from, target := range p.ModelRedirects {
		if strings.EqualFold(from, model) && target != "" {
			return target, true
		}
	}
	return "", false
}

func splitTags(raw string) []string {
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func containsFold(list []string, want string) bool {
	for _, item := range list {
		if strings.EqualFold(item, want) {
			return true
		}
	}
	return false
}
