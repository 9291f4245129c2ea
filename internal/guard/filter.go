package guard

import (
	"bytes"
	"context"

	"github.com/routegate/routegate/internal/reqfilter"
	"github.com/routegate/routegate/internal/session"
)

// filterStep applies globally scoped request-filter rules. A rewrite replaces
// the working body; the engine itself fails open, so a broken rule never
// rejects traffic.
type filterStep struct {
	engine *reqfilter.Engine
}

func (filterStep) Name() string { return "request_filter" }

func (g filterStep) Run(_ context.Context, s *session.Session) (*Halt, error) {
	if g.engine == nil {
		return nil, nil
	}
	out := g.engine.ApplyGlobal(s.Headers, s.Body)
	if !bytes.Equal(out, s.Body) {
		s.ReplaceBody(out)
	}
	return nil, nil
}

// providerFilterStep applies rules scoped to the selected provider or its
// group tags. It runs after selection, so provider-specific rewrites see the
// body the provider will actually receive.
type providerFilterStep struct {
	engine *reqfilter.Engine
}

func (providerFilterStep) Name() string { return "provider_filter" }

func (g providerFilterStep) Run(_ context.Context, s *session.Session) (*Halt, error) {
	if g.engine == nil || s.Provider == nil {
		return nil, nil
	}
	out := g.engine.ApplyProvider(s.Provider.ID, s.Provider.GroupTags(), s.Headers, s.Body)
	if !bytes.Equal(out, s.Body) {
		s.ReplaceBody(out)
	}
	return nil, nil
}
