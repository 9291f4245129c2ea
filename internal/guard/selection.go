package guard

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/routegate/routegate/internal/circuit"
	"github.com/routegate/routegate/internal/provider"
	"github.com/routegate/routegate/internal/session"
	"github.com/routegate/routegate/internal/store"
)

// selectStep runs provider selection and seeds the decision chain. Sticky
// bindings are looked up here so the selector stays free of Redis reads it
// does not own; a lookup failure degrades to a fresh pick.
type selectStep struct {
	selector *provider.Selector
	sessions *store.SessionStore
	breaker  *circuit.Breaker
}

func (selectStep) Name() string { return "provider" }

func (g selectStep) Run(ctx context.Context, s *session.Session) (*Halt, error) {
	req := provider.Request{
		Format:       s.Format,
		Model:        s.Model,
		Group:        s.EffectiveGroup(),
		SessionID:    s.ID,
		Want1M:       s.Want1M,
		ReuseSession: s.ShouldReuseProvider(),
	}
	if req.ReuseSession && s.ID != "" {
		bound, err := g.sessions.BoundProvider(ctx, s.ID)
		if err != nil {
			log.Warnf("guard: bound provider lookup for session %s: %v", s.ID, err)
		} else {
			req.BoundProviderID = bound
		}
	}

	sel, err := g.selector.Select(ctx, req)
	if err != nil {
		return nil, err
	}

	s.Provider = sel.Provider
	s.UpstreamModel = sel.UpstreamModel
	s.Decision = sel.Decision
	s.ReusedSession = sel.Reason == provider.ReasonSessionReuse

	for _, rej := range sel.Rejected {
		s.Chain = s.Chain.Append(provider.ChainItem{
			ProviderID:   rej.Provider.ID,
			ProviderName: rej.Provider.Name,
			Reason:       provider.ReasonConcurrentLimitFailed,
		})
	}
	s.Chain = s.Chain.Append(provider.ChainItem{
		ProviderID:       sel.Provider.ID,
		ProviderName:     sel.Provider.Name,
		Reason:           sel.Reason,
		Method:           sel.Method,
		CircuitState:     sel.CircuitState.String(),
		FailureCount:     sel.FailureCount,
		FailureThreshold: g.breaker.Threshold(),
		Decision:         sel.Decision,
	})
	return nil, nil
}
