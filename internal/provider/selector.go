package provider

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routegate/routegate/internal/circuit"
	"github.com/routegate/routegate/internal/proxyerr"
	"github.com/routegate/routegate/internal/ratelimit"
)

// Request carries everything one selection pass needs from the session.
type Request struct {
	// Format is the client dialect of the incoming request.
	Format string
	// Model is the requested model name, before redirects.
	Model string
	// Group is the caller's effective group expression, the key's setting
	// over the user's over "default".
	Group     string
	SessionID string
	// Want1M marks a request that asked for the 1M-token context window.
	Want1M bool
	// Excluded holds providers already tried and failed this request.
	Excluded map[string]bool
	// BoundProviderID is the sticky-session binding, empty when none.
	BoundProviderID string
	// ReuseSession enables the sticky path when a binding exists.
	ReuseSession bool
}

// Rejection records one provider that failed concurrency admission during a
// selection pass.
type Rejection struct {
	Provider       *Provider
	ActiveSessions int64
}

// Selection is a successful pick.
type Selection struct {
	Provider *Provider
	// UpstreamModel is the name to send upstream after redirects.
	UpstreamModel string
	Reason        string
	Method        string
	Decision      *DecisionContext

	// Breaker facts at decision time, for the chain item.
	CircuitState circuit.State
	FailureCount int

	// Rejected lists admission failures hit before this pick; callers
	// append one chain item per entry.
	Rejected []Rejection
}

// NoProviderError reports an empty candidate set, carrying the decision
// context that explains every exclusion.
type NoProviderError struct {
	Model    string
	Group    string
	Decision *DecisionContext
}

// Error implements the error interface.
func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no available providers for model %q in group %q", e.Model, e.Group)
}

// ErrorType maps the exclusion mix to the client-facing error type: circuit
// exclusions alone read as a breaker outage, cost exclusions alone as
// exhausted budgets, both together as mixed.
func (e *NoProviderError) ErrorType() string {
	var circuitOpen, costLimited bool
	if e.Decision != nil {
		for _, f := range e.Decision.Filtered {
			switch f.Stage {
			case StageCircuitOpen:
				circuitOpen = true
			case StageCostLimit:
				costLimited = true
			}
		}
	}
	switch {
	case circuitOpen && costLimited:
		return proxyerr.TypeMixedUnavailable
	case circuitOpen:
		return proxyerr.TypeCircuitOpen
	case costLimited:
		return proxyerr.TypeRateLimitExceeded
	default:
		return proxyerr.TypeNoAvailableProviders
	}
}

// Selector picks a provider for a request.
type Selector struct {
	registry *Registry
	checker  *ratelimit.Checker
	breaker  *circuit.Breaker

	randFloat func() float64
}

// NewSelector wires the registry, the spend checker, and the breaker.
func NewSelector(registry *Registry, checker *ratelimit.Checker, breaker *circuit.Breaker) *Selector {
	return &Selector{
		registry:  registry,
		checker:   checker,
		breaker:   breaker,
		randFloat: rand.Float64,
	}
}

// Select runs the full pass: sticky-session reuse when bound, then group,
// format, model, context, and health filtering, priority layering, the
// weighted draw, and atomic concurrency admission with retry. The returned
// error is a *NoProviderError once every candidate is exhausted.
func (s *Selector) Select(ctx context.Context, req Request) (*Selection, error) {
	providers, err := s.registry.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	dc := &DecisionContext{Group: effectiveGroup(req.Group), Model: req.Model, Format: req.Format}
	excluded := make(map[string]bool, len(req.Excluded)+1)
	for id := range req.Excluded {
		excluded[id] = true
	}

	if req.ReuseSession && req.BoundProviderID != "" && !excluded[req.BoundProviderID] {
		sel, ok, errReuse := s.tryReuse(ctx, providers, req, dc)
		if errReuse != nil {
			return nil, errReuse
		}
		if ok {
			return sel, nil
		}
	}

	pool, states, counts, err := s.filter(ctx, providers, req, dc, excluded)
	if err != nil {
		return nil, err
	}

	var rejected []Rejection
	for {
		layer := minPriorityLayer(pool, excluded)
		if len(layer) == 0 {
			return nil, &NoProviderError{Model: req.Model, Group: dc.Group, Decision: dc}
		}
		chosen, method := s.pick(layer, dc)

		allowed, active, errAdmit := s.checker.AdmitProviderSession(ctx, chosen.ID, req.SessionID, chosen.ConcurrentSessions)
		if errAdmit != nil {
			return nil, errAdmit
		}
		if !allowed {
			rejected = append(rejected, Rejection{Provider: chosen, ActiveSessions: active})
			dc.Filtered = append(dc.Filtered, Exclusion{
				ProviderID: chosen.ID,
				Name:       chosen.Name,
				Stage:      StageConcurrentLimit,
				Detail:     fmt.Sprintf("%d active sessions at cap %d", active, chosen.ConcurrentSessions),
			})
			excluded[chosen.ID] = true
			continue
		}

		dc.Method = method
		upstream, _ := chosen.ResolveModel(req.Model)
		return &Selection{
			Provider:      chosen,
			UpstreamModel: upstream,
			Reason:        ReasonInitialSelection,
			Method:        method,
			Decision:      dc,
			CircuitState:  states[chosen.ID],
			FailureCount:  counts[chosen.ID],
			Rejected:      rejected,
		}, nil
	}
}

// filter applies the group (silent), exclusion, format, model, context, and
// health steps, returning the surviving pool plus the breaker facts seen.
func (s *Selector) filter(ctx context.Context, providers []*Provider, req Request, dc *DecisionContext, excluded map[string]bool) ([]*Provider, map[string]circuit.State, map[string]int, error) {
	pool := make([]*Provider, 0, len(providers))
	states := make(map[string]circuit.State, len(providers))
	counts := make(map[string]int, len(providers))

	for _, p := range providers {
		if !p.InGroup(dc.Group) {
			continue
		}
		if excluded[p.ID] {
			dc.Filtered = append(dc.Filtered, Exclusion{ProviderID: p.ID, Name: p.Name, Stage: StageExcludedPrior, Detail: "failed earlier in this request"})
			continue
		}
		if !p.ServesFormat(req.Format, req.Model) {
			dc.Filtered = append(dc.Filtered, Exclusion{ProviderID: p.ID, Name: p.Name, Stage: StageFormat, Detail: fmt.Sprintf("type %s cannot serve %s requests", p.Type, req.Format)})
			continue
		}
		if _, ok := p.ResolveModel(req.Model); !ok {
			dc.Filtered = append(dc.Filtered, Exclusion{ProviderID: p.ID, Name: p.Name, Stage: StageModel, Detail: "does not serve " + req.Model})
			continue
		}
		if req.Want1M && !p.Allows1MContext() {
			dc.Filtered = append(dc.Filtered, Exclusion{ProviderID: p.ID, Name: p.Name, Stage: StageContext1M, Detail: "1M context disabled"})
			continue
		}

		snap, errSnap := s.breaker.Snapshot(ctx, p.ID)
		if errSnap != nil {
			// A breaker read failure must not take the provider out.
			log.Warnf("selector: circuit snapshot for %s failed: %v", p.ID, errSnap)
		} else {
			states[p.ID] = snap.State
			counts[p.ID] = snap.FailureCount
			if snap.State == circuit.StateOpen {
				dc.Filtered = append(dc.Filtered, Exclusion{
					ProviderID: p.ID,
					Name:       p.Name,
					Stage:      StageCircuitOpen,
					Detail:     "open until " + snap.OpenUntil.UTC().Format(time.RFC3339),
				})
				continue
			}
		}

		period, errCost := s.checker.CheckProvider(ctx, p.Budget())
		if errCost != nil {
			return nil, nil, nil, errCost
		}
		if period != "" {
			dc.Filtered = append(dc.Filtered, Exclusion{ProviderID: p.ID, Name: p.Name, Stage: StageCostLimit, Detail: period + " limit exceeded"})
			continue
		}

		pool = append(pool, p)
	}
	return pool, states, counts, nil
}

// tryReuse validates a sticky binding against the format, model, context,
// and health steps plus concurrency admission. Any miss falls back to the
// normal pass without error.
func (s *Selector) tryReuse(ctx context.Context, providers []*Provider, req Request, dc *DecisionContext) (*Selection, bool, error) {
	var bound *Provider
	for _, p := range providers {
		if p.ID == req.BoundProviderID {
			bound = p
			break
		}
	}
	if bound == nil || !bound.ServesFormat(req.Format, req.Model) {
		return nil, false, nil
	}
	upstream, ok := bound.ResolveModel(req.Model)
	if !ok {
		return nil, false, nil
	}
	if req.Want1M && !bound.Allows1MContext() {
		return nil, false, nil
	}

	var snap circuit.Snapshot
	if got, errSnap := s.breaker.Snapshot(ctx, bound.ID); errSnap != nil {
		log.Warnf("selector: circuit snapshot for %s failed: %v", bound.ID, errSnap)
	} else {
		snap = got
		if snap.State == circuit.StateOpen {
			return nil, false, nil
		}
	}

	period, err := s.checker.CheckProvider(ctx, bound.Budget())
	if err != nil {
		return nil, false, err
	}
	if period != "" {
		return nil, false, nil
	}

	allowed, _, err := s.checker.AdmitProviderSession(ctx, bound.ID, req.SessionID, bound.ConcurrentSessions)
	if err != nil {
		return nil, false, err
	}
	if !allowed {
		return nil, false, nil
	}

	dc.Method = MethodSessionReuse
	dc.Candidates = []Candidate{{
		ProviderID:     bound.ID,
		Name:           bound.Name,
		Priority:       bound.Priority,
		Weight:         bound.Weight,
		CostMultiplier: bound.CostMultiplier,
		Probability:    1,
	}}
	return &Selection{
		Provider:      bound,
		UpstreamModel: upstream,
		Reason:        ReasonSessionReuse,
		Method:        MethodSessionReuse,
		Decision:      dc,
		CircuitState:  snap.State,
		FailureCount:  snap.FailureCount,
	}, true, nil
}

// minPriorityLayer keeps the non-excluded providers sharing the lowest
// priority value.
func minPriorityLayer(pool []*Provider, excluded map[string]bool) []*Provider {
	best, found := 0, false
	for _, p := range pool {
		if excluded[p.ID] {
			continue
		}
		if !found || p.Priority < best {
			best, found = p.Priority, true
		}
	}
	if !found {
		return nil
	}
	layer := make([]*Provider, 0, len(pool))
	for _, p := range pool {
		if !excluded[p.ID] && p.Priority == best {
			layer = append(layer, p)
		}
	}
	return layer
}

// pick sorts the layer by cost multiplier and draws by weight, recording
// the candidates and their normalized probabilities in the decision
// context. A zero weight sum degrades to a uniform draw.
func (s *Selector) pick(layer []*Provider, dc *DecisionContext) (*Provider, string) {
	sorted := make([]*Provider, len(layer))
	copy(sorted, layer)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CostMultiplier < sorted[j].CostMultiplier
	})

	var totalWeight int64
	for _, p := range sorted {
		if p.Weight > 0 {
			totalWeight += p.Weight
		}
	}

	dc.Candidates = dc.Candidates[:0]
	for _, p := range sorted {
		prob := 1 / float64(len(sorted))
		if totalWeight > 0 {
			prob = 0
			if p.Weight > 0 {
				prob = float64(p.Weight) / float64(totalWeight)
			}
		}
		dc.Candidates = append(dc.Candidates, Candidate{
			ProviderID:     p.ID,
			Name:           p.Name,
			Priority:       p.Priority,
			Weight:         p.Weight,
			CostMultiplier: p.CostMultiplier,
			Probability:    prob,
		})
	}

	if len(sorted) == 1 {
		return sorted[0], MethodSingleCandidate
	}
	if totalWeight <= 0 {
		idx := int(s.randFloat() * float64(len(sorted)))
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx], MethodWeightedRandom
	}

	target := s.randFloat() * float64(totalWeight)
	var acc float64
	for _, p := range sorted {
		if p.Weight > 0 {
			acc += float64(p.Weight)
		}
		if target < acc {
			return p, MethodWeightedRandom
		}
	}
	return sorted[len(sorted)-1], MethodWeightedRandom
}

func effectiveGroup(group string) string {
	if strings.TrimSpace(group) == "" {
		return DefaultGroupTag
	}
	return group
}
