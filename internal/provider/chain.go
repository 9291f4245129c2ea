package provider

import "time"

// Decision-chain reasons, one per attempt outcome.
const (
	ReasonSessionReuse            = "session_reuse"
	ReasonInitialSelection        = "initial_selection"
	ReasonConcurrentLimitFailed   = "concurrent_limit_failed"
	ReasonRequestSuccess          = "request_success"
	ReasonRetryFailed             = "retry_failed"
	ReasonSystemError             = "system_error"
	ReasonResourceNotFound        = "resource_not_found"
	ReasonClientErrorNonRetryable = "client_error_non_retryable"
	ReasonHTTP2Fallback           = "http2_fallback"
	ReasonClientAbort             = "client_abort"
	ReasonStreamIncomplete        = "stream_incomplete"
)

// Selection methods recorded in the decision context.
const (
	MethodWeightedRandom  = "weighted_random"
	MethodSingleCandidate = "single_candidate"
	MethodSessionReuse    = "session_reuse"
)

// Stages at which a provider can drop out of selection.
const (
	StageFormat          = "format"
	StageModel           = "model"
	StageContext1M       = "context_1m"
	StageCircuitOpen     = "circuit_open"
	StageCostLimit       = "cost_limit"
	StageConcurrentLimit = "concurrent_limit"
	StageExcludedPrior   = "excluded_prior"
)

// Candidate is one provider that survived filtering, with the weight and
// normalized probability it carried into the draw.
type Candidate struct {
	ProviderID     string  `json:"providerId"`
	Name           string  `json:"name"`
	Priority       int     `json:"priority"`
	Weight         int64   `json:"weight"`
	CostMultiplier float64 `json:"costMultiplier"`
	Probability    float64 `json:"probability"`
}

// Exclusion explains why a provider dropped out of selection.
type Exclusion struct {
	ProviderID string `json:"providerId"`
	Name       string `json:"name"`
	Stage      string `json:"stage"`
	Detail     string `json:"detail,omitempty"`
}

// DecisionContext is the full explanation of one selection pass, persisted
// with the chain item so a 503 or an audit can show exactly what was
// considered. The group filter is silent: providers outside the caller's
// group are not listed.
type DecisionContext struct {
	Group      string      `json:"group"`
	Model      string      `json:"model"`
	Format     string      `json:"format"`
	Method     string      `json:"method,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
	Filtered   []Exclusion `json:"filtered,omitempty"`
}

// ErrorDetails carries the sanitized upstream failure facts for a chain
// item.
type ErrorDetails struct {
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Kind    string            `json:"kind,omitempty"`
	Message string            `json:"message,omitempty"`
}

// ChainItem is one append-only record of a provider attempt.
type ChainItem struct {
	ProviderID   string `json:"providerId"`
	ProviderName string `json:"providerName"`

	Reason string `json:"reason"`
	Method string `json:"method,omitempty"`

	// CircuitState is the breaker state observed when the decision was
	// made.
	CircuitState     string `json:"circuitState,omitempty"`
	FailureCount     int    `json:"failureCount,omitempty"`
	FailureThreshold int    `json:"failureThreshold,omitempty"`

	Attempt    int `json:"attempt"`
	StatusCode int `json:"statusCode,omitempty"`

	Error    *ErrorDetails    `json:"errorDetails,omitempty"`
	Decision *DecisionContext `json:"decisionContext,omitempty"`

	At time.Time `json:"at"`
}

// Chain is the ordered attempt history for one request.
type Chain []ChainItem

// Append adds an item, stamping the attempt number.
func (c Chain) Append(item ChainItem) Chain {
	item.Attempt = len(c) + 1
	if item.At.IsZero() {
		item.At = time.Now()
	}
	return append(c, item)
}

// Last returns the most recent item, or nil for an empty chain.
func (c Chain) Last() *ChainItem {
	if len(c) == 0 {
		return nil
	}
	return &c[len(c)-1]
}

// ProviderIDs lists the distinct providers touched, in first-seen order.
func (c Chain) ProviderIDs() []string {
	seen := make(map[string]bool, len(c))
	ids := make([]string, 0, len(c))
	for _, item := range c {
		if item.ProviderID == "" || seen[item.ProviderID] {
			continue
		}
		seen[item.ProviderID] = true
		ids = append(ids, item.ProviderID)
	}
	return ids
}
