package proxyerr

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// RulesChannel is the Redis pub/sub channel that invalidates the cached
// error rules.
const RulesChannel = "cch:cache:error_rules:updated"

// Rule is an operator-defined pattern over upstream error content. A match
// can reclassify the failure as non-retryable and/or override the response
// returned to the client.
type Rule struct {
	ID             int64
	Pattern        string
	MatchType      string // exact, contains, regex
	NonRetryable   bool
	OverrideBody   string
	OverrideStatus int
}

// Override is the outcome of matching an error against the rules.
type Override struct {
	Matched      bool
	NonRetryable bool
	Body         []byte // nil when the rule supplies no body override
	Status       int    // 0 when the rule supplies no status override
}

// RuleSource loads the current rule set, usually from SQL.
type RuleSource interface {
	ErrorRules(ctx context.Context) ([]Rule, error)
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

// Engine matches classified errors against the operator rules. The rule set
// is cached in memory and reloaded when the invalidation channel fires.
type Engine struct {
	source RuleSource
	rdb    *redis.Client

	mu    sync.RWMutex
	rules []compiledRule
}

// NewEngine builds an engine over the given source. rdb may be nil in tests;
// Watch is then a no-op.
func NewEngine(source RuleSource, rdb *redis.Client) *Engine {
	return &Engine{source: source, rdb: rdb}
}

// Load fetches and compiles the rule set. Rules with invalid regex patterns
// are skipped with a warning rather than failing the load.
func (e *Engine) Load(ctx context.Context) error {
	rules, err := e.source.ErrorRules(ctx)
	if err != nil {
		return err
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		cr := compiledRule{rule: rule}
		if rule.MatchType == "regex" {
			re, errCompile := regexp.Compile(rule.Pattern)
			if errCompile != nil {
				log.Warnf("error rule %d: invalid regex %q: %v", rule.ID, rule.Pattern, errCompile)
				continue
			}
			cr.re = re
		}
		compiled = append(compiled, cr)
	}
	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()
	return nil
}

// Watch reloads the rules whenever the invalidation channel publishes.
// It blocks until ctx is done.
func (e *Engine) Watch(ctx context.Context) {
	if e.rdb == nil {
		return
	}
	pubsub := e.rdb.Subscribe(ctx, RulesChannel)
	defer func() { _ = pubsub.Close() }()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if err := e.Load(ctx); err != nil {
				log.Errorf("reload error rules: %v", err)
			} else {
				log.Debug("error rules reloaded")
			}
		}
	}
}

// Match evaluates the rules against the error content, first match wins.
// The result is cached on the error so repeated consultations (classifier,
// then response writer) see one consistent answer.
func (e *Engine) Match(perr *Error) Override {
	if cached, ok := perr.cachedOverride(); ok {
		return *cached
	}
	result := e.match(perr.MatchContent())
	perr.storeOverride(&result)
	return result
}

func (e *Engine) match(content string) Override {
	if content == "" {
		return Override{}
	}
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, cr := range rules {
		if !cr.matches(content) {
			continue
		}
		out := Override{Matched: true, NonRetryable: cr.rule.NonRetryable}
		if cr.rule.OverrideBody != "" {
			if gjson.Valid(cr.rule.OverrideBody) {
				out.Body = []byte(cr.rule.OverrideBody)
			} else {
				log.Warnf("error rule %d: discarding malformed override body", cr.rule.ID)
			}
		}
		if cr.rule.OverrideStatus != 0 {
			out.Status = clampStatus(cr.rule.OverrideStatus)
		}
		return out
	}
	return Override{}
}

func (cr compiledRule) matches(content string) bool {
	switch cr.rule.MatchType {
	case "exact":
		return content == cr.rule.Pattern
	case "regex":
		return cr.re != nil && cr.re.MatchString(content)
	default:
		return strings.Contains(content, cr.rule.Pattern)
	}
}

func clampStatus(status int) int {
	if status < 400 {
		return 400
	}
	if status > 599 {
		return 599
	}
	return status
}
