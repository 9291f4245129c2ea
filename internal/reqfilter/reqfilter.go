// Package reqfilter rewrites outbound requests according to operator-defined
// filter rules: header removal or injection, JSON-path edits, and recursive
// text replacement over the body. Filtering is fail-open; a rule that cannot
// be applied is logged and skipped, never blocking the request.
package reqfilter

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"regexp/syntax"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// FiltersChannel is the Redis pub/sub channel that invalidates the cached
// filter rules.
const FiltersChannel = "cch:cache:request_filters:updated"

// Rule scopes.
const (
	ScopeHeader = "header"
	ScopeBody   = "body"
)

// Rule actions.
const (
	ActionRemove      = "remove"
	ActionSet         = "set"
	ActionJSONPath    = "json_path"
	ActionTextReplace = "text_replace"
)

// maxRegexProgram caps the compiled program size of a rule regex. The regexp
// package guarantees linear-time matching, so the load-time safety check is a
// compile plus this size cap against pathologically large patterns.
const maxRegexProgram = 1000

// Rule is one operator-defined request mutation. A rule with an empty
// ProviderID and GroupTag is global and runs before provider selection;
// bound rules run after, only for the matching provider.
type Rule struct {
	ID          int64
	Scope       string // header, body
	Action      string // remove, set, json_path, text_replace
	MatchType   string // exact, contains, regex
	Target      string
	Replacement string

	// ProviderID binds the rule to one provider; empty means unbound.
	ProviderID string
	// GroupTag binds the rule to every provider carrying the tag.
	GroupTag string
}

// Global reports whether the rule applies before provider selection.
func (r Rule) Global() bool { return r.ProviderID == "" && r.GroupTag == "" }

// Source loads the current filter rules, usually from SQL.
type Source interface {
	RequestFilters(ctx context.Context) ([]Rule, error)
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

// Engine applies the cached rule set to requests. Rules are reloaded when
// the invalidation channel fires.
type Engine struct {
	source Source
	rdb    *redis.Client

	mu    sync.RWMutex
	rules []compiledRule
}

// NewEngine builds an engine over the given source. rdb may be nil in tests;
// Watch is then a no-op.
func NewEngine(source Source, rdb *redis.Client) *Engine {
	return &Engine{source: source, rdb: rdb}
}

// Load fetches and compiles the rule set. Regex rules failing the safety
// check are skipped with a warning rather than failing the load.
func (e *Engine) Load(ctx context.Context) error {
	rules, err := e.source.RequestFilters(ctx)
	if err != nil {
		return err
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		cr := compiledRule{rule: rule}
		if rule.MatchType == "regex" {
			re, errCompile := safeCompile(rule.Target)
			if errCompile != nil {
				log.Warnf("request filter %d: rejecting pattern %q: %v", rule.ID, rule.Target, errCompile)
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
	pubsub := e.rdb.Subscribe(ctx, FiltersChannel)
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
				log.Errorf("reload request filters: %v", err)
			} else {
				log.Debug("request filters reloaded")
			}
		}
	}
}

// safeCompile compiles a rule pattern, rejecting patterns whose compiled
// program exceeds the size cap.
func safeCompile(pattern string) (*regexp.Regexp, error) {
	parsed, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil, err
	}
	prog, err := syntax.Compile(parsed.Simplify())
	if err != nil {
		return nil, err
	}
	if len(prog.Inst) > maxRegexProgram {
		return nil, fmt.Errorf("program size %d exceeds %d", len(prog.Inst), maxRegexProgram)
	}
	return regexp.Compile(pattern)
}

// ApplyGlobal runs the unbound rules over the headers and body, returning
// the possibly rewritten body.
func (e *Engine) ApplyGlobal(headers http.Header, body []byte) []byte {
	return e.apply(headers, body, func(r Rule) bool { return r.Global() })
}

// ApplyProvider runs the rules bound to the chosen provider by id or by one
// of its group tags.
func (e *Engine) ApplyProvider(providerID string, groupTags []string, headers http.Header, body []byte) []byte {
	return e.apply(headers, body, func(r Rule) bool {
		if r.Global() {
			return false
		}
		if r.ProviderID != "" && r.ProviderID == providerID {
			return true
		}
		if r.GroupTag != "" {
			for _, tag := range groupTags {
				if strings.EqualFold(tag, r.GroupTag) {
					return true
				}
			}
		}
		return false
	})
}

func (e *Engine) apply(headers http.Header, body []byte, want func(Rule) bool) []byte {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, cr := range rules {
		if !want(cr.rule) {
			continue
		}
		switch cr.rule.Scope {
		case ScopeHeader:
			cr.applyHeader(headers)
		case ScopeBody:
			body = cr.applyBody(body)
		default:
			log.Warnf("request filter %d: unknown scope %q", cr.rule.ID, cr.rule.Scope)
		}
	}
	return body
}

// applyHeader mutates headers whose names match the rule target.
func (cr compiledRule) applyHeader(headers http.Header) {
	switch cr.rule.Action {
	case ActionRemove:
		for name := range headers {
			if cr.matchString(name) {
				headers.Del(name)
			}
		}
	case ActionSet:
		headers.Set(cr.rule.Target, cr.rule.Replacement)
	default:
		log.Warnf("request filter %d: action %q unsupported for headers", cr.rule.ID, cr.rule.Action)
	}
}

// applyBody rewrites the JSON body. json_path edits require the target path
// to exist; set creates it.
func (cr compiledRule) applyBody(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	switch cr.rule.Action {
	case ActionRemove:
		out, err := sjson.DeleteBytes(body, cr.rule.Target)
		if err != nil {
			log.Warnf("request filter %d: delete %q: %v", cr.rule.ID, cr.rule.Target, err)
			return body
		}
		return out
	case ActionSet:
		return cr.setPath(body)
	case ActionJSONPath:
		if !gjson.GetBytes(body, cr.rule.Target).Exists() {
			return body
		}
		return cr.setPath(body)
	case ActionTextReplace:
		return cr.textReplace(body)
	default:
		log.Warnf("request filter %d: unknown action %q", cr.rule.ID, cr.rule.Action)
		return body
	}
}

// setPath writes the replacement at the target path, preserving JSON values
// when the replacement itself is valid JSON.
func (cr compiledRule) setPath(body []byte) []byte {
	var (
		out []byte
		err error
	)
	if gjson.Valid(cr.rule.Replacement) && !isBareString(cr.rule.Replacement) {
		out, err = sjson.SetRawBytes(body, cr.rule.Target, []byte(cr.rule.Replacement))
	} else {
		out, err = sjson.SetBytes(body, cr.rule.Target, cr.rule.Replacement)
	}
	if err != nil {
		log.Warnf("request filter %d: set %q: %v", cr.rule.ID, cr.rule.Target, err)
		return body
	}
	return out
}

// isBareString reports whether s parses as a JSON value that is not an
// object, array, number, bool, or null; bare words like "yes" are written as
// string values, not raw JSON.
func isBareString(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" {
		return true
	}
	switch t[0] {
	case '{', '[', '"', 't', 'f', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return !gjson.Valid(t)
	default:
		return true
	}
}

// textReplace walks every string value in the JSON tree and rewrites the
// ones matching the rule.
func (cr compiledRule) textReplace(body []byte) []byte {
	if !gjson.ValidBytes(body) {
		return body
	}
	type edit struct {
		path  string
		value string
	}
	var edits []edit
	var walk func(prefix string, value gjson.Result)
	walk = func(prefix string, value gjson.Result) {
		switch value.Type {
		case gjson.String:
			if replaced, changed := cr.replaceString(value.String()); changed {
				edits = append(edits, edit{path: prefix, value: replaced})
			}
		case gjson.JSON:
			value.ForEach(func(key, child gjson.Result) bool {
				childPath := escapePath(key.String())
				if prefix != "" {
					childPath = prefix + "." + childPath
				}
				walk(childPath, child)
				return true
			})
		}
	}
	walk("", gjson.ParseBytes(body))

	out := body
	var err error
	for _, e := range edits {
		out, err = sjson.SetBytes(out, e.path, e.value)
		if err != nil {
			log.Warnf("request filter %d: replace at %q: %v", cr.rule.ID, e.path, err)
			return body
		}
	}
	return out
}

// escapePath protects path metacharacters in keys coming from request JSON.
func escapePath(key string) string {
	return strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`).Replace(key)
}

// replaceString applies the rule's match type to one string value.
func (cr compiledRule) replaceString(s string) (string, bool) {
	switch cr.rule.MatchType {
	case "exact":
		if s == cr.rule.Target {
			return cr.rule.Replacement, true
		}
	case "regex":
		if cr.re != nil && cr.re.MatchString(s) {
			return cr.re.ReplaceAllString(s, cr.rule.Replacement), true
		}
	default:
		if strings.Contains(s, cr.rule.Target) {
			return strings.ReplaceAll(s, cr.rule.Target, cr.rule.Replacement), true
		}
	}
	return s, false
}

// matchString applies the rule's match type to a header name.
func (cr compiledRule) matchString(s string) bool {
	switch cr.rule.MatchType {
	case "exact":
		return strings.EqualFold(s, cr.rule.Target)
	case "regex":
		return cr.re != nil && cr.re.MatchString(s)
	default:
		return strings.Contains(strings.ToLower(s), strings.ToLower(cr.rule.Target))
	}
}
