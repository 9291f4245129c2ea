package guard

import (
	"context"
	"net/http"
	"strings"

	"github.com/routegate/routegate/internal/config"
	"github.com/routegate/routegate/internal/proxyerr"
	"github.com/routegate/routegate/internal/session"
	"github.com/routegate/routegate/internal/store"
)

// sensitiveStep rejects requests whose message text contains a configured
// pattern. Matching is a case-insensitive substring scan over the flattened
// conversation text; the reply never echoes which pattern matched.
type sensitiveStep struct {
	words    []string
	message  string
	recorder *store.Recorder
}

func newSensitiveStep(cfg *config.Config, recorder *store.Recorder) sensitiveStep {
	words := make([]string, 0, len(cfg.SensitiveWords))
	for _, w := range cfg.SensitiveWords {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, strings.ToLower(w))
		}
	}
	return sensitiveStep{words: words, message: cfg.SensitiveMessage, recorder: recorder}
}

func (sensitiveStep) Name() string { return "sensitive" }

func (g sensitiveStep) Run(ctx context.Context, s *session.Session) (*Halt, error) {
	if len(g.words) == 0 {
		return nil, nil
	}
	text := strings.ToLower(s.FlattenedText())
	if text == "" {
		return nil, nil
	}
	for _, w := range g.words {
		if strings.Contains(text, w) {
			recordLocal(ctx, g.recorder, s, store.BlockedBySensitive, http.StatusBadRequest)
			return haltError(http.StatusBadRequest, proxyerr.TypeInvalidRequest, g.message), nil
		}
	}
	return nil, nil
}
