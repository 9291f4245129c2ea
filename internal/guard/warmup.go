package guard

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	. "github.com/routegate/routegate/internal/constant"
	"github.com/routegate/routegate/internal/session"
	"github.com/routegate/routegate/internal/store"
)

// warmupTexts are the single-turn payloads the Claude CLI sends to prime a
// conversation before the real prompt arrives.
var warmupTexts = []string{"warmup", "quota"}

// warmupStep answers CLI warmup probes locally with a synthetic empty
// assistant message so the upstream quota is untouched. Off by default;
// enabling it trades warmed provider caches for saved spend.
type warmupStep struct {
	enabled  bool
	recorder *store.Recorder
}

func (warmupStep) Name() string { return "warmup" }

func (g warmupStep) Run(ctx context.Context, s *session.Session) (*Halt, error) {
	if !g.enabled || s.Format != Claude {
		return nil, nil
	}
	text, ok := s.SingleUserText()
	if !ok || !isWarmupText(text) {
		return nil, nil
	}
	recordLocal(ctx, g.recorder, s, store.BlockedByWarmup, http.StatusOK)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &Halt{Status: http.StatusOK, Header: header, Body: warmupBody(s.Model)}, nil
}

func isWarmupText(text string) bool {
	for _, warm := range warmupTexts {
		if strings.EqualFold(text, warm) {
			return true
		}
	}
	return false
}

// warmupBody mirrors the Messages response shape closely enough that CLI
// clients accept it. The msg_cch_ prefix marks the message as cache-warm
// synthetic on later inspection.
func warmupBody(model string) []byte {
	id := "msg_cch_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	body, err := json.Marshal(map[string]interface{}{
		"id":    id,
		"type":  "message",
		"role":  "assistant",
		"model": model,
		"content": []map[string]string{
			{"type": "text", "text": ""},
		},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage": map[string]int{
			"input_tokens":  0,
			"output_tokens": 0,
		},
	})
	if err != nil {
		return []byte(`{"type":"message"}`)
	}
	return body
}
