package guard

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/routegate/routegate/internal/proxyerr"
	"github.com/routegate/routegate/internal/session"
	"github.com/routegate/routegate/internal/store"
)

// modelStep enforces the user's model allow-list: exact, case-insensitive.
type modelStep struct{}

func (modelStep) Name() string { return "model" }

func (modelStep) Run(_ context.Context, s *session.Session) (*Halt, error) {
	if s.User != nil && !s.User.AllowsModel(s.Model) {
		return haltError(http.StatusBadRequest, proxyerr.TypeInvalidRequest,
			fmt.Sprintf("model %q is not allowed for this account", s.Model)), nil
	}
	return nil, nil
}

// versionStep is a reserved pass-through slot; the position in the chain is
// kept stable so operators reading chain logs see the same step order across
// releases.
type versionStep struct{}

func (versionStep) Name() string { return "version" }

func (versionStep) Run(context.Context, *session.Session) (*Halt, error) { return nil, nil }

// probeTexts are the single-turn payloads CLI clients send to test
// connectivity and token counting. They are answered locally: no provider is
// consulted, no chain entry exists, and nothing is billed.
var probeTexts = []string{"foo", "count"}

type probeStep struct {
	recorder *store.Recorder
}

func (probeStep) Name() string { return "probe" }

func (g probeStep) Run(ctx context.Context, s *session.Session) (*Halt, error) {
	text, ok := s.SingleUserText()
	if !ok {
		return nil, nil
	}
	if !isProbeText(text) {
		return nil, nil
	}
	recordLocal(ctx, g.recorder, s, store.BlockedByProbe, http.StatusOK)
	return &Halt{Status: http.StatusOK, Header: http.Header{}, Body: []byte(`{"input_tokens":0}`)}, nil
}

func isProbeText(text string) bool {
	for _, probe := range probeTexts {
		if strings.EqualFold(text, probe) {
			return true
		}
	}
	return false
}

// localRow builds a request row for a locally answered request: no provider,
// no tokens, no cost, the blocking step recorded for audit.
func localRow(s *session.Session, blockedBy string, status int) *store.MessageRequest {
	row := &store.MessageRequest{
		ID:            s.RequestID,
		CreatedAt:     s.CreatedAt,
		SessionID:     s.ID,
		Sequence:      s.Sequence,
		Format:        s.Format,
		Endpoint:      s.Path,
		ClientUA:      s.UserAgent(),
		OriginalModel: s.OriginalModel(),
		Model:         s.Model,
		BlockedBy:     &blockedBy,
		StatusCode:    status,
		Context1M:     s.Want1M,
	}
	if s.User != nil {
		row.UserID = s.User.ID
	}
	if s.Key != nil {
		row.KeyHash = s.Key.Hash
	}
	return row
}

// recordLocal persists a locally answered row best-effort; a storage failure
// never blocks the local response.
func recordLocal(ctx context.Context, recorder *store.Recorder, s *session.Session, blockedBy string, status int) {
	if recorder == nil {
		return
	}
	if err := recorder.Insert(ctx, localRow(s, blockedBy, status)); err != nil {
		log.Warnf("guard: record %s row for request %s: %v", blockedBy, s.RequestID, err)
	}
}
