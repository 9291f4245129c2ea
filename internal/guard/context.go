package guard

import (
	"context"
	"encoding/json"

	"github.com/routegate/routegate/internal/session"
	"github.com/routegate/routegate/internal/store"
)

// contextStep inserts the request row before the upstream attempt starts.
// The row exists even when the proxy later crashes mid-stream, so billing
// reconciliation always has an anchor; the forwarder fills in the final
// status, tokens and cost afterwards.
type contextStep struct {
	recorder *store.Recorder
}

func (contextStep) Name() string { return "message_context" }

func (g contextStep) Run(ctx context.Context, s *session.Session) (*Halt, error) {
	s.SetOriginalModel(s.Model)

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
		Context1M:     s.Want1M,
	}
	if s.User != nil {
		row.UserID = s.User.ID
	}
	if s.Key != nil {
		row.KeyHash = s.Key.Hash
	}
	if s.Provider != nil {
		id := s.Provider.ID
		row.ProviderID = &id
		row.FinalModel = s.UpstreamModel
	}
	if len(s.Chain) > 0 {
		if raw, err := json.Marshal(s.Chain); err == nil {
			row.ProviderChain = raw
		}
	}
	if len(s.SpecialSettings) > 0 {
		if raw, err := json.Marshal(s.SpecialSettings); err == nil {
			row.SpecialSettings = raw
		}
	}

	if err := g.recorder.Insert(ctx, row); err != nil {
		return nil, err
	}
	s.Row = row
	return nil, nil
}
