package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MikeSquared-Agency/mirror/internal/hermes"
	"github.com/MikeSquared-Agency/mirror/internal/index"
	"github.com/MikeSquared-Agency/mirror/internal/ingest"
)

// HandleContentChanged is the NATS handler for mirror.content.changed.
func (e *Engine) HandleContentChanged(subject string, data []byte) {
	ctx := context.Background()

	var evt hermes.ContentChanged
	if err := json.Unmarshal(data, &evt); err != nil {
		e.logger.Error("failed to parse content event", "subject", subject, "error", err)
		return
	}

	st, err := index.ParseSourceType(evt.SourceType)
	if err != nil {
		e.logger.Error("invalid content event", "subject", subject, "source_id", evt.SourceID, "error", err)
		return
	}

	// Ingest logs and publishes the outcome itself.
	_, _ = e.IngestSource(ctx, ingest.Source{
		SourceRef: ingest.SourceRef{
			TenantID:   evt.TenantID,
			SourceType: st,
			SourceID:   evt.SourceID,
			Temporary:  evt.Temporary || ingest.LooksTemporary(evt.SourceID),
		},
		Title:       evt.Title,
		Description: evt.Description,
		Text:        evt.Text,
	})
}

// HandleContentPersisted is the NATS handler for mirror.content.persisted.
func (e *Engine) HandleContentPersisted(subject string, data []byte) {
	ctx := context.Background()

	var evt hermes.ContentPersisted
	if err := json.Unmarshal(data, &evt); err != nil {
		e.logger.Error("failed to parse persisted event", "subject", subject, "error", err)
		return
	}

	res, err := e.ReconcileID(ctx, evt.TenantID, evt.TempID, evt.PermanentID)
	switch {
	case errors.Is(err, ingest.ErrReconciliationPending):
		e.logger.Info("reconciliation pending", "tenant", evt.TenantID, "temp_id", evt.TempID, "permanent_id", evt.PermanentID)
	case err != nil:
		e.logger.Error("reconciliation failed", "tenant", evt.TenantID, "temp_id", evt.TempID, "error", err)
	default:
		e.logger.Info("source id reconciled", "tenant", evt.TenantID, "temp_id", res.TempID, "permanent_id", res.PermanentID, "moved", res.Moved)
	}
}

// HandleContentDeleted is the NATS handler for mirror.content.deleted.
func (e *Engine) HandleContentDeleted(subject string, data []byte) {
	ctx := context.Background()

	var evt hermes.ContentDeleted
	if err := json.Unmarshal(data, &evt); err != nil {
		e.logger.Error("failed to parse deleted event", "subject", subject, "error", err)
		return
	}
	if _, err := e.Forget(ctx, evt.TenantID, evt.SourceID); err != nil {
		e.logger.Error("forget failed", "tenant", evt.TenantID, "source_id", evt.SourceID, "error", err)
	}
}

// Subscribe registers the content handlers.
func (e *Engine) Subscribe(sub interface {
	Subscribe(subject string, handler func(subject string, data []byte)) error
}) error {
	handlers := map[string]func(string, []byte){
		hermes.SubjectContentChanged:   e.HandleContentChanged,
		hermes.SubjectContentPersisted: e.HandleContentPersisted,
		hermes.SubjectContentDeleted:   e.HandleContentDeleted,
	}
	for subject, h := range handlers {
		if err := sub.Subscribe(subject, h); err != nil {
			return err
		}
	}
	return nil
}

// PublishTurns hands turns to the message-logging service over NATS.
func PublishTurns(pub Publisher) TurnSink {
	return publishSink{pub: pub}
}

type publishSink struct{ pub Publisher }

func (s publishSink) HandoffTurn(ctx context.Context, t Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.pub.Publish(hermes.SubjectConversationTurn, t)
}
