// Package engine ties ingestion, retrieval, composition, and visitor
// identity together behind the operations the rest of the system calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/mirror/internal/composer"
	"github.com/MikeSquared-Agency/mirror/internal/hermes"
	"github.com/MikeSquared-Agency/mirror/internal/identity"
	"github.com/MikeSquared-Agency/mirror/internal/index"
	"github.com/MikeSquared-Agency/mirror/internal/ingest"
	"github.com/MikeSquared-Agency/mirror/internal/retriever"
	"github.com/MikeSquared-Agency/mirror/internal/telemetry"
)

const (
	defaultAnswerTimeout = 30 * time.Second
	handoffTimeout       = 5 * time.Second

	// nameField is the profile field holding the owner's display name.
	nameField = "name"
)

type Engine struct {
	pipeline  *ingest.Pipeline
	retriever *retriever.Retriever
	composer  *composer.Composer
	visitors  *identity.Resolver
	sink      TurnSink
	events    Publisher
	metrics   *telemetry.Metrics
	cfg       Config
	logger    *slog.Logger

	wg sync.WaitGroup
}

// New builds an engine. sink and events may be nil when no NATS connection
// is configured; turns are then only logged.
func New(p *ingest.Pipeline, r *retriever.Retriever, c *composer.Composer, v *identity.Resolver,
	sink TurnSink, events Publisher, metrics *telemetry.Metrics, cfg Config, logger *slog.Logger) *Engine {
	if cfg.RetrieveK <= 0 {
		cfg.RetrieveK = retriever.DefaultK
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = defaultAnswerTimeout
	}
	e := &Engine{
		pipeline:  p,
		retriever: r,
		composer:  c,
		visitors:  v,
		sink:      sink,
		events:    events,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
	}
	c.WithNames(e.ownerName)
	return e
}

// Ingest indexes text under sourceID. Ids carrying a temporary prefix are
// marked temporary so a later ReconcileID can move them.
func (e *Engine) Ingest(ctx context.Context, tenantID string, sourceType index.SourceType, sourceID, text string) (ingest.Result, error) {
	return e.IngestSource(ctx, ingest.Source{
		SourceRef: ingest.SourceRef{
			TenantID:   tenantID,
			SourceType: sourceType,
			SourceID:   sourceID,
			Temporary:  ingest.LooksTemporary(sourceID),
		},
		Text: text,
	})
}

// IngestSource is Ingest with title, description, and force.
func (e *Engine) IngestSource(ctx context.Context, src ingest.Source) (ingest.Result, error) {
	res, err := e.pipeline.Ingest(ctx, src)
	e.metrics.RecordIngest(ctx, string(src.SourceType), string(res.State))

	evt := hermes.IngestEvent{
		TenantID:   src.TenantID,
		SourceType: string(src.SourceType),
		SourceID:   res.SourceID,
		State:      string(res.State),
		Passages:   res.Passages,
		At:         time.Now().UTC(),
	}
	subject := hermes.SubjectIngestCompleted
	if err != nil {
		subject = hermes.SubjectIngestFailed
		evt.SourceID = src.SourceID
		evt.Error = err.Error()
		evt.Retryable = ingest.IsRetryable(err)
	}
	e.publish(subject, evt)
	return res, err
}

// ReconcileID moves tempID's passages to permanentID. When nothing is
// indexed under tempID yet it returns ingest.ErrReconciliationPending and
// the move happens once the content arrives.
func (e *Engine) ReconcileID(ctx context.Context, tenantID, tempID, permanentID string) (ingest.ReconcileResult, error) {
	return e.pipeline.ReconcileID(ctx, tenantID, tempID, permanentID)
}

// Forget drops a source from the tenant's index.
func (e *Engine) Forget(ctx context.Context, tenantID, sourceID string) (int, error) {
	return e.pipeline.Forget(ctx, tenantID, sourceID)
}

// IngestProfile indexes each non-empty profile field as its own source and
// forgets fields that are no longer present. Every field is attempted; the
// first error is returned.
func (e *Engine) IngestProfile(ctx context.Context, tenantID string, fields map[string]string) (map[string]ingest.Result, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]ingest.Result, len(names))
	var firstErr error
	keep := make(map[string]bool, len(names))
	for _, name := range names {
		text := strings.TrimSpace(fields[name])
		if text == "" {
			continue
		}
		keep[name] = true
		res, err := e.Ingest(ctx, tenantID, index.ProfileField, name, text)
		results[name] = res
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("field %s: %w", name, err)
		}
	}

	existing, err := e.pipeline.Sources(ctx, tenantID)
	if err != nil {
		e.logger.Warn("listing profile fields failed", "tenant", tenantID, "error", err)
		return results, firstErr
	}
	for _, entry := range existing {
		if entry.SourceType != index.ProfileField || keep[entry.SourceID] {
			continue
		}
		if _, err := e.Forget(ctx, tenantID, entry.SourceID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("forget field %s: %w", entry.SourceID, err)
		}
	}
	return results, firstErr
}

// Answer replies to one visitor message. Only a malformed request is an
// error; every downstream failure degrades to a fallback answer.
func (e *Engine) Answer(ctx context.Context, req AnswerRequest) (AnswerResponse, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Query = strings.TrimSpace(req.Query)
	if req.TenantID == "" || req.Query == "" {
		return AnswerResponse{}, fmt.Errorf("%w: tenant_id and query are required", ErrInvalidRequest)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AnswerTimeout)
	defer cancel()

	// Identity first, so the query and the answer share one durable id.
	var visitorID string
	visitor, err := e.visitors.Resolve(ctx, req.VisitorToken, req.VisitorName)
	if err != nil {
		e.logger.Error("visitor resolution failed", "tenant", req.TenantID, "error", err)
	} else {
		visitorID = visitor.ID.String()
	}

	hits, err := e.retriever.Retrieve(ctx, req.TenantID, req.Query, e.cfg.RetrieveK, e.cfg.MinScore)
	if err != nil {
		e.logger.Warn("retrieval failed, answering without passages", "tenant", req.TenantID, "error", err)
		hits = nil
	}

	ans, err := e.composer.Compose(ctx, req.TenantID, req.Query, hits, req.History)
	if err != nil || ans.Text == "" {
		ans = composer.Answer{Text: composer.FallbackText, Fallback: true}
	}

	resp := AnswerResponse{
		AnswerText:       ans.Text,
		DurableVisitorID: visitorID,
		Fallback:         ans.Fallback,
		Sources:          sourceHits(hits),
	}
	took := time.Since(start)
	e.metrics.RecordAnswer(ctx, took, ans.Fallback)
	e.logger.Info("answered",
		"tenant", req.TenantID,
		"visitor_id", visitorID,
		"passages", len(hits),
		"fallback", ans.Fallback,
		"took_ms", took.Milliseconds(),
	)

	if visitorID != "" {
		e.handoff(ctx, Turn{
			TenantID:     req.TenantID,
			VisitorID:    visitorID,
			VisitorToken: visitor.ExternalToken,
			VisitorName:  visitor.DisplayName,
			Query:        req.Query,
			Answer:       ans.Text,
			Passages:     resp.Sources,
			Fallback:     ans.Fallback,
			At:           time.Now().UTC(),
		})
	}

	if e.cfg.IndexConversations && !ans.Fallback {
		e.indexConversation(ctx, req.TenantID, req.Query, ans.Text)
	}
	return resp, nil
}

func (e *Engine) handoff(ctx context.Context, turn Turn) {
	if e.sink == nil {
		e.logger.Debug("no turn sink configured", "tenant", turn.TenantID, "visitor_id", turn.VisitorID)
		return
	}
	// The answer is already composed; a late deadline must not lose the turn.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handoffTimeout)
	defer cancel()
	if err := e.sink.HandoffTurn(ctx, turn); err != nil {
		e.logger.Error("turn handoff failed", "tenant", turn.TenantID, "visitor_id", turn.VisitorID, "error", err)
	}
}

// indexConversation stores the exchange as a conversation source in the
// background.
func (e *Engine) indexConversation(ctx context.Context, tenantID, query, answer string) {
	sourceID := "conv-" + uuid.NewString()
	text := "Visitor asked: " + query + "\nAnswered: " + answer
	ctx = context.WithoutCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Ingest(ctx, tenantID, index.Conversation, sourceID, text); err != nil {
			e.logger.Warn("indexing conversation failed", "tenant", tenantID, "source_id", sourceID, "error", err)
		}
	}()
}

// Wait blocks until background conversation indexing has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// connectionReporter is implemented by publishers holding a live
// connection, such as the Hermes client.
type connectionReporter interface {
	Connected() bool
}

// Status reports breaker, reconciliation, and event bus state.
func (e *Engine) Status(ctx context.Context) Status {
	st := Status{
		Breaker:            e.composer.BreakerState(),
		IndexConversations: e.cfg.IndexConversations,
		NATS:               "disabled",
	}
	if pending, err := e.pipeline.Pending(ctx); err == nil {
		st.PendingReconciles = len(pending)
	}
	if e.events != nil {
		st.NATS = "unknown"
		if cr, ok := e.events.(connectionReporter); ok {
			st.NATS = "disconnected"
			if cr.Connected() {
				st.NATS = "connected"
			}
		}
	}
	return st
}

func (e *Engine) ownerName(ctx context.Context, tenantID string) string {
	entry, ok, err := e.pipeline.Source(ctx, tenantID, nameField)
	if err != nil || !ok || entry.SourceType != index.ProfileField {
		return ""
	}
	return entry.Text
}

func (e *Engine) publish(subject string, data any) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(subject, data); err != nil {
		e.logger.Warn("publish failed", "subject", subject, "error", err)
	}
}

func sourceHits(hits []index.Scored) []SourceHit {
	out := make([]SourceHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, SourceHit{
			SourceType: string(h.SourceType),
			SourceID:   h.SourceID,
			Sequence:   h.Sequence,
			Score:      h.Score,
		})
	}
	return out
}

// IsInvalid reports whether err is the caller's fault.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ingest.ErrInvalidSource) ||
		errors.Is(err, identity.ErrInvalidToken)
}
