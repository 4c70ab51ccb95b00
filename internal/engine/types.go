package engine

import (
	"context"
	"errors"
	"time"

	"github.com/MikeSquared-Agency/mirror/internal/composer"
)

var ErrInvalidRequest = errors.New("invalid request")

type AnswerRequest struct {
	TenantID     string             `json:"tenant_id"`
	VisitorToken string             `json:"visitor_token"`
	VisitorName  string             `json:"visitor_name,omitempty"`
	Query        string             `json:"query"`
	History      []composer.Message `json:"history,omitempty"`
}

type AnswerResponse struct {
	AnswerText string `json:"answer_text"`
	// DurableVisitorID is empty when the visitor could not be resolved.
	DurableVisitorID string      `json:"durable_visitor_id"`
	Fallback         bool        `json:"fallback"`
	Sources          []SourceHit `json:"sources"`
}

// SourceHit names a passage the answer was grounded in.
type SourceHit struct {
	SourceType string  `json:"source_type"`
	SourceID   string  `json:"source_id"`
	Sequence   int     `json:"sequence"`
	Score      float64 `json:"score"`
}

// Turn is one answered visitor message. A single record carries both the
// query and the answer so both are attributed to the same visitor.
type Turn struct {
	TenantID     string      `json:"tenant_id"`
	VisitorID    string      `json:"visitor_id"`
	VisitorToken string      `json:"visitor_token"`
	VisitorName  string      `json:"visitor_name,omitempty"`
	Query        string      `json:"query"`
	Answer       string      `json:"answer"`
	Passages     []SourceHit `json:"passages"`
	Fallback     bool        `json:"fallback"`
	At           time.Time   `json:"at"`
}

// TurnSink takes ownership of answered turns for persistence.
type TurnSink interface {
	HandoffTurn(ctx context.Context, t Turn) error
}

// Publisher is the slice of the NATS client the engine uses.
type Publisher interface {
	Publish(subject string, data any) error
}

type Config struct {
	RetrieveK          int
	MinScore           float64
	AnswerTimeout      time.Duration
	IndexConversations bool
}

// Status summarises the engine for the status endpoint.
type Status struct {
	Breaker            string `json:"breaker"`
	PendingReconciles  int    `json:"pending_reconciliations"`
	IndexConversations bool   `json:"index_conversations"`
	// NATS is "connected", "disconnected", "disabled" when no event bus is
	// configured, or "unknown" when the publisher cannot tell.
	NATS string `json:"nats"`
}
