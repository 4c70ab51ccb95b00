package hermes

import "time"

// Subjects published by mirror.
const (
	// SubjectConversationTurn carries each answered visitor message to the
	// message-logging service.
	SubjectConversationTurn = "mirror.conversation.turn"
	SubjectIngestCompleted  = "mirror.ingest.completed"
	SubjectIngestFailed     = "mirror.ingest.failed"
)

// Subjects mirror listens on. The profile service emits them as owners edit
// content.
const (
	SubjectContentChanged   = "mirror.content.changed"
	SubjectContentPersisted = "mirror.content.persisted"
	SubjectContentDeleted   = "mirror.content.deleted"
)

// ContentChanged asks for a source to be (re)indexed.
type ContentChanged struct {
	TenantID    string `json:"tenant_id"`
	SourceType  string `json:"source_type"`
	SourceID    string `json:"source_id"`
	Temporary   bool   `json:"temporary,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text"`
}

// ContentPersisted reports the permanent id of a source first seen under a
// temporary one.
type ContentPersisted struct {
	TenantID    string `json:"tenant_id"`
	TempID      string `json:"temp_id"`
	PermanentID string `json:"permanent_id"`
}

type ContentDeleted struct {
	TenantID string `json:"tenant_id"`
	SourceID string `json:"source_id"`
}

// IngestEvent reports the outcome of an ingestion run.
type IngestEvent struct {
	TenantID   string    `json:"tenant_id"`
	SourceType string    `json:"source_type"`
	SourceID   string    `json:"source_id"`
	State      string    `json:"state"`
	Passages   int       `json:"passages"`
	Error      string    `json:"error,omitempty"`
	Retryable  bool      `json:"retryable,omitempty"`
	At         time.Time `json:"at"`
}
