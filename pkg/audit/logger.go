// Package audit records who signed, exported or rejected what. Events are
// written as "AUDIT: {json}" lines or persisted through a Sink.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action names the audited operation.
type Action string

const (
	ActionHashSigned        Action = "HASH_SIGNED"
	ActionSignRejected      Action = "SIGN_REJECTED"
	ActionSignRateLimited   Action = "SIGN_RATE_LIMITED"
	ActionSignKMSError      Action = "SIGN_KMS_ERROR"
	ActionBundleRequested   Action = "BUNDLE_REQUESTED"
	ActionBundleProcess     Action = "BUNDLE_PROCESS"
	ActionBundleDownloaded  Action = "BUNDLE_DOWNLOADED"
	ActionCheckpointCreated Action = "CHECKPOINT_CREATED"

	ActionHumanReviewRequested Action = "HUMAN_REVIEW_REQUESTED"
	ActionHumanApproved        Action = "HUMAN_APPROVED"
	ActionHumanRejected        Action = "HUMAN_REJECTED"
	ActionHumanOverride        Action = "HUMAN_OVERRIDE"
	ActionHumanEscalated       Action = "HUMAN_ESCALATED"
	ActionInterventionFailed   Action = "INTERVENTION_FAILED"
)

// Status is the outcome of the audited operation.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusDenied  Status = "DENIED"
)

// Event is a structured audit record.
type Event struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId"`
	ActorID      string         `json:"actorId"`
	Action       Action         `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	Status       Status         `json:"status"`
	Error        string         `json:"error,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, evt Event) error
}

type actorKey struct{}

// WithActor attaches the acting principal (user, API key, worker id) to ctx.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFrom returns the actor set with WithActor, or "system".
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}

// complete fills the fields every sink expects.
func complete(ctx context.Context, evt Event) Event {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.ActorID == "" {
		evt.ActorID = ActorFrom(ctx)
	}
	if evt.TenantID == "" {
		evt.TenantID = "system"
	}
	if evt.Status == "" {
		evt.Status = StatusSuccess
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return evt
}

// logger implements Logger, writing structured JSON to a configurable Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

// Discard drops every event.
func Discard() Logger {
	return &logger{writer: io.Discard}
}

func (l *logger) Record(ctx context.Context, evt Event) error {
	evt = complete(ctx, evt)

	bytes, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}
