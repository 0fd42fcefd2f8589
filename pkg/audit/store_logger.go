package audit

import (
	"context"
	"fmt"
)

// Sink persists audit events, e.g. store.AuditLogStore.
type Sink interface {
	AppendAudit(ctx context.Context, evt Event) error
}

type StoreLogger struct {
	sink Sink
}

func NewStoreLogger(s Sink) *StoreLogger {
	return &StoreLogger{sink: s}
}

func (l *StoreLogger) Record(ctx context.Context, evt Event) error {
	if l.sink == nil {
		return fmt.Errorf("fail-closed: audit store not configured")
	}
	return l.sink.AppendAudit(ctx, complete(ctx, evt))
}

// Tee fans an event out to every logger and returns the first error.
func Tee(loggers ...Logger) Logger {
	return tee(loggers)
}

type tee []Logger

func (t tee) Record(ctx context.Context, evt Event) error {
	evt = complete(ctx, evt)
	var first error
	for _, l := range t {
		if err := l.Record(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}
