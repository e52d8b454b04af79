package audit

import (
	"context"
	"time"
)

// Publisher fronts the appender: Emit fills defaults before the event lands.
// Appends stay synchronous so an event commits in the same unit of work as
// the transition it records.
type Publisher struct {
	appender Appender
}

// NewPublisher constructs a Publisher over the given appender.
func NewPublisher(appender Appender) *Publisher {
	return &Publisher{appender: appender}
}

// Emit appends one event, defaulting the timestamp if unset.
func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return p.appender.Append(ctx, event)
}
