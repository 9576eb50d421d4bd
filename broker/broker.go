package broker

import (
	"context"
	"time"

	"github.com/lucidvault/reverie/subscription"
)

// ReconcileRequest is the unit of work queued between webhook ingest and the
// reconcile worker. The webhook handler acknowledges the sender once one of
// these is durably published.
type ReconcileRequest struct {
	ID         string                 `json:"id"` // Unique per publish, for tracing
	UserID     string                 `json:"userId"`
	EventType  string                 `json:"eventType"` // The processor event that produced the candidate
	Candidate  subscription.Candidate `json:"candidate"`
	EnqueuedAt time.Time              `json:"enqueuedAt"`
}

// Producer defines the publishing side of the reconcile queue
type Producer interface {
	Close()
	PublishReconcile(p *ReconcileRequest) error
}

// Consumer defines the consuming side of the reconcile queue
type Consumer interface {
	Close()
	ReceiveReconcile(ctx context.Context) (<-chan *ReconcileRequest, error)
}
