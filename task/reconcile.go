package task

import (
	"context"
	"fmt"
	"time"

	"github.com/lucidvault/reverie/broker"
	"github.com/lucidvault/reverie/subscription"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Each store write gets a bounded window; the queue absorbs slowness
const reconcileTimeout = 30 * time.Second

// ReconcileOptions contains the dependencies for the worker-side consumer
type ReconcileOptions struct {
	Reconciler *subscription.Reconciler
	Consumer   broker.Consumer
	Logger     *zap.Logger
}

// ReconcileTask drains queued reconcile requests and feeds them through the
// Reconciler. Requests are idempotent, so redelivery after a crash is safe.
type ReconcileTask struct {
	ReconcileOptions
}

// NewReconcileTask returns a new ReconcileTask
func NewReconcileTask(option ReconcileOptions) (*ReconcileTask, error) {
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Consumer == nil {
		return nil, fmt.Errorf("nil Consumer is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &ReconcileTask{
		ReconcileOptions: option,
	}, nil
}

// HandleRequests starts consuming until ctx is cancelled
func (t *ReconcileTask) HandleRequests(ctx context.Context) error {
	rChan, err := t.Consumer.ReceiveReconcile(ctx)
	if err != nil {
		return extErrors.Wrap(err, "Cannot get reconcile request channel")
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-rChan:
				if req == nil {
					continue
				}
				t.handle(ctx, req)
			}
		}
	}()
	return nil
}

func (t *ReconcileTask) handle(ctx context.Context, req *broker.ReconcileRequest) {
	logger := t.Logger.With(
		zap.String("RequestID", req.ID),
		zap.String("UserID", req.UserID),
		zap.String("EventType", req.EventType),
	)

	reqCtx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()

	rec, err := t.Reconciler.Reconcile(reqCtx, req.UserID, req.Candidate)
	if err != nil {
		// Logged with enough context to replay manually
		logger.Error("Unable to reconcile queued candidate",
			zap.String("CandidateStatus", string(req.Candidate.Status)),
			zap.String("CandidateSubscriptionID", req.Candidate.SubscriptionID),
			zap.Error(err),
		)
		return
	}
	logger.Info("Reconciled queued candidate",
		zap.String("StoredStatus", string(rec.Status)),
	)
}
