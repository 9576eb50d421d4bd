package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store is the persistence surface the Reconciler writes through. Manager
// implements it against Postgres; tests substitute an in-memory fake.
type Store interface {
	GetByUserID(ctx context.Context, userID string) (*SubscriptionRecord, error)
	Create(ctx context.Context, rec *SubscriptionRecord) error
	UpdateConditional(ctx context.Context, rec *SubscriptionRecord, expected time.Time) (bool, error)
	UpdateStatus(ctx context.Context, userID string, status Status, source Source) error
}

// conflictRetries bounds how often a losing conditional write re-reads and
// re-arbitrates before falling back to the status-only update
const conflictRetries = 3

// ReconcilerOptions contains the dependencies for the Reconciler
type ReconcilerOptions struct {
	Store  Store
	Logger *zap.Logger
}

// Reconciler is the single write path into the subscription store. Webhook
// ingest, checkout verification, and the polling fallback all route through
// Reconcile; nothing else mutates SubscriptionRecords.
type Reconciler struct {
	ReconcilerOptions

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewReconciler returns a new Reconciler
func NewReconciler(option ReconcilerOptions) (*Reconciler, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Reconciler{
		ReconcilerOptions: option,
		locks:             make(map[string]*sync.Mutex),
	}, nil
}

// userLock returns the mutex serializing read-decide-write for one user.
// Cross-user reconciliations share nothing.
func (r *Reconciler) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[userID] = l
	}
	return l
}

// Reconcile merges a candidate into the stored record for a user. Replaying
// the same candidate never regresses state: the Status Authority rejects
// anything the store already outranks.
func (r *Reconciler) Reconcile(ctx context.Context, userID string, candidate Candidate) (*SubscriptionRecord, error) {
	if len(userID) == 0 {
		return nil, fmt.Errorf("empty userID is invalid")
	}

	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	logger := r.Logger.With(
		zap.String("UserID", userID),
		zap.String("CandidateStatus", string(candidate.Status)),
		zap.String("CandidateSubscriptionID", candidate.SubscriptionID),
	)

	for attempt := 0; attempt < conflictRetries; attempt++ {
		current, err := r.Store.GetByUserID(ctx, userID)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		if !Wins(current, candidate, now) {
			return current, nil
		}

		next := apply(userID, current, candidate)

		if current == nil {
			if err := r.Store.Create(ctx, next); err != nil {
				// Likely lost a first-write race against another process;
				// re-read and arbitrate against whatever landed
				logger.Warn("Create lost first-write race, retrying",
					zap.Error(err),
				)
				continue
			}
			return next, nil
		}

		ok, err := r.Store.UpdateConditional(ctx, next, current.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
		logger.Warn("Conditional write lost a concurrent update, retrying")
	}

	// The row keeps moving underneath us. Apply the narrow status-only
	// update instead of failing the whole reconciliation.
	logger.Warn("Falling back to status-only update after repeated write conflicts")
	if err := r.Store.UpdateStatus(ctx, userID, candidate.Status, candidate.Source); err != nil {
		return nil, err
	}
	return r.Store.GetByUserID(ctx, userID)
}

// apply builds the next stored record from the current one and an accepted
// candidate, preserving the record invariants.
func apply(userID string, current *SubscriptionRecord, candidate Candidate) *SubscriptionRecord {
	next := &SubscriptionRecord{
		UserID:            userID,
		CustomerID:        candidate.CustomerID,
		SubscriptionID:    candidate.SubscriptionID,
		Status:            candidate.Status,
		CancelAtPeriodEnd: candidate.CancelAtPeriodEnd,
		CanceledAt:        candidate.CanceledAt,
		CurrentPeriodEnd:  candidate.CurrentPeriodEnd,
		Source:            candidate.Source,
	}
	if current != nil {
		// A user maps to at most one customer identity; never overwrite
		if len(current.CustomerID) > 0 {
			next.CustomerID = current.CustomerID
		}
		next.PortalURL = current.PortalURL
	}
	// No state may pair a subscription id with status none, or strip the id
	// while a live status remains
	if next.Status == StatusNone {
		next.SubscriptionID = ""
	}
	return next
}
