package subscription

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory Store for exercising the Reconciler without a
// database. Conditional semantics mirror the Postgres-backed Manager.
type memStore struct {
	mu      sync.Mutex
	records map[string]*SubscriptionRecord

	// failConditional makes that many conditional updates lose, as if a
	// concurrent writer kept touching the row
	failConditional int
	statusOnlyCalls int
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*SubscriptionRecord),
	}
}

func (s *memStore) GetByUserID(ctx context.Context, userID string) (*SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (s *memStore) Create(ctx context.Context, rec *SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.UserID]; ok {
		return fmt.Errorf("duplicate key")
	}
	rec.UpdatedAt = time.Now()
	copied := *rec
	s.records[rec.UserID] = &copied
	return nil
}

func (s *memStore) UpdateConditional(ctx context.Context, rec *SubscriptionRecord, expected time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failConditional > 0 {
		s.failConditional--
		return false, nil
	}
	current, ok := s.records[rec.UserID]
	if !ok || !current.UpdatedAt.Equal(expected) {
		return false, nil
	}
	rec.UpdatedAt = time.Now()
	copied := *rec
	s.records[rec.UserID] = &copied
	return true, nil
}

func (s *memStore) UpdateStatus(ctx context.Context, userID string, status Status, source Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusOnlyCalls++
	current, ok := s.records[userID]
	if !ok {
		return fmt.Errorf("no record for user")
	}
	current.Status = status
	current.Source = source
	current.UpdatedAt = time.Now()
	return nil
}

func newTestReconciler(t *testing.T, store Store) *Reconciler {
	t.Helper()
	r, err := NewReconciler(ReconcilerOptions{
		Store:  store,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return r
}

// semantic strips the write timestamp so records can be compared on content
func semantic(rec *SubscriptionRecord) SubscriptionRecord {
	copied := *rec
	copied.UpdatedAt = time.Time{}
	return copied
}

func TestReconcileIdempotent(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(t, store)
	ctx := context.Background()

	end := timePtr(time.Now().Add(30 * 24 * time.Hour))
	candidate := Candidate{
		CustomerID:       "cus_1",
		SubscriptionID:   "sub_1",
		Status:           StatusActive,
		CurrentPeriodEnd: end,
		Source:           SourceSubscription,
	}

	first, err := r.Reconcile(ctx, "user-1", candidate)
	require.NoError(t, err)
	second, err := r.Reconcile(ctx, "user-1", candidate)
	require.NoError(t, err)

	assert.Equal(t, semantic(first), semantic(second))
}

func TestReconcileRankMonotonic(t *testing.T) {
	end := timePtr(time.Now().Add(30 * 24 * time.Hour))
	active := Candidate{
		CustomerID:       "cus_1",
		SubscriptionID:   "sub_1",
		Status:           StatusActive,
		CurrentPeriodEnd: end,
		Source:           SourceSubscription,
	}
	canceled := Candidate{
		CustomerID:       "cus_1",
		SubscriptionID:   "sub_1",
		Status:           StatusCanceled,
		CurrentPeriodEnd: end,
		Source:           SourceSubscription,
	}

	orders := [][]Candidate{
		{active, canceled},
		{canceled, active},
	}
	for _, order := range orders {
		store := newMemStore()
		r := newTestReconciler(t, store)
		for _, c := range order {
			_, err := r.Reconcile(context.Background(), "user-1", c)
			require.NoError(t, err)
		}
		final, err := store.GetByUserID(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, final.Status)
	}
}

func TestReconcileOutOfOrderConvergence(t *testing.T) {
	now := time.Now()
	endNear := timePtr(now.Add(30 * 24 * time.Hour))
	endFar := timePtr(now.Add(60 * 24 * time.Hour))

	e1 := Candidate{CustomerID: "cus_1", SubscriptionID: "sub_1", Status: StatusActive, CurrentPeriodEnd: endNear, Source: SourceSubscription}
	e2 := Candidate{CustomerID: "cus_1", SubscriptionID: "sub_1", Status: StatusPastDue, CurrentPeriodEnd: endNear, Source: SourceSubscription}
	e3 := Candidate{CustomerID: "cus_1", SubscriptionID: "sub_1", Status: StatusActive, CurrentPeriodEnd: endFar, Source: SourceSubscription}

	run := func(order []Candidate) SubscriptionRecord {
		store := newMemStore()
		r := newTestReconciler(t, store)
		for _, c := range order {
			_, err := r.Reconcile(context.Background(), "user-1", c)
			require.NoError(t, err)
		}
		final, err := store.GetByUserID(context.Background(), "user-1")
		require.NoError(t, err)
		return semantic(final)
	}

	inOrder := run([]Candidate{e1, e2, e3})
	scrambled := run([]Candidate{e2, e1, e3})

	assert.Equal(t, inOrder, scrambled)
	assert.Equal(t, StatusActive, scrambled.Status)
	assert.True(t, scrambled.CurrentPeriodEnd.Equal(*endFar))
}

func TestReconcileScheduledCancellationScenario(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(t, store)
	ctx := context.Background()
	now := time.Now()
	end := timePtr(now.Add(30 * 24 * time.Hour))

	_, err := r.Reconcile(ctx, "user-1", Candidate{
		CustomerID:       "cus_1",
		SubscriptionID:   "sub_1",
		Status:           StatusActive,
		CurrentPeriodEnd: end,
		Source:           SourceSubscription,
	})
	require.NoError(t, err)

	rec, err := r.Reconcile(ctx, "user-1", Candidate{
		CustomerID:        "cus_1",
		SubscriptionID:    "sub_1",
		Status:            StatusCanceled,
		CancelAtPeriodEnd: true,
		CurrentPeriodEnd:  end,
		Source:            SourceSubscription,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCanceled, rec.Status)
	assert.Equal(t, StatusActive, rec.EffectiveStatus(now))
	assert.True(t, rec.Usable(now))
	assert.Equal(t, StatusCanceled, rec.EffectiveStatus(end.Add(time.Minute)))
}

func TestReconcileClearsSubscriptionIDOnDeletion(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(t, store)
	ctx := context.Background()
	past := timePtr(time.Now().Add(-time.Hour))

	// Scheduled cancellation whose period has already lapsed
	_, err := r.Reconcile(ctx, "user-1", Candidate{
		CustomerID:        "cus_1",
		SubscriptionID:    "sub_1",
		Status:            StatusCanceled,
		CancelAtPeriodEnd: true,
		CurrentPeriodEnd:  past,
		Source:            SourceSubscription,
	})
	require.NoError(t, err)

	rec, err := r.Reconcile(ctx, "user-1", Candidate{
		CustomerID:       "cus_1",
		SubscriptionID:   "",
		Status:           StatusCanceled,
		CurrentPeriodEnd: past,
		Source:           SourceSubscription,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, rec.Status)
	assert.Empty(t, rec.SubscriptionID)
}

func TestReconcileCustomerIDSetOnce(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(t, store)
	ctx := context.Background()
	end := timePtr(time.Now().Add(30 * 24 * time.Hour))

	_, err := r.Reconcile(ctx, "user-1", Candidate{
		CustomerID:       "cus_original",
		SubscriptionID:   "sub_1",
		Status:           StatusPastDue,
		CurrentPeriodEnd: end,
		Source:           SourceSubscription,
	})
	require.NoError(t, err)

	rec, err := r.Reconcile(ctx, "user-1", Candidate{
		CustomerID:       "cus_other",
		SubscriptionID:   "sub_1",
		Status:           StatusActive,
		CurrentPeriodEnd: end,
		Source:           SourceSubscription,
	})
	require.NoError(t, err)
	assert.Equal(t, "cus_original", rec.CustomerID)
}

func TestReconcileFallsBackToStatusOnlyUpdate(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(t, store)
	ctx := context.Background()
	end := timePtr(time.Now().Add(30 * 24 * time.Hour))

	_, err := r.Reconcile(ctx, "user-1", Candidate{
		CustomerID:       "cus_1",
		SubscriptionID:   "sub_1",
		Status:           StatusPastDue,
		CurrentPeriodEnd: end,
		Source:           SourceSubscription,
	})
	require.NoError(t, err)

	store.failConditional = conflictRetries

	rec, err := r.Reconcile(ctx, "user-1", Candidate{
		CustomerID:       "cus_1",
		SubscriptionID:   "sub_1",
		Status:           StatusActive,
		CurrentPeriodEnd: end,
		Source:           SourceSubscription,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.statusOnlyCalls)
	assert.Equal(t, StatusActive, rec.Status)
}

func TestReconcileConcurrentSameUser(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(t, store)
	end := timePtr(time.Now().Add(30 * 24 * time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := StatusActive
			if i%2 == 0 {
				status = StatusPastDue
			}
			_, err := r.Reconcile(context.Background(), "user-1", Candidate{
				CustomerID:       "cus_1",
				SubscriptionID:   "sub_1",
				Status:           status,
				CurrentPeriodEnd: end,
				Source:           SourceSubscription,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	final, err := store.GetByUserID(context.Background(), "user-1")
	require.NoError(t, err)
	// Whatever the interleaving, the active candidates outrank past_due
	assert.Equal(t, StatusActive, final.Status)
}
