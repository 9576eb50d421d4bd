package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

// ErrNoCustomerIdentity means the user has no customer mapping yet, so there
// is no billing state to verify. Callers should present this as "nothing
// here yet" rather than as a transient failure.
var ErrNoCustomerIdentity = errors.New("no customer identity known for user")

// VerifyTarget is the identifier a post-checkout verification starts from.
// Exactly one variant per lookup strategy; the order they are attempted in
// is decided by the caller, not by inspecting optional fields.
type VerifyTarget interface {
	verifyTarget()
}

// CheckoutSessionTarget resolves state through the checkout session the
// client just completed
type CheckoutSessionTarget struct {
	SessionID string
}

// CustomerTarget resolves state by listing the customer's subscriptions
type CustomerTarget struct {
	CustomerID string
}

// SubscriptionTarget resolves state from a bare subscription reference
type SubscriptionTarget struct {
	SubscriptionID string
}

func (CheckoutSessionTarget) verifyTarget() {}
func (CustomerTarget) verifyTarget()        {}
func (SubscriptionTarget) verifyTarget()    {}

// VerifyResult reports the outcome of a verification pass to the caller so
// the UI can redirect appropriately
type VerifyResult struct {
	// Usable is true when the reconciled record grants paid access
	Usable bool
	// PaymentFailed is a terminal business outcome, not an error: the charge
	// was declined or the session expired unpaid
	PaymentFailed bool
	// Pending means no authoritative state was reachable yet and the caller
	// should retry later (with its own backoff)
	Pending bool
	// Record is the stored record after reconciliation, possibly nil
	Record *SubscriptionRecord
}

// CustomerDirectory is the user/customer identity mapping the verifier
// consults and maintains. customer.Manager implements it.
type CustomerDirectory interface {
	CustomerIDForUser(ctx context.Context, userID string) (string, error)
	Link(ctx context.Context, userID, customerID, email string) error
}

// VerifierOptions contains the dependencies for the Verifier
type VerifierOptions struct {
	Processor  ProcessorClient
	Reconciler *Reconciler
	Directory  CustomerDirectory
	Logger     *zap.Logger
}

// Verifier fetches authoritative state from the processor right after a
// checkout completes and feeds it through the Reconciler. Safe to call
// repeatedly for the same checkout; idempotency comes from reconciliation,
// not from client-side deduplication.
type Verifier struct {
	VerifierOptions
}

// NewVerifier returns a new Verifier
func NewVerifier(option VerifierOptions) (*Verifier, error) {
	if option.Processor == nil {
		return nil, fmt.Errorf("nil Processor is invalid")
	}
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Directory == nil {
		return nil, fmt.Errorf("nil Directory is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Verifier{
		VerifierOptions: option,
	}, nil
}

// Verify attempts each target in order. A transient processor failure falls
// through to the next strategy; a failed payment stops immediately without
// any positive store mutation.
func (v *Verifier) Verify(ctx context.Context, userID string, targets []VerifyTarget) (*VerifyResult, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("at least one VerifyTarget is required")
	}

	logger := v.Logger.With(zap.String("UserID", userID))

	var lastErr error
	for _, target := range targets {
		var (
			res *VerifyResult
			err error
		)
		switch t := target.(type) {
		case CheckoutSessionTarget:
			res, err = v.verifySession(ctx, userID, t.SessionID)
		case CustomerTarget:
			res, err = v.verifyCustomer(ctx, userID, t.CustomerID)
		case SubscriptionTarget:
			res, err = v.verifySubscription(ctx, userID, t.SubscriptionID)
		default:
			return nil, fmt.Errorf("unknown VerifyTarget %T", target)
		}
		if err != nil {
			logger.Warn("Verification strategy failed, trying next",
				zap.String("Target", fmt.Sprintf("%T", target)),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		return res, nil
	}

	return nil, lastErr
}

func (v *Verifier) verifySession(ctx context.Context, userID, sessionID string) (*VerifyResult, error) {
	sess, err := v.Processor.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// A failed or expired payment must never be reconciled as active
	if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		v.Logger.Info("Checkout session is unpaid",
			zap.String("UserID", userID),
			zap.String("SessionID", sessionID),
		)
		return &VerifyResult{PaymentFailed: true}, nil
	}

	customerID := ""
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}
	if len(customerID) > 0 {
		email := ""
		if sess.CustomerEmail != "" {
			email = sess.CustomerEmail
		}
		if err := v.Directory.Link(ctx, userID, customerID, email); err != nil {
			// Mapping failure is logged but does not block reconciliation
			v.Logger.Error("Unable to link customer identity",
				zap.String("UserID", userID),
				zap.String("CustomerID", customerID),
				zap.Error(err),
			)
		}
	}

	var candidate Candidate
	if sess.Subscription != nil && len(sess.Subscription.ID) > 0 {
		full := sess.Subscription
		if full.Status == "" {
			// Session carried only a subscription reference; fetch the detail
			full, err = v.Processor.GetSubscription(ctx, sess.Subscription.ID)
			if err != nil {
				return nil, err
			}
		}
		candidate = CandidateFromStripe(full)
		if len(candidate.CustomerID) == 0 {
			candidate.CustomerID = customerID
		}
	} else {
		// A session alone under-specifies status; synthesize a low-authority
		// candidate that any real subscription object will outrank on ties
		candidate = Candidate{
			CustomerID: customerID,
			Status:     StatusActive,
			Source:     SourceCheckoutSession,
		}
	}

	return v.reconcile(ctx, userID, candidate)
}

func (v *Verifier) verifyCustomer(ctx context.Context, userID, customerID string) (*VerifyResult, error) {
	if len(customerID) == 0 {
		known, err := v.Directory.CustomerIDForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		customerID = known
	}
	if len(customerID) == 0 {
		return nil, ErrNoCustomerIdentity
	}

	subs, err := v.Processor.ListSubscriptions(ctx, customerID)
	if err != nil {
		return nil, err
	}
	best := pickAuthoritative(subs)
	if best == nil {
		return &VerifyResult{Pending: true}, nil
	}
	return v.reconcile(ctx, userID, CandidateFromStripe(best))
}

func (v *Verifier) verifySubscription(ctx context.Context, userID, subscriptionID string) (*VerifyResult, error) {
	sub, err := v.Processor.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return v.reconcile(ctx, userID, CandidateFromStripe(sub))
}

func (v *Verifier) reconcile(ctx context.Context, userID string, candidate Candidate) (*VerifyResult, error) {
	rec, err := v.Reconciler.Reconcile(ctx, userID, candidate)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{
		Usable: rec.Usable(time.Now()),
		Record: rec,
	}, nil
}

// pickAuthoritative chooses the subscription that should represent the
// customer when a listing returns several: highest authority rank first,
// then the one paid furthest into the future.
func pickAuthoritative(subs []*stripe.Subscription) *stripe.Subscription {
	if len(subs) == 0 {
		return nil
	}
	sorted := make([]*stripe.Subscription, len(subs))
	copy(sorted, subs)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri := rank(StatusFromStripe(sorted[i].Status))
		rj := rank(StatusFromStripe(sorted[j].Status))
		if ri != rj {
			return ri > rj
		}
		return sorted[i].CurrentPeriodEnd > sorted[j].CurrentPeriodEnd
	})
	return sorted[0]
}
