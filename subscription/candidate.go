package subscription

import (
	"time"

	"github.com/stripe/stripe-go/v72"
)

// Candidate is a proposed SubscriptionRecord derived from a single webhook
// event, verification call, or polling result. It is not merged into the
// store until the Reconciler accepts it.
type Candidate struct {
	CustomerID        string     `json:"customerId"`
	SubscriptionID    string     `json:"subscriptionId"`
	Status            Status     `json:"status"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	CanceledAt        *time.Time `json:"canceledAt"`
	CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd"`
	Source            Source     `json:"source"`
}

// StatusFromStripe maps Stripe's subscription status to our raw Status.
// Unknown statuses map to none so they never grant paid access.
func StatusFromStripe(s stripe.SubscriptionStatus) Status {
	switch s {
	case stripe.SubscriptionStatusActive:
		return StatusActive
	case stripe.SubscriptionStatusTrialing:
		return StatusTrialing
	case stripe.SubscriptionStatusPastDue:
		return StatusPastDue
	case stripe.SubscriptionStatusUnpaid:
		return StatusUnpaid
	case stripe.SubscriptionStatusCanceled:
		return StatusCanceled
	case stripe.SubscriptionStatusIncomplete, stripe.SubscriptionStatusIncompleteExpired:
		return StatusIncomplete
	default:
		return StatusNone
	}
}

// CandidateFromStripe builds a Candidate from a full Stripe subscription object
func CandidateFromStripe(sub *stripe.Subscription) Candidate {
	c := Candidate{
		SubscriptionID: sub.ID,
		Status:         StatusFromStripe(sub.Status),
		Source:         SourceSubscription,
	}
	if sub.Customer != nil {
		c.CustomerID = sub.Customer.ID
	}
	c.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0)
		c.CurrentPeriodEnd = &t
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0)
		c.CanceledAt = &t
	}
	// A subscription reported as canceled with a future period end is a
	// scheduled cancellation, not an immediate revocation. Keep the cancel
	// flag set so the effective status stays usable until the period lapses.
	if c.Status == StatusCanceled && c.CurrentPeriodEnd != nil && c.CurrentPeriodEnd.After(time.Now()) {
		c.CancelAtPeriodEnd = true
	}
	return c
}

// CandidateFromDeletion builds the Candidate for a permanently deleted
// subscription. This is the only path that clears the subscription id.
func CandidateFromDeletion(sub *stripe.Subscription) Candidate {
	c := CandidateFromStripe(sub)
	c.Status = StatusCanceled
	c.SubscriptionID = ""
	c.CancelAtPeriodEnd = false
	return c
}
