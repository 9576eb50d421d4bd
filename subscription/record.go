package subscription

import "time"

// Status is the custom type for the raw subscription status as reported by Stripe
type Status string

// Defining the possible raw statuses of a SubscriptionRecord
const (
	StatusNone       Status = "none"
	StatusIncomplete Status = "incomplete"
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusUnpaid     Status = "unpaid"
	StatusCanceled   Status = "canceled"
)

// Source identifies what kind of Stripe object a write was derived from
type Source string

// Defining the possible sources of a write
const (
	// SourceSubscription means the write was built from a full Stripe subscription object
	SourceSubscription Source = "Subscription"
	// SourceCheckoutSession means the write was synthesized from a checkout session
	// without an expanded subscription, so the status is under-specified
	SourceCheckoutSession Source = "CheckoutSession"
)

// SubscriptionRecord is the single billing record for a user. Exactly one row
// exists per UserID; cancellation is a status transition, never a row removal.
type SubscriptionRecord struct {
	UserID            string     `json:"userId" gorm:"primaryKey"`
	CustomerID        string     `json:"customerId" gorm:"index"` // Corresponds to Stripe's Customer ID. Set once, never overwritten
	SubscriptionID    string     `json:"subscriptionId"`          // Corresponds to Stripe's Subscription ID. Empty unless a subscription exists
	Status            Status     `json:"status"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	CanceledAt        *time.Time `json:"canceledAt"`
	CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd"`
	PortalURL         string     `json:"portalUrl"`
	Source            Source     `json:"-"` // Source of the last accepted write, used for arbitration ties
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// EffectiveStatus is the display-facing status. A subscription that is canceled
// but paid through a future period end must still read as active. It is derived
// on read and never persisted, so it cannot drift from the raw fields.
func (r *SubscriptionRecord) EffectiveStatus(now time.Time) Status {
	if r == nil {
		return StatusNone
	}
	if r.Status == StatusCanceled && r.CancelAtPeriodEnd && r.CurrentPeriodEnd != nil && r.CurrentPeriodEnd.After(now) {
		return StatusActive
	}
	return r.Status
}

// Usable reports whether the record grants access to paid features
func (r *SubscriptionRecord) Usable(now time.Time) bool {
	switch r.EffectiveStatus(now) {
	case StatusActive, StatusTrialing:
		return true
	default:
		return false
	}
}

// View is the API-facing shape of a SubscriptionRecord with the derived status included
type View struct {
	UserID            string     `json:"userId"`
	CustomerID        string     `json:"customerId"`
	SubscriptionID    string     `json:"subscriptionId,omitempty"`
	Status            Status     `json:"status"`
	EffectiveStatus   Status     `json:"effectiveStatus"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	CanceledAt        *time.Time `json:"canceledAt,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd,omitempty"`
	PortalURL         string     `json:"portalUrl,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// ViewOf projects a record (possibly absent) into its API shape
func ViewOf(userID string, r *SubscriptionRecord, now time.Time) View {
	if r == nil {
		return View{
			UserID:          userID,
			Status:          StatusNone,
			EffectiveStatus: StatusNone,
		}
	}
	return View{
		UserID:            r.UserID,
		CustomerID:        r.CustomerID,
		SubscriptionID:    r.SubscriptionID,
		Status:            r.Status,
		EffectiveStatus:   r.EffectiveStatus(now),
		CancelAtPeriodEnd: r.CancelAtPeriodEnd,
		CanceledAt:        r.CanceledAt,
		CurrentPeriodEnd:  r.CurrentPeriodEnd,
		PortalURL:         r.PortalURL,
		UpdatedAt:         r.UpdatedAt,
	}
}
