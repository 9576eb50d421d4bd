package subscription

import (
	"context"

	"github.com/stripe/stripe-go/v72"
)

// ProcessorClient is the narrow surface of the payment processor this
// subsystem depends on. The production implementation lives in external/
// and wraps every call with a timeout and bounded retry; tests inject fakes.
type ProcessorClient interface {
	// GetCheckoutSession fetches a checkout session with its subscription expanded
	GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error)
	// GetSubscription fetches a subscription by its id
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	// ListSubscriptions lists a customer's subscriptions, newest first
	ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	// CreatePortalSession creates a billing-management portal session for a customer
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error)
}
