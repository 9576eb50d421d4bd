package external

import (
	"context"
	"fmt"

	"github.com/lucidvault/reverie/subscription"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

// NewStripeClient constructs the underlying Stripe SDK client. Components
// never touch the SDK's package-level globals; this client is passed in
// explicitly wherever processor access is needed.
func NewStripeClient(key string) *client.API {
	sc := &client.API{}
	sc.Init(key, nil)
	return sc
}

// StripeProcessorOptions contains the configuration for StripeProcessor
type StripeProcessorOptions struct {
	Client *client.API
	Logger *zap.Logger
}

// StripeProcessor implements subscription.ProcessorClient against the real
// Stripe API, wrapping every call with the shared timeout/backoff policy.
type StripeProcessor struct {
	StripeProcessorOptions
	policy retryPolicy
}

var _ subscription.ProcessorClient = (*StripeProcessor)(nil)

// NewStripeProcessor returns a new StripeProcessor
func NewStripeProcessor(option StripeProcessorOptions) (*StripeProcessor, error) {
	if option.Client == nil {
		return nil, fmt.Errorf("nil Client is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &StripeProcessor{
		StripeProcessorOptions: option,
		policy:                 defaultRetryPolicy(),
	}, nil
}

// GetCheckoutSession fetches a checkout session with its subscription expanded
func (p *StripeProcessor) GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	var sess *stripe.CheckoutSession
	err := withRetry(ctx, p.Logger, p.policy, "GetCheckoutSession", func(ctx context.Context) error {
		params := &stripe.CheckoutSessionParams{
			Params: stripe.Params{
				Context: ctx,
			},
		}
		params.AddExpand("subscription")
		params.AddExpand("customer")
		var err error
		sess, err = p.Client.CheckoutSessions.Get(sessionID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSubscription fetches a subscription by its id
func (p *StripeProcessor) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	var sub *stripe.Subscription
	err := withRetry(ctx, p.Logger, p.policy, "GetSubscription", func(ctx context.Context) error {
		params := &stripe.SubscriptionParams{
			Params: stripe.Params{
				Context: ctx,
			},
		}
		var err error
		sub, err = p.Client.Subscriptions.Get(subscriptionID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListSubscriptions lists a customer's subscriptions, including canceled
// ones so a scheduled cancellation still resolves
func (p *StripeProcessor) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	var subs []*stripe.Subscription
	err := withRetry(ctx, p.Logger, p.policy, "ListSubscriptions", func(ctx context.Context) error {
		params := &stripe.SubscriptionListParams{
			ListParams: stripe.ListParams{
				Context: ctx,
			},
			Customer: customerID,
			Status:   "all",
		}
		subs = subs[:0]
		iter := p.Client.Subscriptions.List(params)
		for iter.Next() {
			subs = append(subs, iter.Subscription())
		}
		return iter.Err()
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// CreatePortalSession creates a billing-management portal session
func (p *StripeProcessor) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error) {
	var sess *stripe.BillingPortalSession
	err := withRetry(ctx, p.Logger, p.policy, "CreatePortalSession", func(ctx context.Context) error {
		params := &stripe.BillingPortalSessionParams{
			Params: stripe.Params{
				Context: ctx,
			},
			Customer:  stripe.String(customerID),
			ReturnURL: stripe.String(returnURL),
		}
		var err error
		sess, err = p.Client.BillingPortalSessions.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}
