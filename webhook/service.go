package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/lucidvault/reverie/broker"
	resp "github.com/lucidvault/reverie/response"
	"github.com/lucidvault/reverie/subscription"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v72"
	stripewebhook "github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

// Stripe documents webhook payloads well under this; anything larger is junk
const webhookBodyLimit = 1 << 20

// IdentityDirectory resolves processor customer ids to users and records new
// mappings learned from checkout sessions. customer.Manager implements it.
type IdentityDirectory interface {
	UserIDForCustomer(ctx context.Context, customerID string) (string, error)
	Link(ctx context.Context, userID, customerID, email string) error
}

// ServiceOptions contains the configuration for the webhook ingest router
type ServiceOptions struct {
	Producer      broker.Producer
	Directory     IdentityDirectory
	Processor     subscription.ProcessorClient
	Deduper       Deduper
	WebhookSecret string
	Logger        *zap.Logger
}

// Service receives push events from Stripe, verifies their authenticity,
// classifies them, and queues reconcile requests. It never writes to the
// subscription store directly.
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the webhook ingest router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Producer == nil {
		return nil, fmt.Errorf("nil Producer is invalid")
	}
	if option.Directory == nil {
		return nil, fmt.Errorf("nil Directory is invalid")
	}
	if option.Processor == nil {
		return nil, fmt.Errorf("nil Processor is invalid")
	}
	if option.Deduper == nil {
		return nil, fmt.Errorf("nil Deduper is invalid")
	}
	if len(option.WebhookSecret) == 0 {
		return nil, fmt.Errorf("empty WebhookSecret is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := ioutil.ReadAll(r.Body)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Cannot read request body"))
		return
	}

	// Signature verification is the authentication for this endpoint.
	// Fail closed: nothing is mutated on a bad signature.
	event, err := stripewebhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.WebhookSecret)
	if err != nil {
		s.Logger.Warn("Rejecting webhook with invalid signature",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid signature"))
		return
	}

	logger := s.Logger.With(
		zap.String("EventID", event.ID),
		zap.String("EventType", event.Type),
	)

	seen, err := s.Deduper.Seen(event.ID)
	if err != nil {
		// Dedup is an optimization; reconciliation is idempotent anyway
		logger.Warn("Cannot check event for duplicate delivery",
			zap.Error(err),
		)
	}
	if seen {
		logger.Info("Suppressing duplicate event delivery")
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.processEvent(ctx, &event, logger); err != nil {
		// A transient internal failure: non-2xx so Stripe redelivers. The
		// event stays unmarked so the redelivery is processed, not swallowed.
		logger.Error("Unable to process webhook event",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot process event"))
		return
	}

	if err := s.Deduper.Mark(event.ID); err != nil {
		// The request is already queued; a redelivery is merely re-reconciled
		logger.Warn("Cannot mark event as processed",
			zap.Error(err),
		)
	}

	w.WriteHeader(http.StatusOK)
}

// processEvent classifies the event and queues a reconcile request. A nil
// return means the sender should not retry, including for ignored types and
// unmapped customers.
func (s *Service) processEvent(ctx context.Context, event *stripe.Event, logger *zap.Logger) error {
	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event, logger)
	case "customer.subscription.updated":
		return s.handleSubscriptionEvent(ctx, event, logger, false)
	case "customer.subscription.deleted":
		return s.handleSubscriptionEvent(ctx, event, logger, true)
	case "invoice.payment_succeeded", "invoice.payment_failed":
		return s.handleInvoiceEvent(ctx, event, logger)
	default:
		// Acknowledged so the sender does not retry indefinitely
		logger.Info("Ignoring unhandled event type")
		return nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event *stripe.Event, logger *zap.Logger) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return err
	}

	customerID := ""
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}
	if len(customerID) == 0 {
		logger.Error("Checkout session carries no customer id, dropping")
		return nil
	}
	logger = logger.With(zap.String("CustomerID", customerID))

	userID, err := s.resolveUser(ctx, customerID, sessionUserHint(&sess), sess.CustomerEmail, logger)
	if err != nil {
		return err
	}
	if len(userID) == 0 {
		return nil
	}

	var candidate subscription.Candidate
	if sess.Subscription != nil && len(sess.Subscription.ID) > 0 {
		// The session under-specifies status; fetch the subscription detail
		sub, err := s.Processor.GetSubscription(ctx, sess.Subscription.ID)
		if err != nil {
			return err
		}
		candidate = subscription.CandidateFromStripe(sub)
		if len(candidate.CustomerID) == 0 {
			candidate.CustomerID = customerID
		}
	} else {
		candidate = subscription.Candidate{
			CustomerID: customerID,
			Status:     subscription.StatusActive,
			Source:     subscription.SourceCheckoutSession,
		}
	}

	return s.publish(userID, event.Type, candidate, logger)
}

func (s *Service) handleSubscriptionEvent(ctx context.Context, event *stripe.Event, logger *zap.Logger, deleted bool) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return err
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	if len(customerID) == 0 {
		logger.Error("Subscription event carries no customer id, dropping",
			zap.String("SubscriptionID", sub.ID),
		)
		return nil
	}
	logger = logger.With(
		zap.String("CustomerID", customerID),
		zap.String("SubscriptionID", sub.ID),
	)

	userID, err := s.resolveUser(ctx, customerID, sub.Metadata["user_id"], "", logger)
	if err != nil {
		return err
	}
	if len(userID) == 0 {
		return nil
	}

	var candidate subscription.Candidate
	if deleted {
		candidate = subscription.CandidateFromDeletion(&sub)
	} else {
		candidate = subscription.CandidateFromStripe(&sub)
	}
	if len(candidate.CustomerID) == 0 {
		candidate.CustomerID = customerID
	}

	return s.publish(userID, event.Type, candidate, logger)
}

func (s *Service) handleInvoiceEvent(ctx context.Context, event *stripe.Event, logger *zap.Logger) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return err
	}

	if inv.Subscription == nil || len(inv.Subscription.ID) == 0 {
		logger.Info("Invoice event references no subscription, ignoring")
		return nil
	}

	customerID := ""
	if inv.Customer != nil {
		customerID = inv.Customer.ID
	}
	logger = logger.With(
		zap.String("CustomerID", customerID),
		zap.String("SubscriptionID", inv.Subscription.ID),
	)

	// The invoice itself does not carry authoritative subscription status;
	// re-fetch the subscription and build the candidate from that
	sub, err := s.Processor.GetSubscription(ctx, inv.Subscription.ID)
	if err != nil {
		return err
	}
	candidate := subscription.CandidateFromStripe(sub)
	if len(candidate.CustomerID) == 0 {
		candidate.CustomerID = customerID
	}
	if len(candidate.CustomerID) == 0 {
		logger.Error("Invoice event resolves to no customer id, dropping")
		return nil
	}

	userID, err := s.resolveUser(ctx, candidate.CustomerID, "", "", logger)
	if err != nil {
		return err
	}
	if len(userID) == 0 {
		return nil
	}

	return s.publish(userID, event.Type, candidate, logger)
}

// resolveUser maps a customer id to a user. When no mapping exists yet but
// the event carries a trustworthy user hint (set by us at session creation),
// the mapping is recorded. An unmapped customer with no hint is a data
// problem: logged and dropped so the sender does not retry.
func (s *Service) resolveUser(ctx context.Context, customerID, userHint, email string, logger *zap.Logger) (string, error) {
	userID, err := s.Directory.UserIDForCustomer(ctx, customerID)
	if err != nil {
		return "", err
	}
	if len(userID) > 0 {
		return userID, nil
	}
	if len(userHint) > 0 {
		if err := s.Directory.Link(ctx, userHint, customerID, email); err != nil {
			return "", err
		}
		return userHint, nil
	}
	logger.Error("No user maps to customer id, dropping event")
	return "", nil
}

func (s *Service) publish(userID, eventType string, candidate subscription.Candidate, logger *zap.Logger) error {
	req := &broker.ReconcileRequest{
		ID:         uuid.New().String(),
		UserID:     userID,
		EventType:  eventType,
		Candidate:  candidate,
		EnqueuedAt: time.Now(),
	}
	if err := s.Producer.PublishReconcile(req); err != nil {
		return err
	}
	logger.Info("Queued reconcile request",
		zap.String("UserID", userID),
		zap.String("RequestID", req.ID),
		zap.String("CandidateStatus", string(candidate.Status)),
	)
	return nil
}

// sessionUserHint extracts the user id we attached when creating the session
func sessionUserHint(sess *stripe.CheckoutSession) string {
	if sess.Metadata != nil {
		if v := sess.Metadata["user_id"]; len(v) > 0 {
			return v
		}
	}
	return sess.ClientReferenceID
}

// Router returns the routes for webhook ingest
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/stripe", s.handleStripeWebhook)

	return r
}
