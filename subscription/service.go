package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lucidvault/reverie/auth"
	resp "github.com/lucidvault/reverie/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for the Service router
type ServiceOptions struct {
	SubscriptionManager *Manager
	Reconciler          *Reconciler
	Verifier            *Verifier
	Directory           CustomerDirectory
	Processor           ProcessorClient
	Logger              *zap.Logger
}

// Service is the subscription API router
type Service struct {
	ServiceOptions
	validate *validator.Validate
}

// NewService will create an instance of the subscription API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Verifier == nil {
		return nil, fmt.Errorf("nil Verifier is invalid")
	}
	if option.Directory == nil {
		return nil, fmt.Errorf("nil Directory is invalid")
	}
	if option.Processor == nil {
		return nil, fmt.Errorf("nil Processor is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
		validate:       validator.New(),
	}, nil
}

// VerifyRequest carries whichever checkout identifiers the client has.
// Priority when several are present: session, then the known customer
// identity, then the bare subscription reference.
type VerifyRequest struct {
	CheckoutReference     string `json:"checkoutReference" validate:"omitempty,max=255"`
	SubscriptionReference string `json:"subscriptionReference" validate:"omitempty,max=255"`
}

// VerifyResponse is the response body for a post-checkout verification
type VerifyResponse struct {
	Success           bool       `json:"success"`
	Status            Status     `json:"status"`
	EffectiveStatus   Status     `json:"effectiveStatus"`
	PaymentFailed     bool       `json:"paymentFailed"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd"`
	Error             string     `json:"error,omitempty"`
}

func (s *Service) verifyCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("UserID", claims.UserID))

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid verification request"))
		return
	}

	targets := make([]VerifyTarget, 0, 3)
	if len(req.CheckoutReference) > 0 {
		targets = append(targets, CheckoutSessionTarget{SessionID: req.CheckoutReference})
	}
	targets = append(targets, CustomerTarget{})
	if len(req.SubscriptionReference) > 0 {
		targets = append(targets, SubscriptionTarget{SubscriptionID: req.SubscriptionReference})
	}

	result, err := s.Verifier.Verify(ctx, claims.UserID, targets)
	if errors.Is(err, ErrNoCustomerIdentity) {
		// Nothing to verify against yet: not a failure, and retrying
		// will not change it until a checkout propagates
		resp.WriteResponse(w, r, VerifyResponse{
			Success:         false,
			Status:          StatusNone,
			EffectiveStatus: StatusNone,
		})
		return
	}
	if err != nil {
		logger.Error("Unable to verify checkout",
			zap.String("CheckoutReference", req.CheckoutReference),
			zap.String("SubscriptionReference", req.SubscriptionReference),
			zap.Error(err),
		)
		resp.WriteResponse(w, r, VerifyResponse{
			Success:         false,
			Status:          StatusNone,
			EffectiveStatus: StatusNone,
			Error:           "Unable to reach the payment processor, please retry",
		})
		return
	}

	resp.WriteResponse(w, r, verifyResponseOf(result))
}

func verifyResponseOf(result *VerifyResult) VerifyResponse {
	vr := VerifyResponse{
		Success:       result.Usable,
		Status:        StatusNone,
		PaymentFailed: result.PaymentFailed,
	}
	if result.Record != nil {
		now := time.Now()
		vr.Status = result.Record.Status
		vr.EffectiveStatus = result.Record.EffectiveStatus(now)
		vr.CancelAtPeriodEnd = result.Record.CancelAtPeriodEnd
		vr.CurrentPeriodEnd = result.Record.CurrentPeriodEnd
	} else {
		vr.EffectiveStatus = StatusNone
	}
	return vr
}

func (s *Service) getSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	rec, err := s.SubscriptionManager.GetByUserID(ctx, claims.UserID)
	if err != nil {
		s.Logger.Error("Unable to query subscription record",
			zap.String("UserID", claims.UserID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get subscription status"))
		return
	}

	resp.WriteResponse(w, r, ViewOf(claims.UserID, rec, time.Now()))
}

// RefreshResponse reports the polling fallback outcome. Ready stays false
// while no authoritative state is reachable yet; the caller retries with
// its own backoff.
type RefreshResponse struct {
	Ready        bool `json:"ready"`
	Subscription View `json:"subscription"`
}

// refreshSubscription is the polling fallback: one pass per call, no
// internal retry loop. It exists because webhook delivery is neither
// instantaneous nor guaranteed and a user is watching the confirmation page.
func (s *Service) refreshSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("UserID", claims.UserID))

	customerID, err := s.Directory.CustomerIDForUser(ctx, claims.UserID)
	if err != nil {
		logger.Error("Unable to look up customer identity",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot refresh subscription status"))
		return
	}
	if len(customerID) == 0 {
		// No customer identity yet means the checkout has not propagated;
		// that is "not yet available", not an error
		resp.WriteResponse(w, r, RefreshResponse{
			Ready:        false,
			Subscription: ViewOf(claims.UserID, nil, time.Now()),
		})
		return
	}

	result, err := s.Verifier.Verify(ctx, claims.UserID, []VerifyTarget{
		CustomerTarget{CustomerID: customerID},
	})
	if err != nil {
		logger.Warn("Polling pass could not reach the processor",
			zap.String("CustomerID", customerID),
			zap.Error(err),
		)
		resp.WriteResponse(w, r, RefreshResponse{
			Ready:        false,
			Subscription: ViewOf(claims.UserID, nil, time.Now()),
		})
		return
	}

	resp.WriteResponse(w, r, RefreshResponse{
		Ready:        result.Record != nil && !result.Pending,
		Subscription: ViewOf(claims.UserID, result.Record, time.Now()),
	})
}

// PortalRequest asks for a billing-management portal link
type PortalRequest struct {
	ReturnURL string `json:"returnUrl" validate:"required,url"`
}

// PortalResponse carries the short-lived portal URL
type PortalResponse struct {
	URL string `json:"url"`
}

func (s *Service) createPortalSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("UserID", claims.UserID))

	var req PortalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("A valid returnUrl is required"))
		return
	}

	customerID, err := s.Directory.CustomerIDForUser(ctx, claims.UserID)
	if err != nil {
		logger.Error("Unable to look up customer identity",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot create portal session"))
		return
	}
	if len(customerID) == 0 {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No billing profile exists yet"))
		return
	}

	sess, err := s.Processor.CreatePortalSession(ctx, customerID, req.ReturnURL)
	if err != nil {
		logger.Error("Unable to create portal session",
			zap.String("CustomerID", customerID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot create portal session"))
		return
	}

	if err := s.SubscriptionManager.UpdatePortalURL(ctx, claims.UserID, sess.URL); err != nil {
		// The link is still usable; persisting it is best effort
		logger.Warn("Unable to persist portal URL",
			zap.Error(err),
		)
	}

	resp.WriteResponse(w, r, PortalResponse{URL: sess.URL})
}

// Router returns the routes for the subscription API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.getSubscription)
	r.Post("/verify", s.verifyCheckout)
	r.Post("/refresh", s.refreshSubscription)
	r.Post("/portal", s.createPortalSession)

	return r
}
