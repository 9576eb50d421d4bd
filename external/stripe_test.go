package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

const subscriptionListBody = `{"object":"list","url":"/v1/subscriptions","has_more":false,"data":[{"id":"sub_1","object":"subscription","status":"active","customer":"cus_1","current_period_end":1924905600}]}`

func newTestProcessor(t *testing.T, handler http.Handler) *StripeProcessor {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(server.URL),
		HTTPClient:        server.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	sc := &client.API{}
	sc.Init("sk_test_x", &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})

	p, err := NewStripeProcessor(StripeProcessorOptions{
		Client: sc,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return p
}

func TestListSubscriptionsIteratesResults(t *testing.T) {
	p := newTestProcessor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(subscriptionListBody))
	}))

	subs, err := p.ListSubscriptions(context.Background(), "cus_1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub_1", subs[0].ID)
	assert.Equal(t, stripe.SubscriptionStatusActive, subs[0].Status)
}

func TestListSubscriptionsHonorsAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	// The handler never answers until released, so only a request-bound
	// deadline can get the call to return
	p := newTestProcessor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	p.policy = retryPolicy{
		Attempts:       1,
		AttemptTimeout: 50 * time.Millisecond,
		BaseDelay:      time.Millisecond,
		MaxDelay:       time.Millisecond,
	}

	start := time.Now()
	_, err := p.ListSubscriptions(context.Background(), "cus_1")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestListSubscriptionsHonorsCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	p := newTestProcessor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	p.policy = retryPolicy{
		Attempts:       1,
		AttemptTimeout: time.Minute,
		BaseDelay:      time.Millisecond,
		MaxDelay:       time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := p.ListSubscriptions(ctx, "cus_1")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
