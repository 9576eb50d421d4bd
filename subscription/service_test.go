package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lucidvault/reverie/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, proc ProcessorClient, dir CustomerDirectory, store Store) *Service {
	t.Helper()
	verifier := newTestVerifier(t, proc, dir, store)
	svc, err := NewService(ServiceOptions{
		SubscriptionManager: &Manager{},
		Reconciler:          verifier.Reconciler,
		Verifier:            verifier,
		Directory:           dir,
		Processor:           proc,
		Logger:              zap.NewNop(),
	})
	require.NoError(t, err)
	return svc
}

func authed(req *http.Request, userID string) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), auth.Context, &auth.Claims{
		UserID: userID,
	}))
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder, result interface{}) {
	t.Helper()
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Result, result))
}

func TestVerifyEndpointWithoutBillingIdentity(t *testing.T) {
	proc := newFakeProcessor()
	dir := newFakeDirectory()
	svc := newTestService(t, proc, dir, newMemStore())

	// No identifiers in the request and no linked customer for the user:
	// this is "nothing here yet", not a processor outage
	req := authed(httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader(`{}`)), "user-1")
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body VerifyResponse
	decodeResult(t, w, &body)
	assert.False(t, body.Success)
	assert.Equal(t, StatusNone, body.Status)
	assert.Equal(t, StatusNone, body.EffectiveStatus)
	assert.Empty(t, body.Error)
}

func TestVerifyEndpointTransientFailureAsksForRetry(t *testing.T) {
	proc := newFakeProcessor()
	dir := newFakeDirectory()
	svc := newTestService(t, proc, dir, newMemStore())

	dir.userToCustomer["user-1"] = "cus_1"
	proc.listErr = assert.AnError

	req := authed(httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader(`{}`)), "user-1")
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body VerifyResponse
	decodeResult(t, w, &body)
	assert.False(t, body.Success)
	assert.NotEmpty(t, body.Error)
}
