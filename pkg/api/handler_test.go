package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subledger/pkg/billing"
	"github.com/mihaimyh/subledger/pkg/ledger"
	"github.com/mihaimyh/subledger/storage/memory"
)

const testUserID = "user123"

var periodEnd = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

type stubProvider struct {
	err        error
	status     string
	cancels    int
	schedules  int
	retrievals int
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) RetrieveSubscription(_ context.Context, id string) (*billing.ProviderSubscription, error) {
	p.retrievals++
	if p.err != nil {
		return nil, p.err
	}
	return &billing.ProviderSubscription{ID: id, Status: p.status, CurrentPeriodEnd: periodEnd, PriceID: "price_basic"}, nil
}

func (p *stubProvider) ScheduleCancellation(context.Context, string) error {
	p.schedules++
	return p.err
}

func (p *stubProvider) CancelImmediately(context.Context, string) error {
	p.cancels++
	return p.err
}

type fixture struct {
	store    *memory.Store
	provider *stubProvider
	handler  *Handler
}

func newFixture(t *testing.T, withService bool) *fixture {
	t.Helper()
	store := memory.New()
	l, err := ledger.New(ledger.Config{
		Store: store,
		Plans: memory.NewPlanCatalog(ledger.Plan{ID: "basic", Name: "Basic", ExternalPriceID: "price_basic"}),
	})
	require.NoError(t, err)

	f := &fixture{store: store, provider: &stubProvider{status: "active"}}
	cfg := Config{Ledger: l, GetUserID: FromHeader("X-User-ID")}
	if withService {
		cfg.Service = billing.NewService(l, f.provider, nil, nil)
	}
	f.handler, err = NewHandler(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) seed(id string, status ledger.Status, createdAt time.Time) {
	f.store.Put(ledger.Subscription{
		ID: id, UserID: testUserID, PlanID: "basic", ExternalSubscriptionID: "sub_" + id,
		Status: status, CurrentPeriodEnd: periodEnd, Version: 1, CreatedAt: createdAt, UpdatedAt: createdAt,
	})
}

func do(h http.HandlerFunc, method, target, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{GetUserID: FromHeader("X-User-ID")})
	assert.ErrorContains(t, err, "ledger is required")

	l, err := ledger.New(ledger.Config{Store: memory.New(), Plans: memory.NewPlanCatalog()})
	require.NoError(t, err)
	_, err = NewHandler(Config{Ledger: l})
	assert.ErrorContains(t, err, "getUserID is required")
}

func TestHandler_GetSubscription(t *testing.T) {
	f := newFixture(t, false)
	f.seed("local-1", ledger.StatusActive, time.Now())

	w := do(f.handler.GetSubscription, http.MethodGet, "/subscription", testUserID)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp CurrentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, testUserID, resp.UserID)
	assert.Equal(t, "local-1", resp.Subscription.ID)
	assert.Equal(t, "active", resp.Subscription.Status)
	assert.True(t, resp.Subscription.Live)
	require.NotNil(t, resp.Subscription.CurrentPeriodEnd)
	assert.True(t, periodEnd.Equal(*resp.Subscription.CurrentPeriodEnd))
}

func TestHandler_GetSubscription_Errors(t *testing.T) {
	f := newFixture(t, false)

	w := do(f.handler.GetSubscription, http.MethodGet, "/subscription", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	long := make([]byte, maxUserIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	w = do(f.handler.GetSubscription, http.MethodGet, "/subscription", string(long))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(f.handler.GetSubscription, http.MethodGet, "/subscription", testUserID)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ledger.ErrNoLiveSubscription.Error(), decodeError(t, w))

	f.seed("local-1", ledger.StatusPastDue, time.Now())
	w = do(f.handler.GetSubscription, http.MethodGet, "/subscription", testUserID)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_GetHistory(t *testing.T) {
	f := newFixture(t, false)
	base := time.Now().Add(-time.Hour)
	f.seed("old", ledger.StatusCanceled, base)
	f.seed("new", ledger.StatusActive, base.Add(time.Minute))

	w := do(f.handler.GetHistory, http.MethodGet, "/subscription/history", testUserID)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Subscriptions, 2)
	assert.Equal(t, "new", resp.Subscriptions[0].ID)
	assert.False(t, resp.Subscriptions[1].Live)

	w = do(f.handler.GetHistory, http.MethodGet, "/subscription/history", "someone-else")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Subscriptions)
	assert.Empty(t, resp.Subscriptions)
}

func TestHandler_Cancel(t *testing.T) {
	tests := []struct {
		name         string
		target       string
		wantStatus   ledger.Status
		wantFlag     bool
		wantCancels  int
		wantSchedule int
	}{
		{"at period end", "/subscription/cancel", ledger.StatusActive, true, 0, 1},
		{"immediately", "/subscription/cancel?immediately=true", ledger.StatusCanceled, false, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.seed("local-1", ledger.StatusActive, time.Now())

			w := do(f.handler.Cancel, http.MethodPost, tt.target, testUserID)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			var resp CurrentResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, string(tt.wantStatus), resp.Subscription.Status)
			assert.Equal(t, tt.wantFlag, resp.Subscription.CancelAtPeriodEnd)
			assert.Equal(t, tt.wantCancels, f.provider.cancels)
			assert.Equal(t, tt.wantSchedule, f.provider.schedules)
		})
	}
}

func TestHandler_Cancel_Errors(t *testing.T) {
	t.Run("method", func(t *testing.T) {
		f := newFixture(t, true)
		w := do(f.handler.Cancel, http.MethodGet, "/subscription/cancel", testUserID)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))
	})

	t.Run("bad flag", func(t *testing.T) {
		f := newFixture(t, true)
		w := do(f.handler.Cancel, http.MethodPost, "/subscription/cancel?immediately=maybe", testUserID)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no service", func(t *testing.T) {
		f := newFixture(t, false)
		w := do(f.handler.Cancel, http.MethodPost, "/subscription/cancel", testUserID)
		assert.Equal(t, http.StatusNotImplemented, w.Code)
	})

	t.Run("no live subscription", func(t *testing.T) {
		f := newFixture(t, true)
		w := do(f.handler.Cancel, http.MethodPost, "/subscription/cancel", testUserID)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Zero(t, f.provider.schedules)
	})

	t.Run("provider failure", func(t *testing.T) {
		f := newFixture(t, true)
		f.seed("local-1", ledger.StatusActive, time.Now())
		f.provider.err = fmt.Errorf("%w: card_declined", billing.ErrProviderAPIError)

		w := do(f.handler.Cancel, http.MethodPost, "/subscription/cancel", testUserID)
		assert.Equal(t, http.StatusBadGateway, w.Code)

		sub, err := f.store.GetSubscription(context.Background(), "local-1")
		require.NoError(t, err)
		assert.False(t, sub.CancelAtPeriodEnd)
	})
}

func TestHandler_Sync(t *testing.T) {
	f := newFixture(t, true)
	f.seed("local-1", ledger.StatusPastDue, time.Now())

	w := do(f.handler.Sync, http.MethodPost, "/subscription/sync", testUserID)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp CurrentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "active", resp.Subscription.Status)
	assert.Equal(t, 1, f.provider.retrievals)
}

func TestHandler_InternalErrorsAreMasked(t *testing.T) {
	f := newFixture(t, true)
	f.seed("local-1", ledger.StatusActive, time.Now())
	f.provider.err = errors.New("connection reset by peer")

	w := do(f.handler.Sync, http.MethodPost, "/subscription/sync", testUserID)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	f.provider.err = nil
	f.provider.status = "paused"
	w = do(f.handler.Sync, http.MethodPost, "/subscription/sync", testUserID)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", decodeError(t, w))
}

func TestHandler_OnError(t *testing.T) {
	f := newFixture(t, false)
	var got error
	f.handler.config.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
		got = err
		w.WriteHeader(http.StatusTeapot)
	}
	w := do(f.handler.GetSubscription, http.MethodGet, "/subscription", "")
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.EqualError(t, got, "user ID not found")
}

func TestFromContext(t *testing.T) {
	type key struct{}
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	assert.Empty(t, FromContext(key{})(req))
	req = req.WithContext(context.WithValue(req.Context(), key{}, "u1"))
	assert.Equal(t, "u1", FromContext(key{})(req))
}
