package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subledger/pkg/ledger"
	"github.com/mihaimyh/subledger/storage/memory"
)

func setupTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	store := memory.New()
	now := time.Now().UTC()
	store.Put(ledger.Subscription{ID: "s1", UserID: "user1", PlanID: "pro", Status: ledger.StatusActive, Version: 1, CreatedAt: now})
	store.Put(ledger.Subscription{ID: "s2", UserID: "user2", PlanID: "pro", Status: ledger.StatusUnpaid, Version: 1, CreatedAt: now})
	store.Put(ledger.Subscription{ID: "s3", UserID: "user3", PlanID: "basic", Status: ledger.StatusActive, Version: 1, CreatedAt: now})

	l, err := ledger.New(ledger.Config{Store: store, Plans: memory.NewPlanCatalog()})
	require.NoError(t, err)
	return l
}

type failingSource struct{}

func (failingSource) Current(context.Context, string) (*ledger.Subscription, error) {
	return nil, errors.New("storage down")
}

func serve(cfg Config, userID string) *httptest.ResponseRecorder {
	e := echo.New()
	e.GET("/reports", func(c echo.Context) error {
		sub, ok := GetSubscription(c)
		if !ok {
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.String(http.StatusOK, sub.ID)
	}, Middleware(cfg))

	req := httptest.NewRequest(http.MethodGet, "/reports", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	l := setupTestLedger(t)

	tests := []struct {
		name     string
		plans    []string
		userID   string
		wantCode int
		wantBody string
	}{
		{"active", nil, "user1", http.StatusOK, "s1"},
		{"unpaid", nil, "user2", http.StatusPaymentRequired, "Subscription required"},
		{"unauthenticated", nil, "", http.StatusUnauthorized, "Unauthorized"},
		{"plan admitted", []string{"basic", "pro"}, "user3", http.StatusOK, "s3"},
		{"plan refused", []string{"pro"}, "user3", http.StatusForbidden, "Plan not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(Config{Source: l, GetUserID: FromHeader("X-User-ID"), Plans: tt.plans}, tt.userID)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
}

func TestMiddleware_Errors(t *testing.T) {
	w := serve(Config{Source: failingSource{}, GetUserID: FromHeader("X-User-ID")}, "user1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = serve(Config{
		Source:    failingSource{},
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(c echo.Context, err error) error {
			return c.String(http.StatusServiceUnavailable, err.Error())
		},
	}, "user1")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "storage down", w.Body.String())
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{GetUserID: FromHeader("X-User-ID")}) })
	assert.Panics(t, func() { Middleware(Config{Source: failingSource{}}) })
}

func TestFromContext(t *testing.T) {
	l := setupTestLedger(t)
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("UserID", "user1")
			return next(c)
		}
	})
	e.GET("/reports", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	}, Middleware(Config{Source: l, GetUserID: FromContext("UserID")}))

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports", http.NoBody))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
