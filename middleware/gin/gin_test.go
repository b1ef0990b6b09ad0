package gin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subledger/pkg/ledger"
	"github.com/mihaimyh/subledger/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

func setupTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	store := memory.New()
	now := time.Now().UTC()
	store.Put(ledger.Subscription{ID: "s1", UserID: "user1", PlanID: "pro", Status: ledger.StatusActive, Version: 1, CreatedAt: now})
	store.Put(ledger.Subscription{ID: "s2", UserID: "user2", PlanID: "basic", Status: ledger.StatusCanceled, Version: 1, CreatedAt: now})
	store.Put(ledger.Subscription{ID: "s3", UserID: "user3", PlanID: "basic", Status: ledger.StatusTrialing, Version: 1, CreatedAt: now})

	l, err := ledger.New(ledger.Config{Store: store, Plans: memory.NewPlanCatalog()})
	require.NoError(t, err)
	return l
}

type failingSource struct{}

func (failingSource) Current(context.Context, string) (*ledger.Subscription, error) {
	return nil, errors.New("storage down")
}

func newRouter(cfg Config) *gongin.Engine {
	r := gongin.New()
	r.GET("/reports", Middleware(cfg), func(c *gongin.Context) {
		sub, ok := GetSubscription(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gongin.H{"subscription": sub.ID})
	})
	return r
}

func get(r http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/reports", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	l := setupTestLedger(t)

	tests := []struct {
		name      string
		plans     []string
		userID    string
		wantCode  int
		wantError string
	}{
		{"active", nil, "user1", http.StatusOK, ""},
		{"trialing", nil, "user3", http.StatusOK, ""},
		{"canceled", nil, "user2", http.StatusPaymentRequired, "Subscription required"},
		{"unauthenticated", nil, "", http.StatusUnauthorized, "Unauthorized"},
		{"plan refused", []string{"pro"}, "user3", http.StatusForbidden, "Plan not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(newRouter(Config{Source: l, GetUserID: FromHeader("X-User-ID"), Plans: tt.plans}), tt.userID)
			assert.Equal(t, tt.wantCode, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, body["error"])
			} else {
				assert.NotEmpty(t, body["subscription"])
			}
		})
	}
}

func TestMiddleware_Errors(t *testing.T) {
	w := get(newRouter(Config{Source: failingSource{}, GetUserID: FromHeader("X-User-ID")}), "user1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var got error
	w = get(newRouter(Config{
		Source:    failingSource{},
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(c *gongin.Context, err error) {
			got = err
			c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "try later"})
		},
	}), "user1")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.EqualError(t, got, "storage down")
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{GetUserID: FromHeader("X-User-ID")}) })
	assert.Panics(t, func() { Middleware(Config{Source: failingSource{}}) })
}

func TestFromContext(t *testing.T) {
	l := setupTestLedger(t)
	r := gongin.New()
	r.Use(func(c *gongin.Context) { c.Set("UserID", "user1"); c.Next() })
	r.GET("/reports", Middleware(Config{Source: l, GetUserID: FromContext("UserID")}), func(c *gongin.Context) {
		c.Status(http.StatusNoContent)
	})
	w := get(r, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}
