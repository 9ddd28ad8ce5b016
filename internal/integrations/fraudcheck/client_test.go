package fraudcheck

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BongoMart/OrderPilot/internal/models"
	"github.com/stretchr/testify/require"
)

func TestClient_Check_ok(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/score", r.URL.Path)
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, "+8801712345678", in["customer_phone"])

		_, _ = w.Write([]byte(`{"risk_level":"high","risk_score":0.91,"history":{"cancelled":7}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	v := c.Check(context.Background(), CheckInput{Phone: "+8801712345678", Amount: 150000})
	require.Equal(t, models.RiskLevelHigh, v.Level)
	require.NotNil(t, v.Score)
	require.InDelta(t, 0.91, *v.Score, 0.001)
	require.NotEmpty(t, v.Raw)
}

func TestClient_Check_scoreOnlyBuckets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"risk_score":0.2}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	v := c.Check(context.Background(), CheckInput{Phone: "+8801712345678"})
	require.Equal(t, models.RiskLevelLow, v.Level)
}

func TestClient_Check_upstreamDownFallsOpen(t *testing.T) {
	// Адрес без слушателя: транспортная ошибка — вердикт unknown, без паники.
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	v := c.Check(context.Background(), CheckInput{Phone: "+8801712345678"})
	require.Equal(t, models.RiskLevelUnknown, v.Level)
}

func TestClient_Check_non2xxFallsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	v := c.Check(context.Background(), CheckInput{Phone: "+8801712345678"})
	require.Equal(t, models.RiskLevelUnknown, v.Level)
}

func TestClient_Check_malformedFallsOpen(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`not json at all`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	v := c.Check(context.Background(), CheckInput{Phone: "+8801712345678"})
	require.Equal(t, models.RiskLevelUnknown, v.Level)
	// Один best-effort вызов, без ретраев.
	require.Equal(t, 1, calls)
}
