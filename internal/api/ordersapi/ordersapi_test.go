package ordersapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/BongoMart/OrderPilot/internal/integrations/courier"
	"github.com/BongoMart/OrderPilot/internal/models"
	"github.com/BongoMart/OrderPilot/internal/services/orders"
	"github.com/BongoMart/OrderPilot/internal/storage/pgorders"
)

type fakeService struct {
	order       *models.Order
	verdict     *models.RiskVerdict
	cities      []courier.GeoUnit
	sub         *models.PushSubscription
	err         error
	lastAdminID string
	lastStatus  string
}

func (f *fakeService) FraudCheck(ctx context.Context, phone string) (*models.RiskVerdict, error) {
	if phone == "" {
		return nil, errors.Wrap(orders.ErrInvalidInput, "phone is required")
	}
	return f.verdict, f.err
}

func (f *fakeService) ListCities(ctx context.Context, provider string) ([]courier.GeoUnit, error) {
	return f.cities, f.err
}

func (f *fakeService) ListZones(ctx context.Context, provider string, cityID int64) ([]courier.GeoUnit, error) {
	return nil, f.err
}

func (f *fakeService) ListAreas(ctx context.Context, provider string, zoneID int64) ([]courier.GeoUnit, error) {
	return nil, f.err
}

func (f *fakeService) RegisterSubscription(ctx context.Context, adminID string, in models.PushSubscriptionInput) (*models.PushSubscription, error) {
	f.lastAdminID = adminID
	if adminID == "" || in.P256dh == "" {
		return nil, errors.Wrap(orders.ErrInvalidInput, "bad subscription")
	}
	return f.sub, f.err
}

func (f *fakeService) CurrentStatus(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	if f.order == nil || f.order.ID != id {
		return nil, pgorders.ErrNotFound
	}
	return f.order, f.err
}

func (f *fakeService) CancelOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.order, nil
}

func (f *fakeService) ApplyShipmentStatus(ctx context.Context, provider, consignmentID, rawStatus string) (*models.Order, error) {
	f.lastStatus = rawStatus
	if f.order == nil {
		return nil, pgorders.ErrNotFound
	}
	return f.order, f.err
}

func newServer(svc Service) *httptest.Server {
	r := chi.NewRouter()
	New(svc).Routes(r)
	return httptest.NewServer(r)
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestFraudCheck(t *testing.T) {
	svc := &fakeService{verdict: &models.RiskVerdict{Level: models.RiskLevelLow}}
	srv := newServer(svc)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/fraud-check", map[string]string{"phone": "+8801712345678"}, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var v models.RiskVerdict
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	require.Equal(t, models.RiskLevelLow, v.Level)

	resp = postJSON(t, srv.URL+"/api/v1/fraud-check", map[string]string{}, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListCities(t *testing.T) {
	svc := &fakeService{cities: []courier.GeoUnit{{Kind: "city", ID: 1, Name: "Dhaka"}}}
	srv := newServer(svc)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/couriers/pathao/cities")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Items []courier.GeoUnit `json:"items"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Items, 1)
	require.Equal(t, "Dhaka", out.Items[0].Name)
}

func TestListZones_badCityID(t *testing.T) {
	srv := newServer(&fakeService{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/couriers/pathao/cities/abc/zones")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetOrder(t *testing.T) {
	o := &models.Order{ID: uuid.New(), Status: models.OrderStatusShipped, Version: 4}
	srv := newServer(&fakeService{order: o})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/orders/" + o.ID.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dto orderDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dto))
	require.Equal(t, o.ID.String(), dto.ID)
	require.Equal(t, models.OrderStatusShipped, dto.Status)

	resp, err = http.Get(srv.URL + "/api/v1/orders/" + uuid.NewString())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/orders/not-a-uuid")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelOrder_conflict(t *testing.T) {
	svc := &fakeService{err: errors.Wrap(orders.ErrConflict, "order in status DELIVERED cannot be cancelled")}
	srv := newServer(svc)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/orders/"+uuid.NewString()+"/cancel", nil, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Contains(t, out["error"], "cannot be cancelled")
}

func TestRegisterSubscription(t *testing.T) {
	svc := &fakeService{sub: &models.PushSubscription{ID: 7}}
	srv := newServer(svc)
	defer srv.Close()

	body := map[string]any{
		"endpoint": "https://push.example/ep",
		"keys":     map[string]string{"p256dh": "p", "auth": "a"},
	}
	resp := postJSON(t, srv.URL+"/api/v1/push/subscriptions", body, map[string]string{"X-Admin-Id": "admin-1"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "admin-1", svc.lastAdminID)

	// Без админского заголовка подписку не регистрируем.
	resp = postJSON(t, srv.URL+"/api/v1/push/subscriptions", body, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCourierWebhook(t *testing.T) {
	o := &models.Order{ID: uuid.New(), Status: models.OrderStatusShipped}
	svc := &fakeService{order: o}
	srv := newServer(svc)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/couriers/steadfast/webhook",
		map[string]string{"consignment_id": "C-100", "status": "in_transit"}, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "in_transit", svc.lastStatus)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, o.ID.String(), out["orderId"])
	require.Equal(t, models.OrderStatusShipped, out["status"])
}
