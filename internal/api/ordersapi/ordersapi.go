package ordersapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/BongoMart/OrderPilot/internal/integrations/courier"
	"github.com/BongoMart/OrderPilot/internal/models"
	"github.com/BongoMart/OrderPilot/internal/services/orders"
	"github.com/BongoMart/OrderPilot/internal/storage/pgorders"
)

// Service — срез orders.Service, который нужен HTTP-слою.
type Service interface {
	FraudCheck(ctx context.Context, phone string) (*models.RiskVerdict, error)
	ListCities(ctx context.Context, provider string) ([]courier.GeoUnit, error)
	ListZones(ctx context.Context, provider string, cityID int64) ([]courier.GeoUnit, error)
	ListAreas(ctx context.Context, provider string, zoneID int64) ([]courier.GeoUnit, error)
	RegisterSubscription(ctx context.Context, adminID string, in models.PushSubscriptionInput) (*models.PushSubscription, error)
	CurrentStatus(ctx context.Context, id uuid.UUID) (*models.Order, error)
	CancelOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ApplyShipmentStatus(ctx context.Context, provider, consignmentID, rawStatus string) (*models.Order, error)
}

type OrdersAPI struct {
	svc Service
}

func New(svc Service) *OrdersAPI {
	return &OrdersAPI{svc: svc}
}

func (a *OrdersAPI) Routes(r chi.Router) {
	r.Post("/api/v1/fraud-check", a.fraudCheck)

	r.Get("/api/v1/couriers/{provider}/cities", a.listCities)
	r.Get("/api/v1/couriers/{provider}/cities/{cityId}/zones", a.listZones)
	r.Get("/api/v1/couriers/{provider}/zones/{zoneId}/areas", a.listAreas)
	r.Post("/api/v1/couriers/{provider}/webhook", a.courierWebhook)

	r.Post("/api/v1/push/subscriptions", a.registerSubscription)

	r.Get("/api/v1/orders/{id}", a.getOrder)
	r.Post("/api/v1/orders/{id}/cancel", a.cancelOrder)
}

type orderDTO struct {
	ID              string              `json:"id"`
	Status          string              `json:"status"`
	CustomerName    string              `json:"customerName"`
	CustomerPhone   string              `json:"customerPhone"`
	CustomerAddress string              `json:"customerAddress"`
	TotalAmount     int64               `json:"totalAmount"`
	RiskVerdict     *models.RiskVerdict `json:"riskVerdict,omitempty"`
	CourierProvider string              `json:"courierProvider,omitempty"`
	ConsignmentID   string              `json:"consignmentId,omitempty"`
	TrackingRef     string              `json:"trackingRef,omitempty"`
	LastError       string              `json:"lastError,omitempty"`
	Version         int64               `json:"version"`
	Items           []orderItemDTO      `json:"items,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

type orderItemDTO struct {
	ProductID string            `json:"productId"`
	Quantity  int32             `json:"quantity"`
	UnitPrice int64             `json:"unitPrice"`
	Options   map[string]string `json:"options,omitempty"`
}

func toOrderDTO(o *models.Order) orderDTO {
	out := orderDTO{
		ID:              o.ID.String(),
		Status:          o.Status,
		CustomerName:    o.CustomerName,
		CustomerPhone:   o.CustomerPhone,
		CustomerAddress: o.CustomerAddress,
		TotalAmount:     o.TotalAmount,
		RiskVerdict:     o.RiskVerdict,
		CourierProvider: o.CourierProvider,
		ConsignmentID:   o.ConsignmentID,
		Version:         o.Version,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	if o.TrackingRef != nil {
		out.TrackingRef = *o.TrackingRef
	}
	if o.LastError != nil {
		out.LastError = *o.LastError
	}
	for _, it := range o.Items {
		out.Items = append(out.Items, orderItemDTO{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Options:   it.Options,
		})
	}
	return out
}

func (a *OrdersAPI) fraudCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	v, err := a.svc.FraudCheck(r.Context(), req.Phone)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *OrdersAPI) listCities(w http.ResponseWriter, r *http.Request) {
	units, err := a.svc.ListCities(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": units})
}

func (a *OrdersAPI) listZones(w http.ResponseWriter, r *http.Request) {
	cityID, err := strconv.ParseInt(chi.URLParam(r, "cityId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cityId")
		return
	}
	units, err := a.svc.ListZones(r.Context(), chi.URLParam(r, "provider"), cityID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": units})
}

func (a *OrdersAPI) listAreas(w http.ResponseWriter, r *http.Request) {
	zoneID, err := strconv.ParseInt(chi.URLParam(r, "zoneId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid zoneId")
		return
	}
	units, err := a.svc.ListAreas(r.Context(), chi.URLParam(r, "provider"), zoneID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": units})
}

func (a *OrdersAPI) registerSubscription(w http.ResponseWriter, r *http.Request) {
	// Аутентификацию держит внешний слой, сюда приходит уже проверенный id.
	adminID := r.Header.Get("X-Admin-Id")

	var req struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	sub, err := a.svc.RegisterSubscription(r.Context(), adminID, models.PushSubscriptionInput{
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": sub.ID})
}

func (a *OrdersAPI) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	o, err := a.svc.CurrentStatus(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

func (a *OrdersAPI) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	o, err := a.svc.CancelOrder(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

func (a *OrdersAPI) courierWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConsignmentID string `json:"consignment_id"`
		Status        string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	o, err := a.svc.ApplyShipmentStatus(r.Context(), chi.URLParam(r, "provider"), req.ConsignmentID, req.Status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orderId": o.ID.String(), "status": o.Status})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orders.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pgorders.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, pgorders.ErrVersionConflict), errors.Is(err, orders.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, courier.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, courier.ErrTimeout):
		writeError(w, http.StatusBadGateway, "courier provider timeout")
	case errors.Is(err, courier.ErrAuth):
		writeError(w, http.StatusBadGateway, "courier provider auth failed")
	default:
		slog.Error("request failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
