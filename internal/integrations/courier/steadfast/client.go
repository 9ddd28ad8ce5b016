package steadfast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BongoMart/OrderPilot/internal/integrations/courier"
	"github.com/pkg/errors"
)

const ProviderName = "steadfast"

type Config struct {
	BaseURL   string
	APIKey    string
	SecretKey string
}

// Client — интеграция со Steadfast. Авторизация статическими заголовками,
// обмена токенов нет вовсе (no-op credentials).
type Client struct {
	cfg   Config
	httpc *http.Client
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://portal.packzy.com"
	}
	return &Client{
		cfg: cfg,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Name() string { return ProviderName }

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Api-Key", c.cfg.APIKey)
	req.Header.Set("Secret-Key", c.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, courier.TransportError(err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("steadfast http %d: %w", resp.StatusCode, courier.ErrAuth)
	}
	return resp, nil
}

type geoItem struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (c *Client) listGeo(ctx context.Context, path, kind string, parentID int64) ([]courier.GeoUnit, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("steadfast %s http %d", kind, resp.StatusCode)
	}

	var items []geoItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, errors.Wrap(err, "decode "+kind)
	}
	out := make([]courier.GeoUnit, 0, len(items))
	for _, it := range items {
		out = append(out, courier.GeoUnit{Kind: kind, ID: it.ID, ParentID: parentID, Name: it.Name})
	}
	return out, nil
}

func (c *Client) ListCities(ctx context.Context) ([]courier.GeoUnit, error) {
	return c.listGeo(ctx, "/api/v1/cities", courier.GeoKindCity, 0)
}

func (c *Client) ListZones(ctx context.Context, cityID int64) ([]courier.GeoUnit, error) {
	return c.listGeo(ctx, fmt.Sprintf("/api/v1/cities/%d/zones", cityID), courier.GeoKindZone, cityID)
}

func (c *Client) ListAreas(ctx context.Context, zoneID int64) ([]courier.GeoUnit, error) {
	return c.listGeo(ctx, fmt.Sprintf("/api/v1/zones/%d/areas", zoneID), courier.GeoKindArea, zoneID)
}

type createOrderResp struct {
	Status      int    `json:"status"`
	Message     string `json:"message"`
	Consignment struct {
		ConsignmentID int64  `json:"consignment_id"`
		Invoice       string `json:"invoice"`
		TrackingCode  string `json:"tracking_code"`
		Status        string `json:"status"`
	} `json:"consignment"`
}

func (c *Client) CreateShipment(ctx context.Context, req courier.ShipmentRequest) (courier.ShipmentResult, error) {
	payload, _ := json.Marshal(map[string]any{
		"invoice":           req.Invoice,
		"recipient_name":    req.RecipientName,
		"recipient_phone":   req.RecipientPhone,
		"recipient_address": req.RecipientAddress,
		"cod_amount":        req.CODAmount / 100,
		"note":              req.ItemDescription,
	})

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/create_order", payload)
	if err != nil {
		return courier.ShipmentResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return courier.ShipmentResult{}, errors.Wrap(err, "read body")
	}

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
		var r createOrderResp
		msg := "validation failed"
		if json.Unmarshal(raw, &r) == nil && r.Message != "" {
			msg = r.Message
		}
		return courier.ShipmentResult{}, &courier.RejectionError{Provider: ProviderName, Message: msg}
	}
	if resp.StatusCode/100 != 2 {
		return courier.ShipmentResult{}, fmt.Errorf("steadfast create_order http %d", resp.StatusCode)
	}

	var r createOrderResp
	if err := json.Unmarshal(raw, &r); err != nil {
		return courier.ShipmentResult{}, errors.Wrap(err, "decode create_order")
	}
	if r.Consignment.ConsignmentID == 0 {
		// Steadfast умеет отвечать 200 с status != 200 в теле.
		msg := r.Message
		if msg == "" {
			msg = "empty consignment"
		}
		return courier.ShipmentResult{}, &courier.RejectionError{Provider: ProviderName, Message: msg}
	}

	return courier.ShipmentResult{
		ConsignmentID: fmt.Sprintf("%d", r.Consignment.ConsignmentID),
		TrackingRef:   r.Consignment.TrackingCode,
		Status:        r.Consignment.Status,
		Raw:           json.RawMessage(raw),
	}, nil
}

type statusResp struct {
	Status         int    `json:"status"`
	DeliveryStatus string `json:"delivery_status"`
}

func (c *Client) GetShipmentStatus(ctx context.Context, consignmentID string) (courier.ShipmentResult, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/status_by_cid/"+consignmentID, nil)
	if err != nil {
		return courier.ShipmentResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return courier.ShipmentResult{}, errors.Wrap(err, "read body")
	}
	if resp.StatusCode/100 != 2 {
		return courier.ShipmentResult{}, fmt.Errorf("steadfast status_by_cid http %d", resp.StatusCode)
	}

	var r statusResp
	if err := json.Unmarshal(raw, &r); err != nil {
		return courier.ShipmentResult{}, errors.Wrap(err, "decode status_by_cid")
	}
	return courier.ShipmentResult{
		ConsignmentID: consignmentID,
		Status:        r.DeliveryStatus,
		Raw:           json.RawMessage(raw),
	}, nil
}
