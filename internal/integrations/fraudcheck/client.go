package fraudcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BongoMart/OrderPilot/internal/models"
)

const defaultTimeout = 5 * time.Second

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client — клиент внешнего антифрод-скоринга. Политика fail-open: любая
// проблема upstream (таймаут, не-2xx, кривой ответ) деградирует в вердикт
// UNKNOWN, наружу ошибка не уходит — скоринг совещательный, и блокировать
// заказ из-за чужого даунтайма хуже, чем принять неоценённый заказ.
// Повторов нет: эндпоинт дергается и вручную, ответ нужен быстро.
type Client struct {
	cfg   Config
	httpc *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg: cfg,
		httpc: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type CheckInput struct {
	OrderID string `json:"order_id,omitempty"`
	Name    string `json:"customer_name,omitempty"`
	Phone   string `json:"customer_phone"`
	Address string `json:"customer_address,omitempty"`
	Amount  int64  `json:"order_amount,omitempty"`
}

// Схема ответа контрактно не зафиксирована — декодируем лениво и пробуем
// поля по очереди.
type scoreResp struct {
	RiskLevel string   `json:"risk_level"`
	RiskScore *float64 `json:"risk_score"`
	Status    string   `json:"status"`
}

func (c *Client) Check(ctx context.Context, in CheckInput) *models.RiskVerdict {
	body, _ := json.Marshal(in)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/score", bytes.NewReader(body))
	if err != nil {
		slog.Warn("fraud check skipped", "error", err.Error())
		return models.UnknownVerdict()
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		slog.Warn("fraud check failed, falling open", "phone", in.Phone, "error", err.Error())
		return models.UnknownVerdict()
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		slog.Warn("fraud check non-2xx, falling open", "phone", in.Phone, "code", resp.StatusCode)
		return models.UnknownVerdict()
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		slog.Warn("fraud check read failed, falling open", "error", err.Error())
		return models.UnknownVerdict()
	}

	var r scoreResp
	if err := json.Unmarshal(raw, &r); err != nil {
		slog.Warn("fraud check malformed payload, falling open", "error", err.Error())
		return models.UnknownVerdict()
	}

	v := &models.RiskVerdict{
		Level: normalizeLevel(r),
		Score: r.RiskScore,
		Raw:   json.RawMessage(raw),
	}
	return v
}

func normalizeLevel(r scoreResp) string {
	switch r.RiskLevel {
	case models.RiskLevelLow, models.RiskLevelMedium, models.RiskLevelHigh:
		return r.RiskLevel
	}
	if r.RiskScore != nil {
		// Бакетируем числовой скоринг 0..1.
		switch s := *r.RiskScore; {
		case s < 0.33:
			return models.RiskLevelLow
		case s < 0.66:
			return models.RiskLevelMedium
		default:
			return models.RiskLevelHigh
		}
	}
	return models.RiskLevelUnknown
}
