package courier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BongoMart/OrderPilot/internal/cache"
	"github.com/pkg/errors"
)

var ErrUnknownProvider = errors.New("courier: unknown provider")

// Attempt — исход одной попытки создания отправки у конкретного провайдера.
type Attempt struct {
	Provider string
	Err      error
}

// ExhaustedError — вся fallback-цепочка отклонила отправку.
// Несёт причины всех попыток для аудита и ручного разбора.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return "courier: all providers failed: " + strings.Join(parts, "; ")
}

// Gateway выбирает провайдера и гоняет запросы через единый контракт.
// География читается через кэш с TTL; создание отправки идёт по
// fallback-цепочке без повторов к одному и тому же провайдеру
// (дубль вызова = риск дубля физической отправки).
type Gateway struct {
	chain  []Client
	byName map[string]Client

	geoCache cache.BytesCache
	geoTTL   time.Duration
}

func NewGateway(chain []Client, geoCache cache.BytesCache, geoTTL time.Duration) *Gateway {
	byName := make(map[string]Client, len(chain))
	for _, c := range chain {
		byName[c.Name()] = c
	}
	return &Gateway{chain: chain, byName: byName, geoCache: geoCache, geoTTL: geoTTL}
}

func (g *Gateway) Provider(name string) (Client, error) {
	c, ok := g.byName[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownProvider, name)
	}
	return c, nil
}

func (g *Gateway) ListCities(ctx context.Context, provider string) ([]GeoUnit, error) {
	return g.geoLookup(ctx, provider, GeoKindCity, 0, func(c Client) ([]GeoUnit, error) {
		return c.ListCities(ctx)
	})
}

func (g *Gateway) ListZones(ctx context.Context, provider string, cityID int64) ([]GeoUnit, error) {
	return g.geoLookup(ctx, provider, GeoKindZone, cityID, func(c Client) ([]GeoUnit, error) {
		return c.ListZones(ctx, cityID)
	})
}

func (g *Gateway) ListAreas(ctx context.Context, provider string, zoneID int64) ([]GeoUnit, error) {
	return g.geoLookup(ctx, provider, GeoKindArea, zoneID, func(c Client) ([]GeoUnit, error) {
		return c.ListAreas(ctx, zoneID)
	})
}

// geoLookup — cache-aside. Промах под конкурентной нагрузкой может привести к
// двойному походу к провайдеру; это дешевле, чем глобальный лок: перезапись
// идемпотентна.
func (g *Gateway) geoLookup(ctx context.Context, provider, kind string, parentID int64, fetch func(Client) ([]GeoUnit, error)) ([]GeoUnit, error) {
	c, err := g.Provider(provider)
	if err != nil {
		return nil, err
	}

	key := geoKey(provider, kind, parentID)
	if g.geoCache != nil && g.geoTTL > 0 {
		if b, ok, err := g.geoCache.Get(ctx, key); err == nil && ok {
			var units []GeoUnit
			if json.Unmarshal(b, &units) == nil {
				return units, nil
			}
		}
	}

	units, err := fetch(c)
	if err != nil && (errors.Is(err, ErrTimeout) || errors.Is(err, ErrAuth)) {
		// География идемпотентна — один внутренний повтор разрешён.
		slog.Warn("geo lookup retry", "provider", provider, "kind", kind, "error", err.Error())
		units, err = fetch(c)
	}
	if err != nil {
		return nil, err
	}

	if g.geoCache != nil && g.geoTTL > 0 {
		b, _ := json.Marshal(units)
		_ = g.geoCache.Set(ctx, key, b, g.geoTTL)
	}
	return units, nil
}

// CreateShipment пробует провайдеров по порядку цепочки. Возвращает результат
// первого согласившегося и все попытки (включая отказы до него) для аудита.
func (g *Gateway) CreateShipment(ctx context.Context, req ShipmentRequest) (ShipmentResult, []Attempt, error) {
	var attempts []Attempt
	for _, c := range g.chain {
		res, err := c.CreateShipment(ctx, req)
		attempts = append(attempts, Attempt{Provider: c.Name(), Err: err})
		if err == nil {
			res.Provider = c.Name()
			return res, attempts, nil
		}
		slog.Warn("courier attempt failed",
			"provider", c.Name(), "invoice", req.Invoice, "error", err.Error())
	}
	return ShipmentResult{}, attempts, &ExhaustedError{Attempts: attempts}
}

func (g *Gateway) GetShipmentStatus(ctx context.Context, provider, consignmentID string) (ShipmentResult, error) {
	c, err := g.Provider(provider)
	if err != nil {
		return ShipmentResult{}, err
	}
	res, err := c.GetShipmentStatus(ctx, consignmentID)
	if err != nil {
		return ShipmentResult{}, err
	}
	res.Provider = provider
	return res, nil
}

func geoKey(provider, kind string, parentID int64) string {
	return fmt.Sprintf("geo:%s:%s:%d", provider, kind, parentID)
}
