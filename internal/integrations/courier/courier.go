package courier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Виды географических единиц провайдера.
const (
	GeoKindCity = "city"
	GeoKindZone = "zone"
	GeoKindArea = "area"
)

// Классы ошибок upstream-провайдера. Провайдерские клиенты обязаны
// оборачивать свои ошибки в один из них, чтобы gateway мог решать:
// ретраить (география) или двигаться по fallback-цепочке (создание отправки).
var (
	ErrAuth     = errors.New("courier: upstream auth error")
	ErrTimeout  = errors.New("courier: upstream timeout")
	ErrRejected = errors.New("courier: shipment rejected")
)

// RejectionError — провайдер отклонил отправку (вне зоны покрытия,
// невалидный адрес и т.п.). Является ErrRejected.
type RejectionError struct {
	Provider string
	Message  string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s rejected shipment: %s", e.Provider, e.Message)
}

func (e *RejectionError) Unwrap() error { return ErrRejected }

type GeoUnit struct {
	Kind     string `json:"kind"`
	ID       int64  `json:"id"`
	ParentID int64  `json:"parentId,omitempty"`
	Name     string `json:"name"`
}

type ShipmentRequest struct {
	// Invoice — наш идентификатор заказа, уходит провайдеру как референс.
	Invoice string

	RecipientName    string
	RecipientPhone   string
	RecipientAddress string

	CityID int64
	ZoneID int64
	AreaID int64

	// Сумма к оплате при доставке, в минорных единицах.
	CODAmount int64

	ItemCount       int32
	ItemDescription string
}

// ShipmentResult — канонический результат создания/опроса отправки.
// Raw сохраняем как есть для аудита.
type ShipmentResult struct {
	Provider      string
	ConsignmentID string
	TrackingRef   string
	Status        string
	Raw           json.RawMessage
}

// Client — единый контракт над разнородными API курьерских провайдеров.
// Добавление провайдера — это новый пакет с реализацией Client, без
// ветвлений по форме ответа в вызывающем коде.
type Client interface {
	Name() string

	ListCities(ctx context.Context) ([]GeoUnit, error)
	ListZones(ctx context.Context, cityID int64) ([]GeoUnit, error)
	ListAreas(ctx context.Context, zoneID int64) ([]GeoUnit, error)

	CreateShipment(ctx context.Context, req ShipmentRequest) (ShipmentResult, error)
	GetShipmentStatus(ctx context.Context, consignmentID string) (ShipmentResult, error)
}
