package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Статусы жизненного цикла заказа.
const (
	OrderStatusCreated         = "CREATED"
	OrderStatusFraudChecked    = "FRAUD_CHECKED"
	OrderStatusCourierAssigned = "COURIER_ASSIGNED"
	OrderStatusShipped         = "SHIPPED"
	OrderStatusDelivered       = "DELIVERED"
	OrderStatusFailed          = "FAILED"
	OrderStatusCancelled       = "CANCELLED"
)

// Уровни риска fraud-проверки. Проверка совещательная: UNKNOWN никогда не
// блокирует заказ.
const (
	RiskLevelLow     = "low"
	RiskLevelMedium  = "medium"
	RiskLevelHigh    = "high"
	RiskLevelUnknown = "unknown"
)

type Order struct {
	ID uuid.UUID

	Items []OrderItem

	CustomerName    string
	CustomerPhone   string
	CustomerAddress string

	// Сумма в минорных единицах (пойша).
	TotalAmount int64

	Status      string
	RiskVerdict *RiskVerdict

	CourierProvider string
	ConsignmentID   string
	TrackingRef     *string

	LastError *string

	// Счётчик оптимистичной блокировки: растёт на каждую запись статуса.
	Version int64

	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OrderItem struct {
	ID        uint64
	OrderID   uuid.UUID
	ProductID string
	Quantity  int32
	UnitPrice int64
	// Выбранные опции варианта (цвет, размер и т.п.), порядок не важен.
	Options map[string]string
}

type RiskVerdict struct {
	Level string          `json:"level"`
	Score *float64        `json:"score,omitempty"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

func UnknownVerdict() *RiskVerdict {
	return &RiskVerdict{Level: RiskLevelUnknown}
}

type OrderCreateInput struct {
	CustomerName    string
	CustomerPhone   string
	CustomerAddress string
	TotalAmount     int64
	Items           []OrderItem
}

// stageRank задаёт порядок "вперёд по графу". Терминальные ветки Failed и
// Cancelled вне линейной шкалы и обрабатываются в CanTransition отдельно.
var stageRank = map[string]int{
	OrderStatusCreated:         0,
	OrderStatusFraudChecked:    1,
	OrderStatusCourierAssigned: 2,
	OrderStatusShipped:         3,
	OrderStatusDelivered:       4,
}

// StageRank возвращает позицию статуса на основной ветке, -1 для Failed/Cancelled.
func StageRank(status string) int {
	if r, ok := stageRank[status]; ok {
		return r
	}
	return -1
}

// NextStage — следующий статус на основной ветке, "" если её нет.
func NextStage(status string) string {
	r, ok := stageRank[status]
	if !ok {
		return ""
	}
	for s, n := range stageRank {
		if n == r+1 {
			return s
		}
	}
	return ""
}

func IsTerminalStatus(status string) bool {
	switch status {
	case OrderStatusDelivered, OrderStatusFailed, OrderStatusCancelled:
		return true
	}
	return false
}

// CanTransition проверяет допустимость перехода по графу жизненного цикла.
// Разрешены только шаги вперёд на один этап, плюс явные ветки:
// Failed из FraudChecked/CourierAssigned, Cancelled из любого нетерминального.
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	if IsTerminalStatus(from) {
		return false
	}
	switch to {
	case OrderStatusCancelled:
		return true
	case OrderStatusFailed:
		return from == OrderStatusFraudChecked || from == OrderStatusCourierAssigned
	}
	fr, ok := stageRank[from]
	if !ok {
		return false
	}
	tr, ok := stageRank[to]
	if !ok {
		return false
	}
	return tr == fr+1
}
