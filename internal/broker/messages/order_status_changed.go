package messages

import "time"

// OrderStatusChanged — событие перехода заказа по жизненному циклу.
// Публикуется воркером на каждый сделанный им переход; order-api применяет
// его к кэшу текущего статуса и рассылает push-уведомления.
type OrderStatusChanged struct {
	OrderID    string    `json:"order_id"`
	Status     string    `json:"status"`
	PrevStatus string    `json:"prev_status,omitempty"`

	Provider      string `json:"provider,omitempty"`
	ConsignmentID string `json:"consignment_id,omitempty"`
	TrackingRef   string `json:"tracking_ref,omitempty"`

	FailureReason *string `json:"failure_reason,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}
