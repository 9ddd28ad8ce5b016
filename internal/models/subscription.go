package models

import "time"

// PushSubscription — зарегистрированная админом web-push подписка.
// Ключи p256dh/auth нужны для шифрования полезной нагрузки.
type PushSubscription struct {
	ID        uint64
	AdminID   string
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt time.Time
}

type PushSubscriptionInput struct {
	AdminID  string
	Endpoint string
	P256dh   string
	Auth     string
}
