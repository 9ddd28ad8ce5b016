package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/BongoMart/OrderPilot/internal/broker/messages"
	"github.com/BongoMart/OrderPilot/internal/cache"
	"github.com/BongoMart/OrderPilot/internal/integrations/courier"
	"github.com/BongoMart/OrderPilot/internal/integrations/fraudcheck"
	"github.com/BongoMart/OrderPilot/internal/models"
	"github.com/BongoMart/OrderPilot/internal/notify"
	"github.com/BongoMart/OrderPilot/internal/storage/pgorders"
)

// Сентинелы для маппинга на HTTP-коды в транспортном слое.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)

type Repository interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetOrderByConsignment(ctx context.Context, provider, consignmentID string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, upd pgorders.StatusUpdate) error
	RecordCourierReport(ctx context.Context, r pgorders.CourierReport) error
	CreatePushSubscription(ctx context.Context, in models.PushSubscriptionInput) (*models.PushSubscription, error)
}

type FraudChecker interface {
	Check(ctx context.Context, in fraudcheck.CheckInput) *models.RiskVerdict
}

type Geography interface {
	ListCities(ctx context.Context, provider string) ([]courier.GeoUnit, error)
	ListZones(ctx context.Context, provider string, cityID int64) ([]courier.GeoUnit, error)
	ListAreas(ctx context.Context, provider string, zoneID int64) ([]courier.GeoUnit, error)
}

type Notifier interface {
	OrderEvent(ctx context.Context, ev notify.Event) ([]notify.Outcome, error)
}

type Service struct {
	repo       Repository
	fraud      FraudChecker
	geo        Geography
	notifier   Notifier
	cache      cache.BytesCache
	currentTTL time.Duration
}

func New(repo Repository, fraud FraudChecker, geo Geography, notifier Notifier, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{repo: repo, fraud: fraud, geo: geo, notifier: notifier, cache: c, currentTTL: currentTTL}
}

// FraudCheck — ручная проверка телефона из админки. Отказ скоринга не
// является ошибкой, вернётся вердикт unknown.
func (s *Service) FraudCheck(ctx context.Context, phone string) (*models.RiskVerdict, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, errors.Wrap(ErrInvalidInput, "phone is required")
	}
	return s.fraud.Check(ctx, fraudcheck.CheckInput{Phone: phone}), nil
}

func (s *Service) ListCities(ctx context.Context, provider string) ([]courier.GeoUnit, error) {
	if provider == "" {
		return nil, errors.Wrap(ErrInvalidInput, "provider is required")
	}
	return s.geo.ListCities(ctx, provider)
}

func (s *Service) ListZones(ctx context.Context, provider string, cityID int64) ([]courier.GeoUnit, error) {
	if provider == "" {
		return nil, errors.Wrap(ErrInvalidInput, "provider is required")
	}
	if cityID <= 0 {
		return nil, errors.Wrap(ErrInvalidInput, "cityId is required")
	}
	return s.geo.ListZones(ctx, provider, cityID)
}

func (s *Service) ListAreas(ctx context.Context, provider string, zoneID int64) ([]courier.GeoUnit, error) {
	if provider == "" {
		return nil, errors.Wrap(ErrInvalidInput, "provider is required")
	}
	if zoneID <= 0 {
		return nil, errors.Wrap(ErrInvalidInput, "zoneId is required")
	}
	return s.geo.ListAreas(ctx, provider, zoneID)
}

func (s *Service) RegisterSubscription(ctx context.Context, adminID string, in models.PushSubscriptionInput) (*models.PushSubscription, error) {
	if adminID == "" {
		return nil, errors.Wrap(ErrInvalidInput, "admin id is required")
	}
	if in.Endpoint == "" {
		return nil, errors.Wrap(ErrInvalidInput, "endpoint is required")
	}
	if in.P256dh == "" || in.Auth == "" {
		return nil, errors.Wrap(ErrInvalidInput, "subscription keys are required")
	}
	in.AdminID = adminID
	return s.repo.CreatePushSubscription(ctx, in)
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// CurrentStatus — чтение заказа через кэш текущего состояния. Кэш работает
// по принципу "лучшее усилие": его отказ не мешает отдать данные из БД.
func (s *Service) CurrentStatus(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	if s.cache != nil && s.currentTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, currentKey(id)); err == nil && ok {
			var o models.Order
			if json.Unmarshal(b, &o) == nil {
				return &o, nil
			}
		}
	}

	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheCurrent(ctx, o)
	return o, nil
}

func (s *Service) CancelOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(o.Status, models.OrderStatusCancelled) {
		return nil, errors.Wrapf(ErrConflict, "order in status %s cannot be cancelled", o.Status)
	}

	err = s.repo.UpdateOrderStatus(ctx, pgorders.StatusUpdate{
		OrderID:         o.ID,
		ExpectedVersion: o.Version,
		NewStatus:       models.OrderStatusCancelled,
	})
	if err != nil {
		return nil, err
	}

	o, err = s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheCurrent(ctx, o)
	return o, nil
}

// ApplyShipmentStatus — вход вебхука провайдера. Статусы применяются строго
// монотонно: отчёт, отстающий от текущей стадии заказа, ничего не меняет.
func (s *Service) ApplyShipmentStatus(ctx context.Context, provider, consignmentID, rawStatus string) (*models.Order, error) {
	if provider == "" || consignmentID == "" {
		return nil, errors.Wrap(ErrInvalidInput, "provider and consignment_id are required")
	}

	o, err := s.repo.GetOrderByConsignment(ctx, provider, consignmentID)
	if err != nil {
		return nil, err
	}

	// Каждый отчёт пишем в аудит как есть, даже если стадию он не сдвинет.
	if err := s.repo.RecordCourierReport(ctx, pgorders.CourierReport{
		OrderID: o.ID, Provider: provider, Status: rawStatus,
	}); err != nil {
		slog.Warn("record courier report", "order_id", o.ID, "error", err.Error())
	}

	target, ok := normalizeCourierStatus(rawStatus)
	if !ok {
		slog.Info("unmapped courier status, ignoring",
			"provider", provider, "consignment_id", consignmentID, "status", rawStatus)
		return o, nil
	}
	if models.IsTerminalStatus(o.Status) || models.StageRank(target) <= models.StageRank(o.Status) {
		slog.Info("stale courier status, ignoring",
			"provider", provider, "consignment_id", consignmentID,
			"status", rawStatus, "current", o.Status)
		return o, nil
	}

	// Провайдер мог прислать Delivered, пока у нас CourierAssigned: проходим
	// промежуточные стадии по одной, каждая запись со своей версией.
	for models.StageRank(o.Status) < models.StageRank(target) {
		next := models.NextStage(o.Status)
		if next == "" {
			break
		}
		if err := s.repo.UpdateOrderStatus(ctx, pgorders.StatusUpdate{
			OrderID:         o.ID,
			ExpectedVersion: o.Version,
			NewStatus:       next,
		}); err != nil {
			return nil, err
		}
		o, err = s.repo.GetOrder(ctx, o.ID)
		if err != nil {
			return nil, err
		}
	}

	s.cacheCurrent(ctx, o)
	return o, nil
}

// ApplyStatusEvent — вход kafka-консьюмера: освежить кэш и разослать пуши.
func (s *Service) ApplyStatusEvent(ctx context.Context, msg messages.OrderStatusChanged) error {
	id, err := uuid.Parse(msg.OrderID)
	if err != nil {
		return errors.Wrap(err, "parse order_id")
	}

	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, pgorders.ErrNotFound) {
			slog.Warn("status event for unknown order", "order_id", msg.OrderID)
			return nil
		}
		return err
	}
	s.cacheCurrent(ctx, o)

	if s.notifier == nil {
		return nil
	}
	ev := notify.Event{
		OrderID: msg.OrderID,
		Title:   "Order " + shortID(msg.OrderID),
		Body:    eventBody(msg),
		// orderId дублируется в data: по нему PWA строит deep-link.
		Data: map[string]string{"orderId": msg.OrderID, "status": msg.Status},
	}
	if msg.ConsignmentID != "" {
		ev.Data["consignmentId"] = msg.ConsignmentID
	}
	if _, err := s.notifier.OrderEvent(ctx, ev); err != nil {
		// Уведомления вторичны, событие считаем обработанным.
		slog.Warn("push fan-out failed", "order_id", msg.OrderID, "error", err.Error())
	}
	return nil
}

func (s *Service) cacheCurrent(ctx context.Context, o *models.Order) {
	if s.cache == nil || s.currentTTL <= 0 {
		return
	}
	b, err := json.Marshal(o)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, currentKey(o.ID), b, s.currentTTL)
}

func eventBody(msg messages.OrderStatusChanged) string {
	switch msg.Status {
	case models.OrderStatusCourierAssigned:
		return fmt.Sprintf("Handed to %s, consignment %s", msg.Provider, msg.ConsignmentID)
	case models.OrderStatusFailed:
		if msg.FailureReason != nil {
			return "Dispatch failed: " + *msg.FailureReason
		}
		return "Dispatch failed"
	default:
		return "Status changed to " + msg.Status
	}
}

// normalizeCourierStatus маппит сырые статусы провайдеров на наши стадии.
// Незнакомый статус не двигает заказ, только попадает в лог.
func normalizeCourierStatus(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "":
		return "", false
	case strings.Contains(s, "deliver"):
		return models.OrderStatusDelivered, true
	case strings.Contains(s, "ship"),
		strings.Contains(s, "transit"),
		strings.Contains(s, "picked"),
		strings.Contains(s, "pickup"),
		strings.Contains(s, "on_the_way"):
		return models.OrderStatusShipped, true
	default:
		return "", false
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func currentKey(id uuid.UUID) string {
	return fmt.Sprintf("order:%s:current", id)
}
