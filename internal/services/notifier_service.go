package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"kdsboard/server/internal/models"
)

// NotificationExchange fanout-обменник уведомлений кухни
// Слушают дашборд менеджера, печать чеков и внешние интеграции
const NotificationExchange = "kds.notifications"

// NotifyQueueKey список заданий на уведомления в Redis
// Пишет LifecycleService и монитор срочности, разгребают воркеры
const NotifyQueueKey = "kds:notify:queue"

// StatusChangeNotice сообщение о переходе статуса заказа
type StatusChangeNotice struct {
	OrderID        string             `json:"order_id"`
	DisplayID      string             `json:"display_id"`
	RestaurantID   string             `json:"restaurant_id"`
	OldStatus      models.OrderStatus `json:"old_status"`
	NewStatus      models.OrderStatus `json:"new_status"`
	ChangedBy      string             `json:"changed_by"`
	WasteSuspected bool               `json:"waste_suspected,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// UrgencyAlert сообщение об эскалации срочности заказа
type UrgencyAlert struct {
	OrderID        string             `json:"order_id"`
	DisplayID      string             `json:"display_id"`
	RestaurantID   string             `json:"restaurant_id"`
	Status         models.OrderStatus `json:"status"`
	Urgency        models.UrgencyTier `json:"urgency"`
	ElapsedSeconds int64              `json:"elapsed_seconds"`
	Timestamp      time.Time          `json:"timestamp"`
}

// NotificationJob задание в очереди уведомлений
// Ровно одно из полей StatusChange/Urgency заполнено
type NotificationJob struct {
	Kind         string              `json:"kind"` // "status_change" | "urgency_alert"
	StatusChange *StatusChangeNotice `json:"status_change,omitempty"`
	Urgency      *UrgencyAlert       `json:"urgency,omitempty"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
}

// NotifierService публикует уведомления кухни в RabbitMQ
type NotifierService struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
}

// NewNotifierService подключается к RabbitMQ и объявляет fanout-обменник
func NewNotifierService(amqpURL string) (*NotifierService, error) {
	conn, err := amqp091.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if err := ch.ExchangeDeclare(NotificationExchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Printf("✅ RabbitMQ подключен, обменник %s объявлен", NotificationExchange)
	return &NotifierService{conn: conn, ch: ch, exchange: NotificationExchange}, nil
}

// PublishStatusChange публикует уведомление о переходе статуса
func (ns *NotifierService) PublishStatusChange(ctx context.Context, notice StatusChangeNotice) error {
	if ns == nil || ns.ch == nil {
		return nil // Уведомления отключены, работаем дальше
	}

	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal status notice: %w", err)
	}
	return ns.publish(ctx, notice.OrderID, "status_change", body)
}

// PublishUrgencyAlert публикует алерт об эскалации срочности
func (ns *NotifierService) PublishUrgencyAlert(ctx context.Context, alert UrgencyAlert) error {
	if ns == nil || ns.ch == nil {
		return nil
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal urgency alert: %w", err)
	}
	return ns.publish(ctx, alert.OrderID, "urgency_alert", body)
}

func (ns *NotifierService) publish(ctx context.Context, orderID, kind string, body []byte) error {
	pub := amqp091.Publishing{
		DeliveryMode:  amqp091.Persistent,
		ContentType:   "application/json",
		MessageId:     uuid.New().String(),
		CorrelationId: orderID,
		Timestamp:     time.Now().UTC(),
		Headers: amqp091.Table{
			"x-source": "kds-board",
			"x-kind":   kind,
		},
		Body: body,
	}

	return ns.ch.PublishWithContext(
		ctx,
		ns.exchange,
		"", // routing key у fanout игнорируется
		false,
		false,
		pub,
	)
}

// Close закрывает канал и соединение
func (ns *NotifierService) Close() {
	if ns == nil {
		return
	}
	if ns.ch != nil {
		ns.ch.Close()
	}
	if ns.conn != nil {
		ns.conn.Close()
	}
}
