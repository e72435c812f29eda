package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"kdsboard/server/internal/services"
	"kdsboard/server/internal/utils"
)

// KafkaIntakeConsumer читает заказы из Kafka и проводит их через общий прием
// Канал для внешних систем: сайт, агрегаторы доставки, киоски
type KafkaIntakeConsumer struct {
	topic     string
	groupID   string
	reader    *kafka.Reader
	ctx       context.Context
	cancel    context.CancelFunc
	store     *services.OrderService
	kicker    services.RefreshKicker // может быть nil
	redisUtil *utils.RedisClient     // может быть nil, тогда дедупликации между инстансами нет
	processed int64
	skipped   int64
	lastLog   int64
}

// NewKafkaIntakeConsumer создает консьюмер приема заказов
func NewKafkaIntakeConsumer(brokers, topic, groupID string, store *services.OrderService, kicker services.RefreshKicker, redisUtil *utils.RedisClient, username, password, caCert string) *KafkaIntakeConsumer {
	brokerList := ParseKafkaBrokers(brokers)
	ctx, cancel := context.WithCancel(context.Background())

	dialer := CreateKafkaDialer(username, password, caCert)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokerList,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset, // Исторические заказы доске не нужны
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     1 * time.Second,
		Dialer:      dialer,
	})

	return &KafkaIntakeConsumer{
		topic:     topic,
		groupID:   groupID,
		reader:    reader,
		ctx:       ctx,
		cancel:    cancel,
		store:     store,
		kicker:    kicker,
		redisUtil: redisUtil,
		lastLog:   time.Now().Unix(),
	}
}

// Start запускает чтение заказов из Kafka
func (kc *KafkaIntakeConsumer) Start() {
	log.Printf("📡 Kafka intake запущен: topic=%s, groupID=%s", kc.topic, kc.groupID)

	go func() {
		for {
			select {
			case <-kc.ctx.Done():
				log.Println("🛑 Kafka intake остановлен")
				return
			default:
				msg, err := kc.reader.ReadMessage(kc.ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					log.Printf("⚠️ Kafka intake: ошибка чтения: %v", err)
					time.Sleep(1 * time.Second)
					continue
				}

				kc.handleMessage(msg)
			}
		}
	}()
}

func (kc *KafkaIntakeConsumer) handleMessage(msg kafka.Message) {
	var payload IntakeOrderPayload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		// Чужой формат в топике, не спамим логом на каждое сообщение
		atomic.AddInt64(&kc.skipped, 1)
		return
	}
	if payload.RestaurantID == "" || len(payload.Items) == 0 {
		atomic.AddInt64(&kc.skipped, 1)
		return
	}

	// Дедупликация по внешнему ID: Kafka доставляет at-least-once,
	// плюс топик могут читать несколько инстансов доски
	if payload.OrderID != "" && kc.redisUtil != nil {
		seenKey := fmt.Sprintf("kds:intake:seen:%s", payload.OrderID)
		fresh, err := kc.redisUtil.SetNX(seenKey, "1", 24*time.Hour)
		if err == nil && !fresh {
			atomic.AddInt64(&kc.skipped, 1)
			return
		}
	}

	order, err := buildIntakeOrder(payload)
	if err != nil {
		log.Printf("⚠️ Kafka intake: заказ отклонен (offset=%d): %v", msg.Offset, err)
		atomic.AddInt64(&kc.skipped, 1)
		return
	}

	if err := kc.store.CreateOrder(kc.ctx, order); err != nil {
		log.Printf("❌ Kafka intake: не удалось сохранить заказ %s: %v", order.DisplayID, err)
		return
	}

	if kc.kicker != nil {
		kc.kicker.KickAll(order.RestaurantID)
	}
	BroadcastBoardEvent(order.RestaurantID, "order_created", order)

	// Лог прогресса раз в 5 секунд, чтобы не заливать журнал при наплыве
	processed := atomic.AddInt64(&kc.processed, 1)
	now := time.Now().Unix()
	if now-atomic.LoadInt64(&kc.lastLog) >= 5 {
		atomic.StoreInt64(&kc.lastLog, now)
		log.Printf("📊 Kafka intake: принято %d, пропущено %d", processed, atomic.LoadInt64(&kc.skipped))
	}
}

// Stop останавливает консьюмер
func (kc *KafkaIntakeConsumer) Stop() {
	kc.cancel()
	if kc.reader != nil {
		kc.reader.Close()
	}
}
