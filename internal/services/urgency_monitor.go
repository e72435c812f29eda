package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"kdsboard/server/internal/models"
	"kdsboard/server/internal/utils"
)

// UrgencyMonitor фоновый обход активных заказов: переклассифицирует
// срочность и шлет алерт, когда заказ впервые доехал до critical
// в своем текущем статусе
//
// Дедупликация алертов живет в Redis (множество на ресторан), чтобы
// несколько инстансов сервера не дублировали алерты; без Redis
// используется локальная карта
type UrgencyMonitor struct {
	store     *OrderService
	redisUtil *utils.RedisClient // может быть nil
	notifier  *NotifierService   // может быть nil
	interval  time.Duration

	mu           sync.Mutex
	localAlerted map[string]time.Time // fallback-дедупликация без Redis

	stop     chan struct{}
	stopOnce sync.Once
}

// AlertDedupMember ключ дедупликации алерта: заказ плюс статус
// После перехода заказ может заново доехать до critical уже в новом статусе
func AlertDedupMember(orderID string, status models.OrderStatus) string {
	return fmt.Sprintf("%s:%s", orderID, status)
}

// NewUrgencyMonitor создает монитор срочности
func NewUrgencyMonitor(store *OrderService, redisUtil *utils.RedisClient, notifier *NotifierService, interval time.Duration) *UrgencyMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &UrgencyMonitor{
		store:        store,
		redisUtil:    redisUtil,
		notifier:     notifier,
		interval:     interval,
		localAlerted: map[string]time.Time{},
		stop:         make(chan struct{}),
	}
}

// Start запускает фоновый обход
func (um *UrgencyMonitor) Start() {
	go func() {
		ticker := time.NewTicker(um.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				um.sweep()
			case <-um.stop:
				return
			}
		}
	}()
	log.Printf("🔄 Монитор срочности запущен (каждые %v)", um.interval)
}

// Stop останавливает обход
func (um *UrgencyMonitor) Stop() {
	um.stopOnce.Do(func() {
		close(um.stop)
	})
}

// sweep один проход по всем ресторанам с активными заказами
func (um *UrgencyMonitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), um.interval)
	defer cancel()

	restaurantIDs, err := um.store.ActiveRestaurantIDs(ctx)
	if err != nil {
		log.Printf("⚠️ Монитор срочности: не удалось получить рестораны: %v", err)
		return
	}

	now := time.Now().UTC()
	alerts := 0
	for _, restaurantID := range restaurantIDs {
		orders, err := um.store.ListActiveOrders(ctx, restaurantID)
		if err != nil {
			log.Printf("⚠️ Монитор срочности: ресторан %s пропущен: %v", restaurantID, err)
			continue
		}

		for i := range orders {
			if um.checkOrder(ctx, &orders[i], now) {
				alerts++
			}
		}
	}

	if alerts > 0 {
		log.Printf("🚨 Монитор срочности: отправлено %d алертов", alerts)
	}
}

// checkOrder классифицирует заказ и при первой эскалации до critical
// ставит алерт в очередь уведомлений
func (um *UrgencyMonitor) checkOrder(ctx context.Context, order *models.Order, now time.Time) bool {
	tier := order.UrgencyAt(now)
	if tier != models.UrgencyCritical {
		return false
	}

	if um.alreadyAlerted(order) {
		return false
	}

	alert := UrgencyAlert{
		OrderID:        order.ID,
		DisplayID:      order.DisplayID,
		RestaurantID:   order.RestaurantID,
		Status:         order.Status,
		Urgency:        tier,
		ElapsedSeconds: int64(order.ElapsedInStatus(now).Seconds()),
		Timestamp:      now,
	}

	job := NotificationJob{
		Kind:       "urgency_alert",
		Urgency:    &alert,
		EnqueuedAt: now,
	}

	if um.redisUtil != nil {
		if err := um.redisUtil.LPush(NotifyQueueKey, job); err != nil {
			log.Printf("⚠️ Монитор срочности: очередь недоступна, публикуем напрямую: %v", err)
			if err := um.notifier.PublishUrgencyAlert(ctx, alert); err != nil {
				log.Printf("⚠️ Монитор срочности: алерт по заказу %s не опубликован: %v", order.ID, err)
			}
		}
	} else if err := um.notifier.PublishUrgencyAlert(ctx, alert); err != nil {
		log.Printf("⚠️ Монитор срочности: алерт по заказу %s не опубликован: %v", order.ID, err)
	}

	return true
}

// alreadyAlerted проверяет и помечает дедупликацию алерта
func (um *UrgencyMonitor) alreadyAlerted(order *models.Order) bool {
	member := AlertDedupMember(order.ID, order.Status)

	if um.redisUtil != nil {
		key := fmt.Sprintf(alertedKeyPattern, order.RestaurantID)
		seen, err := um.redisUtil.SIsMember(key, member)
		if err == nil {
			if seen {
				return true
			}
			if err := um.redisUtil.SAdd(key, member); err == nil {
				// Множество живет сутки: застрявший навсегда заказ
				// напомнит о себе не чаще раза в день
				um.redisUtil.Expire(key, 24*time.Hour)
				return false
			}
		}
		// Redis не ответил, падаем на локальную дедупликацию
	}

	um.mu.Lock()
	defer um.mu.Unlock()
	if _, ok := um.localAlerted[member]; ok {
		return true
	}
	um.localAlerted[member] = time.Now()

	// Не даем карте расти бесконечно
	if len(um.localAlerted) > 10000 {
		cutoff := time.Now().Add(-24 * time.Hour)
		for k, t := range um.localAlerted {
			if t.Before(cutoff) {
				delete(um.localAlerted, k)
			}
		}
	}
	return false
}
