package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"kdsboard/server/internal/models"
	"kdsboard/server/internal/utils"
)

// Ключи Redis кэша доски
const (
	orderKeyPrefix  = "kds:order:"         // kds:order:{orderID} -> JSON заказа
	queueKeyPattern = "kds:board:%s:queue:%s" // kds:board:{restaurantID}:queue:{status} -> set orderID
	alertedKeyPattern = "kds:board:%s:alerted" // kds:board:{restaurantID}:alerted -> set orderID с critical-алертом
	orderCacheTTL   = 24 * time.Hour
)

// OrderService хранилище заказов: PostgreSQL как источник истины,
// Redis как кэш доски (множества очередей по статусам + JSON заказов)
// Единственная точка записи статуса, мимо CAS-апдейта статус не меняется
type OrderService struct {
	db        *gorm.DB
	redisUtil *utils.RedisClient // может быть nil, тогда работаем только через PostgreSQL
}

// NewOrderService создает новый сервис заказов
func NewOrderService(db *gorm.DB, redisUtil *utils.RedisClient) *OrderService {
	return &OrderService{
		db:        db,
		redisUtil: redisUtil,
	}
}

// GetOrder получает заказ в пределах ресторана
// Сначала кэш, потом PostgreSQL; заархивированные заказы считаются отсутствующими
func (os *OrderService) GetOrder(ctx context.Context, restaurantID, orderID string) (*models.Order, error) {
	if order, ok := os.getOrderFromCache(restaurantID, orderID); ok {
		return order, nil
	}

	if os.db == nil {
		return nil, fmt.Errorf("database connection not available")
	}

	var order models.Order
	err := os.db.WithContext(ctx).
		Preload("Items").
		Where("id = ? AND restaurant_id = ? AND archived = false", orderID, restaurantID).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения заказа %s: %w", orderID, err)
	}

	os.cacheOrder(&order)
	return &order, nil
}

// ListActiveOrders возвращает все нетерминальные заказы ресторана,
// отсортированные по created_at, при равенстве по id
func (os *OrderService) ListActiveOrders(ctx context.Context, restaurantID string) ([]models.Order, error) {
	if orders, ok := os.listActiveFromCache(restaurantID); ok {
		return orders, nil
	}

	if os.db == nil {
		return nil, fmt.Errorf("database connection not available")
	}

	var orders []models.Order
	err := os.db.WithContext(ctx).
		Preload("Items").
		Where("restaurant_id = ? AND status IN ? AND archived = false", restaurantID, models.ActiveStatuses()).
		Order("created_at ASC, id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения активных заказов: %w", err)
	}

	// Перезаполняем кэш, чтобы следующий тик доски не ходил в БД
	os.primeBoardCache(restaurantID, orders)
	return orders, nil
}

// CreateOrder сохраняет новый заказ со статусом pending
// Позиции и строка аудита пишутся в одной транзакции
func (os *OrderService) CreateOrder(ctx context.Context, order *models.Order) error {
	if os.db == nil {
		return fmt.Errorf("database connection not available")
	}

	now := time.Now().UTC()
	order.Status = models.OrderStatusPending
	order.CreatedAt = now
	order.UpdatedAt = now
	order.StatusChangedAt = now
	if order.DisplayID == "" {
		order.DisplayID = models.DeriveDisplayID(order.ID)
	}

	err := os.withSerializableRetry(ctx, "create order", func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("ошибка сохранения заказа: %w", err)
		}
		event := models.OrderStatusEvent{
			OrderID:      order.ID,
			RestaurantID: order.RestaurantID,
			FromStatus:   models.OrderStatusPending,
			ToStatus:     models.OrderStatusPending,
			ChangedBy:    "intake",
			CreatedAt:    now,
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("ошибка записи события статуса: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	os.cacheOrder(order)
	os.addToQueueSet(order)
	return nil
}

// UpdateStatus переводит заказ в новый статус через compare-and-set
// Запись побеждает только если в хранилище все еще лежит expectedCurrent,
// иначе возвращается ConflictError с фактическим статусом
// Пустой expectedCurrent означает безусловное обновление (служебные операции)
func (os *OrderService) UpdateStatus(ctx context.Context, restaurantID, orderID string, newStatus, expectedCurrent models.OrderStatus, changedBy string) (*models.Order, error) {
	if os.db == nil {
		return nil, fmt.Errorf("database connection not available")
	}

	err := os.withSerializableRetry(ctx, "update status", func(tx *gorm.DB) error {
		query := `
			UPDATE orders
			SET status = ?, updated_at = NOW(), status_changed_at = NOW(),
				completed_at = CASE WHEN ? IN ('served', 'delivered') THEN NOW() ELSE completed_at END,
				cancelled_at = CASE WHEN ? = 'cancelled' THEN NOW() ELSE cancelled_at END
			WHERE id = ? AND restaurant_id = ? AND archived = false
		`
		args := []interface{}{string(newStatus), string(newStatus), string(newStatus), orderID, restaurantID}
		if expectedCurrent != "" {
			query += " AND status = ?"
			args = append(args, string(expectedCurrent))
		}

		res := tx.Exec(query, args...)
		if res.Error != nil {
			return fmt.Errorf("ошибка обновления статуса заказа: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			// CAS не прошел: либо заказа нет, либо статус уже другой
			var current models.Order
			err := tx.Select("status").
				Where("id = ? AND restaurant_id = ? AND archived = false", orderID, restaurantID).
				First(&current).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.ErrOrderNotFound
			}
			if err != nil {
				return fmt.Errorf("ошибка чтения статуса после неудачного CAS: %w", err)
			}
			return &models.ConflictError{
				OrderID:  orderID,
				Expected: expectedCurrent,
				Actual:   current.Status,
			}
		}

		event := models.OrderStatusEvent{
			OrderID:      orderID,
			RestaurantID: restaurantID,
			FromStatus:   expectedCurrent,
			ToStatus:     newStatus,
			ChangedBy:    changedBy,
			// Отмена уже готового заказа: еда была на выдаче
			WasteSuspected: expectedCurrent == models.OrderStatusReady && newStatus == models.OrderStatusCancelled,
			CreatedAt:      time.Now().UTC(),
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("ошибка записи события статуса: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Перечитываем заказ целиком и двигаем его между очередями кэша
	var order models.Order
	loadErr := os.db.WithContext(ctx).
		Preload("Items").
		Where("id = ? AND restaurant_id = ?", orderID, restaurantID).
		First(&order).Error
	if loadErr != nil {
		return nil, fmt.Errorf("статус обновлен, но перечитать заказ не удалось: %w", loadErr)
	}

	os.moveBetweenQueues(&order, expectedCurrent)
	return &order, nil
}

// withSerializableRetry выполняет fn в транзакции с SERIALIZABLE изоляцией
// и ретраит serialization failures с экспоненциальной паузой и джиттером
// Доменные ошибки (конфликт CAS, заказ не найден) не ретраятся
func (os *OrderService) withSerializableRetry(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	maxRetries := 5
	baseDelay := 10 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := os.db.WithContext(ctx).Transaction(fn, &sql.TxOptions{
			Isolation: sql.LevelSerializable,
		})
		if err == nil {
			if attempt > 0 {
				log.Printf("✅ %s: успешно после %d попыток", op, attempt+1)
			}
			return nil
		}

		if !isSerializationFailure(err) {
			return err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(rand.Intn(10)) * time.Millisecond
			totalDelay := delay + jitter
			log.Printf("⚠️ %s: serialization failure (попытка %d/%d), retry через %v",
				op, attempt+1, maxRetries, totalDelay)
			time.Sleep(totalDelay)
		}
	}

	return fmt.Errorf("serialization failure after %d attempts: %w", maxRetries, lastErr)
}

// isSerializationFailure проверяет, является ли ошибка serialization failure
func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}

	// PostgreSQL error codes:
	// 40001 - serialization_failure
	// 40P01 - deadlock_detected
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}

	// Fallback по тексту ошибки
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "serialization") ||
		strings.Contains(errMsg, "deadlock") ||
		strings.Contains(errMsg, "could not serialize")
}

// ArchiveOldOrders архивирует терминальные заказы старше olderThan
// Вызывается фоновым воркером, возвращает количество заархивированных
func (os *OrderService) ArchiveOldOrders(ctx context.Context, olderThan time.Duration) (int64, error) {
	if os.db == nil {
		return 0, fmt.Errorf("database connection not available")
	}

	startTime := time.Now()
	cutoff := time.Now().UTC().Add(-olderThan)
	terminal := []models.OrderStatus{models.OrderStatusServed, models.OrderStatusDelivered, models.OrderStatusCancelled}

	// Сначала собираем id, чтобы почистить кэш после апдейта
	var ids []string
	err := os.db.WithContext(ctx).Model(&models.Order{}).
		Where("status IN ? AND archived = false AND updated_at < ?", terminal, cutoff).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("ошибка выборки заказов для архива: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := os.db.WithContext(ctx).Model(&models.Order{}).
		Where("id IN ?", ids).
		Update("archived", true)
	if res.Error != nil {
		return 0, fmt.Errorf("ошибка архивирования заказов: %w", res.Error)
	}

	if os.redisUtil != nil {
		for _, id := range ids {
			os.redisUtil.Delete(orderKeyPrefix + id)
		}
	}

	log.Printf("🗄️ ArchiveOldOrders: заархивировано %d заказов за %v", res.RowsAffected, time.Since(startTime))
	return res.RowsAffected, nil
}

// ActiveRestaurantIDs рестораны, у которых сейчас есть активные заказы
// Нужен монитору срочности для обхода всех досок
func (os *OrderService) ActiveRestaurantIDs(ctx context.Context) ([]string, error) {
	if os.db == nil {
		return nil, fmt.Errorf("database connection not available")
	}

	var ids []string
	err := os.db.WithContext(ctx).Model(&models.Order{}).
		Where("status IN ? AND archived = false", models.ActiveStatuses()).
		Distinct().
		Pluck("restaurant_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки активных ресторанов: %w", err)
	}
	return ids, nil
}

// BootstrapBoardCache восстанавливает кэш доски из PostgreSQL
// Выполняется при старте сервера ПЕРЕД приемом трафика и Kafka consumer
func (os *OrderService) BootstrapBoardCache(ctx context.Context) error {
	if os.db == nil {
		return fmt.Errorf("database connection not available")
	}
	if os.redisUtil == nil {
		return fmt.Errorf("redis connection not available")
	}

	startTime := time.Now()
	log.Printf("🔄 BootstrapBoardCache: восстановление состояния доски из PostgreSQL...")

	var orders []models.Order
	err := os.db.WithContext(ctx).
		Preload("Items").
		Where("status IN ? AND archived = false", models.ActiveStatuses()).
		Order("created_at ASC, id ASC").
		Limit(10000).
		Find(&orders).Error
	if err != nil {
		return fmt.Errorf("ошибка запроса активных заказов: %w", err)
	}

	byRestaurant := map[string][]models.Order{}
	for _, order := range orders {
		byRestaurant[order.RestaurantID] = append(byRestaurant[order.RestaurantID], order)
	}

	restored := 0
	for restaurantID, restaurantOrders := range byRestaurant {
		os.primeBoardCache(restaurantID, restaurantOrders)
		restored += len(restaurantOrders)

		// Размеры очередей для лога старта
		for _, status := range models.ActiveStatuses() {
			count, err := os.redisUtil.SCard(fmt.Sprintf(queueKeyPattern, restaurantID, status))
			if err == nil && count > 0 {
				log.Printf("   📊 %s / %s: %d заказов", restaurantID, status, count)
			}
		}
	}

	duration := time.Since(startTime)
	log.Printf("✅ BootstrapBoardCache: восстановлено %d заказов в %d ресторанах за %v",
		restored, len(byRestaurant), duration)
	if duration > time.Second {
		log.Printf("⚠️ BootstrapBoardCache: восстановление заняло %.2f сек (цель: < 1 сек)", duration.Seconds())
	}

	return nil
}

// --- Кэш доски ---

func (os *OrderService) cacheOrder(order *models.Order) {
	if os.redisUtil == nil {
		return
	}
	if err := os.redisUtil.Set(orderKeyPrefix+order.ID, order, orderCacheTTL); err != nil {
		log.Printf("⚠️ Не удалось закэшировать заказ %s: %v", order.ID, err)
	}
}

func (os *OrderService) getOrderFromCache(restaurantID, orderID string) (*models.Order, bool) {
	if os.redisUtil == nil {
		return nil, false
	}
	var order models.Order
	if err := os.redisUtil.GetJSON(orderKeyPrefix+orderID, &order); err != nil {
		return nil, false
	}
	// Изоляция арендаторов: кэш общий, скоуп проверяем сами
	if order.RestaurantID != restaurantID || order.Archived {
		return nil, false
	}
	return &order, true
}

func (os *OrderService) addToQueueSet(order *models.Order) {
	if os.redisUtil == nil || !order.Status.IsActive() {
		return
	}
	key := fmt.Sprintf(queueKeyPattern, order.RestaurantID, order.Status)
	if err := os.redisUtil.SAdd(key, order.ID); err != nil {
		log.Printf("⚠️ Не удалось добавить заказ %s в очередь %s: %v", order.ID, order.Status, err)
	}
}

// moveBetweenQueues переносит заказ из очереди прежнего статуса в новую
// Терминальный заказ уходит с доски и из множества алертов
func (os *OrderService) moveBetweenQueues(order *models.Order, previous models.OrderStatus) {
	if os.redisUtil == nil {
		return
	}

	os.cacheOrder(order)

	if previous != "" && previous.IsActive() {
		oldKey := fmt.Sprintf(queueKeyPattern, order.RestaurantID, previous)
		os.redisUtil.SRem(oldKey, order.ID)
	}

	if order.Status.IsActive() {
		os.addToQueueSet(order)
		return
	}

	// Терминальный заказ выходит из дедупликации алертов срочности
	alertedKey := fmt.Sprintf(alertedKeyPattern, order.RestaurantID)
	for _, status := range models.ActiveStatuses() {
		os.redisUtil.SRem(alertedKey, AlertDedupMember(order.ID, status))
	}
}

// primeBoardCache атомарно перезаполняет очереди ресторана в кэше
func (os *OrderService) primeBoardCache(restaurantID string, orders []models.Order) {
	if os.redisUtil == nil {
		return
	}

	byStatus := map[models.OrderStatus][]interface{}{}
	for i := range orders {
		os.cacheOrder(&orders[i])
		byStatus[orders[i].Status] = append(byStatus[orders[i].Status], orders[i].ID)
	}

	for _, status := range models.ActiveStatuses() {
		key := fmt.Sprintf(queueKeyPattern, restaurantID, status)
		os.redisUtil.Delete(key)
		if members := byStatus[status]; len(members) > 0 {
			if err := os.redisUtil.SAdd(key, members...); err != nil {
				log.Printf("⚠️ primeBoardCache: ошибка заполнения очереди %s: %v", status, err)
			}
		}
	}
}

// listActiveFromCache собирает активные заказы из кэша
// Любая недостача приводит к false и походу в PostgreSQL
func (os *OrderService) listActiveFromCache(restaurantID string) ([]models.Order, bool) {
	if os.redisUtil == nil {
		return nil, false
	}

	var ids []string
	for _, status := range models.ActiveStatuses() {
		members, err := os.redisUtil.SMembers(fmt.Sprintf(queueKeyPattern, restaurantID, status))
		if err != nil {
			return nil, false
		}
		ids = append(ids, members...)
	}
	if len(ids) == 0 {
		// Пустой кэш неотличим от непрогретого, решает PostgreSQL
		return nil, false
	}

	// Батчевое чтение JSON заказов одним pipeline
	pipe := os.redisUtil.Pipeline()
	ctx := os.redisUtil.Context()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, orderKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, false
	}

	orders := make([]models.Order, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			// Протухший ключ при живом множестве: кэш неконсистентен
			log.Printf("⚠️ listActiveFromCache: заказ %s есть в очереди, но нет в кэше", ids[i])
			return nil, false
		}
		var order models.Order
		if err := json.Unmarshal([]byte(data), &order); err != nil {
			return nil, false
		}
		if order.RestaurantID != restaurantID {
			return nil, false
		}
		orders = append(orders, order)
	}

	return orders, true
}
