package services

import (
	"context"
	"errors"
	"log"
	"time"

	"kdsboard/server/internal/models"
	"kdsboard/server/internal/utils"
)

// OrderStore контракт хранилища заказов, который потребляет фасад
// Реализуется OrderService, в тестах подменяется фейком
type OrderStore interface {
	GetOrder(ctx context.Context, restaurantID, orderID string) (*models.Order, error)
	ListActiveOrders(ctx context.Context, restaurantID string) ([]models.Order, error)
	UpdateStatus(ctx context.Context, restaurantID, orderID string, newStatus, expectedCurrent models.OrderStatus, changedBy string) (*models.Order, error)
}

// RefreshKicker принимает сигнал немедленного переполучения всей доски
type RefreshKicker interface {
	KickAll(restaurantID string)
}

// Operator идентичность оператора терминала для аудита и гейта прав
type Operator struct {
	ID   string
	Name string
	Role models.StaffRole
}

// Пауза перед единственным повтором при сбое хранилища
const storageRetryDelay = 200 * time.Millisecond

// Сколько раз перепроверяем и повторяем CAS при конкурентной записи
const maxConflictRounds = 3

// LifecycleService фасад жизненного цикла заказа
// Единственная точка, переводящая сбои коллабораторов в типизированные
// ошибки таксономии: OrderNotFound, IllegalTransition, Conflict, Storage
type LifecycleService struct {
	store           OrderStore
	kicker          RefreshKicker      // может быть nil
	redisUtil       *utils.RedisClient // может быть nil, тогда уведомления публикуются напрямую
	notifier        *NotifierService   // может быть nil
	defaultPageSize int
}

// NewLifecycleService создает фасад жизненного цикла
func NewLifecycleService(store OrderStore, kicker RefreshKicker, redisUtil *utils.RedisClient, notifier *NotifierService, defaultPageSize int) *LifecycleService {
	if defaultPageSize < 1 {
		defaultPageSize = 10
	}
	return &LifecycleService{
		store:           store,
		kicker:          kicker,
		redisUtil:       redisUtil,
		notifier:        notifier,
		defaultPageSize: defaultPageSize,
	}
}

// SetKicker подвязывает координатор обновления досок
// Фасад и координатор ссылаются друг на друга, цикл разрывается сеттером
func (ls *LifecycleService) SetKicker(kicker RefreshKicker) {
	ls.kicker = kicker
}

// RequestStatusChange проводит заказ через переход статуса:
// загрузка, валидация против СОХРАНЕННОГО статуса, CAS-запись,
// пинок полного переполучения доски, типизированный результат
//
// Проигравший конкурентную запись терминал получает IllegalTransition,
// пересчитанный от свежего статуса из хранилища, а не от того,
// который терминал видел у себя на экране
func (ls *LifecycleService) RequestStatusChange(ctx context.Context, restaurantID, orderID string, target models.OrderStatus, operator Operator) (*models.Order, error) {
	if operator.Role != "" && !operator.Role.MayRequest(target) {
		return nil, models.ErrRoleNotAllowed
	}

	var order *models.Order
	err := ls.withStorageRetry(ctx, "load order", func() error {
		var loadErr error
		order, loadErr = ls.store.GetOrder(ctx, restaurantID, orderID)
		return loadErr
	})
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			// Устаревшая ссылка: доску нужно перечитать, чтобы заказ пропал с экрана
			ls.kickRefresh(restaurantID)
		}
		return nil, err
	}

	if vErr := models.ValidateTransition(order.Status, target); vErr != nil {
		ls.kickRefresh(restaurantID)
		return nil, vErr
	}

	updated, err := ls.commitTransition(ctx, restaurantID, orderID, target, order.Status, operator)
	if err != nil {
		var illegal *models.IllegalTransitionError
		var conflict *models.ConflictError
		if errors.As(err, &illegal) || errors.As(err, &conflict) || errors.Is(err, models.ErrOrderNotFound) {
			ls.kickRefresh(restaurantID)
		}
		return nil, err
	}

	ls.kickRefresh(restaurantID)
	ls.queueStatusNotice(ctx, updated, order.Status, operator)
	return updated, nil
}

// commitTransition выполняет CAS-запись с перепроверкой при конфликтах
// Каждый конфликт ревалидируется против фактического статуса из хранилища:
// переход стал недопустим - отдаем IllegalTransition со свежим from,
// все еще допустим - повторяем CAS от нового ожидаемого статуса
func (ls *LifecycleService) commitTransition(ctx context.Context, restaurantID, orderID string, target, expected models.OrderStatus, operator Operator) (*models.Order, error) {
	changedBy := operator.Name
	if changedBy == "" {
		changedBy = operator.ID
	}

	for round := 0; round < maxConflictRounds; round++ {
		var updated *models.Order
		err := ls.withStorageRetry(ctx, "update status", func() error {
			var updErr error
			updated, updErr = ls.store.UpdateStatus(ctx, restaurantID, orderID, target, expected, changedBy)
			return updErr
		})
		if err == nil {
			return updated, nil
		}

		var conflict *models.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}

		if vErr := models.ValidateTransition(conflict.Actual, target); vErr != nil {
			return nil, vErr
		}

		// Конкурент успел сдвинуть статус, но наш переход все еще легален
		log.Printf("🔄 Конфликт CAS по заказу %s: ожидали %s, актуально %s, повторяем",
			orderID, expected, conflict.Actual)
		expected = conflict.Actual
	}

	return nil, &models.ConflictError{OrderID: orderID, Expected: expected, Actual: expected}
}

// ListQueues собирает текущий срез доски: активные заказы из хранилища,
// разбитые на независимо пагинированные очереди с вычисленной срочностью
func (ls *LifecycleService) ListQueues(ctx context.Context, restaurantID string, statusFilters []models.OrderStatus, pageSpecs map[models.OrderStatus]models.PageSpec) (map[models.OrderStatus]models.QueueView, error) {
	var orders []models.Order
	err := ls.withStorageRetry(ctx, "list active orders", func() error {
		var listErr error
		orders, listErr = ls.store.ListActiveOrders(ctx, restaurantID)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	return PartitionQueues(orders, statusFilters, pageSpecs, ls.defaultPageSize, time.Now().UTC()), nil
}

// DefaultPageSize размер страницы очереди по умолчанию
func (ls *LifecycleService) DefaultPageSize() int {
	return ls.defaultPageSize
}

// withStorageRetry один повтор с паузой для временных сбоев хранилища
// Доменные ошибки отдаются сразу, по истечении контекста повтора нет:
// идемпотентность перехода не подтверждена, слепой повтор опасен
func (ls *LifecycleService) withStorageRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || isLifecycleDomainError(err) {
		return err
	}
	if ctx.Err() != nil {
		return &models.StorageError{Op: op, Err: err}
	}

	log.Printf("⚠️ %s: сбой хранилища, повтор через %v: %v", op, storageRetryDelay, err)
	time.Sleep(storageRetryDelay)

	err = fn()
	if err == nil || isLifecycleDomainError(err) {
		return err
	}
	return &models.StorageError{Op: op, Err: err}
}

// isLifecycleDomainError ошибки таксономии, которые нельзя ретраить
func isLifecycleDomainError(err error) bool {
	var illegal *models.IllegalTransitionError
	var conflict *models.ConflictError
	return errors.Is(err, models.ErrOrderNotFound) ||
		errors.Is(err, models.ErrRoleNotAllowed) ||
		errors.As(err, &illegal) ||
		errors.As(err, &conflict)
}

func (ls *LifecycleService) kickRefresh(restaurantID string) {
	if ls.kicker != nil {
		ls.kicker.KickAll(restaurantID)
	}
}

// queueStatusNotice ставит уведомление о переходе в очередь воркеров
// Без Redis публикуем напрямую, чтобы уведомление не потерялось
func (ls *LifecycleService) queueStatusNotice(ctx context.Context, order *models.Order, oldStatus models.OrderStatus, operator Operator) {
	changedBy := operator.Name
	if changedBy == "" {
		changedBy = operator.ID
	}

	notice := StatusChangeNotice{
		OrderID:        order.ID,
		DisplayID:      order.DisplayID,
		RestaurantID:   order.RestaurantID,
		OldStatus:      oldStatus,
		NewStatus:      order.Status,
		ChangedBy:      changedBy,
		WasteSuspected: oldStatus == models.OrderStatusReady && order.Status == models.OrderStatusCancelled,
		Timestamp:      time.Now().UTC(),
	}

	job := NotificationJob{
		Kind:         "status_change",
		StatusChange: &notice,
		EnqueuedAt:   time.Now().UTC(),
	}

	if ls.redisUtil != nil {
		err := ls.redisUtil.LPush(NotifyQueueKey, job)
		if err == nil {
			return
		}
		log.Printf("⚠️ Очередь уведомлений недоступна, публикуем напрямую: %v", err)
	}

	if err := ls.notifier.PublishStatusChange(ctx, notice); err != nil {
		log.Printf("⚠️ Не удалось опубликовать уведомление по заказу %s: %v", order.ID, err)
	}
}
