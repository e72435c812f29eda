package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kdsboard/server/internal/models"
)

// fakeOrderStore хранилище в памяти с настоящим CAS под мьютексом
// staleReads имитирует терминал, который видит устаревший статус:
// GetOrder отдает снимок, а CAS проверяет фактическое состояние
type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[string]*models.Order

	staleReads  bool
	staleStatus models.OrderStatus

	failGets    int // Сколько первых GetOrder падают временной ошибкой
	failUpdates int
	failLists   int

	getCalls    int
	updateCalls int
	listCalls   int
}

var errStoreDown = errors.New("connection refused")

func newFakeOrderStore(orders ...models.Order) *fakeOrderStore {
	store := &fakeOrderStore{orders: map[string]*models.Order{}}
	for i := range orders {
		o := orders[i]
		store.orders[o.ID] = &o
	}
	return store
}

func (f *fakeOrderStore) GetOrder(ctx context.Context, restaurantID, orderID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getCalls++
	if f.failGets > 0 {
		f.failGets--
		return nil, errStoreDown
	}

	order, ok := f.orders[orderID]
	if !ok || order.RestaurantID != restaurantID {
		return nil, models.ErrOrderNotFound
	}

	snapshot := *order
	if f.staleReads {
		snapshot.Status = f.staleStatus
	}
	return &snapshot, nil
}

func (f *fakeOrderStore) ListActiveOrders(ctx context.Context, restaurantID string) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if f.failLists > 0 {
		f.failLists--
		return nil, errStoreDown
	}

	var active []models.Order
	for _, order := range f.orders {
		if order.RestaurantID == restaurantID && order.Status.IsActive() {
			active = append(active, *order)
		}
	}
	return active, nil
}

func (f *fakeOrderStore) UpdateStatus(ctx context.Context, restaurantID, orderID string, newStatus, expectedCurrent models.OrderStatus, changedBy string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updateCalls++
	if f.failUpdates > 0 {
		f.failUpdates--
		return nil, errStoreDown
	}

	order, ok := f.orders[orderID]
	if !ok || order.RestaurantID != restaurantID {
		return nil, models.ErrOrderNotFound
	}

	if order.Status != expectedCurrent {
		return nil, &models.ConflictError{OrderID: orderID, Expected: expectedCurrent, Actual: order.Status}
	}

	now := time.Now().UTC()
	order.Status = newStatus
	order.UpdatedAt = now
	order.StatusChangedAt = now

	snapshot := *order
	return &snapshot, nil
}

func (f *fakeOrderStore) status(orderID string) models.OrderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[orderID].Status
}

// fakeKicker записывает пинки полного переполучения доски
type fakeKicker struct {
	mu    sync.Mutex
	kicks []string
}

func (f *fakeKicker) KickAll(restaurantID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicks = append(f.kicks, restaurantID)
}

func (f *fakeKicker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.kicks)
}

const testRestaurant = "rest-1"

var testOperator = Operator{ID: "staff-1", Name: "Иван", Role: models.RoleAdmin}

func pendingOrder(id string) models.Order {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.Order{
		ID:              id,
		DisplayID:       models.DeriveDisplayID(id),
		RestaurantID:    testRestaurant,
		TableNumber:     4,
		Status:          models.OrderStatusPending,
		CreatedAt:       created,
		UpdatedAt:       created,
		StatusChangedAt: created,
	}
}

func newTestLifecycle(store OrderStore, kicker RefreshKicker) *LifecycleService {
	return NewLifecycleService(store, kicker, nil, nil, 10)
}

func TestRequestStatusChangeSuccess(t *testing.T) {
	store := newFakeOrderStore(pendingOrder("order-1"))
	kicker := &fakeKicker{}
	ls := newTestLifecycle(store, kicker)

	updated, err := ls.RequestStatusChange(context.Background(), testRestaurant, "order-1", models.OrderStatusPreparing, testOperator)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPreparing, updated.Status)
	assert.Equal(t, models.OrderStatusPreparing, store.status("order-1"))
	assert.True(t, updated.StatusChangedAt.After(updated.CreatedAt))

	// Успешная мутация дергает полное переполучение доски
	assert.Equal(t, 1, kicker.count())
}

// Заказ ready, запрошен preparing: движение назад отклоняется,
// статус в хранилище не меняется
func TestRequestStatusChangeIllegalBackward(t *testing.T) {
	order := pendingOrder("order-1")
	order.Status = models.OrderStatusReady
	store := newFakeOrderStore(order)
	kicker := &fakeKicker{}
	ls := newTestLifecycle(store, kicker)

	_, err := ls.RequestStatusChange(context.Background(), testRestaurant, "order-1", models.OrderStatusPreparing, testOperator)

	var illegal *models.IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, models.OrderStatusReady, illegal.From)
	assert.Equal(t, models.OrderStatusPreparing, illegal.To)
	assert.Equal(t, models.OrderStatusReady, store.status("order-1"))
	assert.Zero(t, store.updateCalls, "до CAS дело не дошло")

	// Отказ тоже пинает доску: оператор должен увидеть фактическое состояние
	assert.Equal(t, 1, kicker.count())
}

func TestRequestStatusChangeOrderNotFound(t *testing.T) {
	store := newFakeOrderStore()
	kicker := &fakeKicker{}
	ls := newTestLifecycle(store, kicker)

	_, err := ls.RequestStatusChange(context.Background(), testRestaurant, "ghost", models.OrderStatusPreparing, testOperator)
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
	assert.Equal(t, 1, kicker.count(), "устаревшая ссылка заставляет доску перечитаться")
}

// Чужой ресторан не видит заказ: скоупинг по арендатору
func TestRequestStatusChangeWrongRestaurant(t *testing.T) {
	store := newFakeOrderStore(pendingOrder("order-1"))
	ls := newTestLifecycle(store, &fakeKicker{})

	_, err := ls.RequestStatusChange(context.Background(), "rest-other", "order-1", models.OrderStatusPreparing, testOperator)
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
	assert.Equal(t, models.OrderStatusPending, store.status("order-1"))
}

// Гейт прав срабатывает до хранилища
func TestRequestStatusChangeRoleGate(t *testing.T) {
	store := newFakeOrderStore(pendingOrder("order-1"))
	ls := newTestLifecycle(store, &fakeKicker{})

	waiter := Operator{ID: "staff-2", Name: "Оля", Role: models.RoleWaiter}
	_, err := ls.RequestStatusChange(context.Background(), testRestaurant, "order-1", models.OrderStatusPreparing, waiter)

	assert.ErrorIs(t, err, models.ErrRoleNotAllowed)
	assert.Zero(t, store.getCalls)
	assert.Zero(t, store.updateCalls)
}

// Проигранный конфликт ревалидируется против фактического статуса:
// терминал видел pending, но заказ уже отменен - получаем IllegalTransition
// со свежим from, а не с тем, что было на экране
func TestRequestStatusChangeConflictRevalidatedAsIllegal(t *testing.T) {
	order := pendingOrder("order-1")
	order.Status = models.OrderStatusCancelled
	store := newFakeOrderStore(order)
	store.staleReads = true
	store.staleStatus = models.OrderStatusPending

	kicker := &fakeKicker{}
	ls := newTestLifecycle(store, kicker)

	_, err := ls.RequestStatusChange(context.Background(), testRestaurant, "order-1", models.OrderStatusPreparing, testOperator)

	var illegal *models.IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, models.OrderStatusCancelled, illegal.From)
	assert.Equal(t, models.OrderStatusPreparing, illegal.To)
	assert.Equal(t, models.OrderStatusCancelled, store.status("order-1"))
	assert.Equal(t, 1, kicker.count())
}

// Конкурент сдвинул статус, но наш переход все еще легален:
// CAS повторяется от свежего ожидаемого статуса и проходит
func TestRequestStatusChangeConflictRetriesWhileLegal(t *testing.T) {
	order := pendingOrder("order-1")
	order.Status = models.OrderStatusPreparing
	store := newFakeOrderStore(order)
	store.staleReads = true
	store.staleStatus = models.OrderStatusPending // Терминал отстал на один переход

	ls := newTestLifecycle(store, &fakeKicker{})

	updated, err := ls.RequestStatusChange(context.Background(), testRestaurant, "order-1", models.OrderStatusCancelled, testOperator)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, updated.Status)
	assert.Equal(t, 2, store.updateCalls, "первый CAS проиграл, второй прошел")
}

// Временный сбой хранилища ретраится один раз внутри фасада
func TestRequestStatusChangeStorageRetryOnce(t *testing.T) {
	store := newFakeOrderStore(pendingOrder("order-1"))
	store.failGets = 1
	ls := newTestLifecycle(store, &fakeKicker{})

	updated, err := ls.RequestStatusChange(context.Background(), testRestaurant, "order-1", models.OrderStatusPreparing, testOperator)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPreparing, updated.Status)
	assert.Equal(t, 2, store.getCalls)
}

// Два сбоя подряд: наверх уходит типизированная StorageError
func TestRequestStatusChangeStorageErrorAfterRetry(t *testing.T) {
	store := newFakeOrderStore(pendingOrder("order-1"))
	store.failUpdates = 2
	ls := newTestLifecycle(store, &fakeKicker{})

	_, err := ls.RequestStatusChange(context.Background(), testRestaurant, "order-1", models.OrderStatusPreparing, testOperator)

	var storageErr *models.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, models.OrderStatusPending, store.status("order-1"))
}

// Два терминала одновременно жмут "готов" на одном заказе:
// ровно один успех, проигравший получает IllegalTransition -
// это и есть защита от слепого повтора
func TestRequestStatusChangeConcurrentSameTarget(t *testing.T) {
	order := pendingOrder("order-1")
	order.Status = models.OrderStatusPreparing
	store := newFakeOrderStore(order)
	ls := newTestLifecycle(store, &fakeKicker{})

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = ls.RequestStatusChange(context.Background(), testRestaurant, "order-1", models.OrderStatusReady, testOperator)
		}(i)
	}
	wg.Wait()

	successes := 0
	var illegal *models.IllegalTransitionError
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		require.ErrorAs(t, err, &illegal)
		assert.Equal(t, models.OrderStatusReady, illegal.From)
		assert.Equal(t, models.OrderStatusReady, illegal.To)
	}

	assert.Equal(t, 1, successes, "ровно один терминал побеждает")
	assert.Equal(t, models.OrderStatusReady, store.status("order-1"))
}

func TestListQueuesPartitionsActiveSet(t *testing.T) {
	preparing := pendingOrder("order-2")
	preparing.Status = models.OrderStatusPreparing
	done := pendingOrder("order-3")
	done.Status = models.OrderStatusDelivered

	store := newFakeOrderStore(pendingOrder("order-1"), preparing, done)
	ls := newTestLifecycle(store, &fakeKicker{})

	queues, err := ls.ListQueues(context.Background(), testRestaurant, nil, nil)
	require.NoError(t, err)
	require.Len(t, queues, 3)
	assert.Equal(t, 1, queues[models.OrderStatusPending].TotalCount)
	assert.Equal(t, 1, queues[models.OrderStatusPreparing].TotalCount)
	assert.Equal(t, 0, queues[models.OrderStatusReady].TotalCount, "терминальные заказы не попадают на доску")
}

func TestListQueuesStorageRetry(t *testing.T) {
	store := newFakeOrderStore(pendingOrder("order-1"))
	store.failLists = 1
	ls := newTestLifecycle(store, &fakeKicker{})

	queues, err := ls.ListQueues(context.Background(), testRestaurant, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, store.listCalls)
	assert.Equal(t, 1, queues[models.OrderStatusPending].TotalCount)

	store.failLists = 2
	_, err = ls.ListQueues(context.Background(), testRestaurant, nil, nil)
	var storageErr *models.StorageError
	assert.ErrorAs(t, err, &storageErr)
}
