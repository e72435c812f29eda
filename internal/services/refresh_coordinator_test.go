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

// fakeQueueFetcher отдает синтетические срезы и записывает вызовы
type fakeQueueFetcher struct {
	mu    sync.Mutex
	calls []fetchCall
	fail  bool
}

type fetchCall struct {
	restaurantID string
	filters      []models.OrderStatus
	specs        map[models.OrderStatus]models.PageSpec
}

var errFetchDown = errors.New("store is down")

func (f *fakeQueueFetcher) ListQueues(ctx context.Context, restaurantID string, statusFilters []models.OrderStatus, pageSpecs map[models.OrderStatus]models.PageSpec) (map[models.OrderStatus]models.QueueView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, fetchCall{restaurantID: restaurantID, filters: statusFilters, specs: pageSpecs})
	if f.fail {
		return nil, errFetchDown
	}

	views := make(map[models.OrderStatus]models.QueueView, len(statusFilters))
	for _, status := range statusFilters {
		spec := pageSpecs[status].Normalize(10)
		views[status] = models.QueueView{
			Status:   status,
			Page:     spec.Page,
			PageSize: spec.PageSize,
		}
	}
	return views, nil
}

func (f *fakeQueueFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeQueueFetcher) lastCall() fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func waitUpdate(t *testing.T, session *BoardSession, timeout time.Duration) QueueUpdate {
	t.Helper()
	select {
	case update := <-session.Updates():
		return update
	case <-time.After(timeout):
		t.Fatal("не дождались среза очереди")
		return QueueUpdate{}
	}
}

func assertNoUpdate(t *testing.T, session *BoardSession, within time.Duration) {
	t.Helper()
	select {
	case update := <-session.Updates():
		t.Fatalf("неожиданный срез очереди %s", update.Status)
	case <-time.After(within):
	}
}

// Таймер очереди тикает сам, без пинков
func TestSessionPeriodicRefetch(t *testing.T) {
	fetcher := &fakeQueueFetcher{}
	rc := NewRefreshCoordinator(fetcher, nil, 20*time.Millisecond)
	defer rc.Stop()

	session := rc.OpenSession("rest-1", []models.OrderStatus{models.OrderStatusPending}, nil)
	defer session.Close()

	update := waitUpdate(t, session, time.Second)
	assert.Equal(t, models.OrderStatusPending, update.Status)
	assert.Equal(t, "rest-1", fetcher.lastCall().restaurantID)

	// Следующий тик приносит следующий срез
	waitUpdate(t, session, time.Second)

	ok, failed := rc.Stats()
	assert.GreaterOrEqual(t, ok, int64(2))
	assert.Zero(t, failed)
}

// KickAll будит все очереди сессии вне расписания
func TestKickAllRefetchesEveryQueue(t *testing.T) {
	fetcher := &fakeQueueFetcher{}
	// Интервал заведомо больше теста: без пинка срезов не будет
	rc := NewRefreshCoordinator(fetcher, nil, time.Hour)
	defer rc.Stop()

	session := rc.OpenSession("rest-1", models.ActiveStatuses(), nil)
	defer session.Close()

	rc.KickAll("rest-1")

	got := map[models.OrderStatus]bool{}
	for i := 0; i < len(models.ActiveStatuses()); i++ {
		update := waitUpdate(t, session, time.Second)
		got[update.Status] = true
	}

	for _, status := range models.ActiveStatuses() {
		assert.True(t, got[status], "очередь %s не переполучена после пинка", status)
	}
}

// Пинок одного ресторана не трогает доски другого
func TestKickAllScopedToRestaurant(t *testing.T) {
	fetcher := &fakeQueueFetcher{}
	rc := NewRefreshCoordinator(fetcher, nil, time.Hour)
	defer rc.Stop()

	other := rc.OpenSession("rest-2", []models.OrderStatus{models.OrderStatusPending}, nil)
	defer other.Close()

	rc.KickAll("rest-1")
	assertNoUpdate(t, other, 100*time.Millisecond)
}

// Листание одной очереди: немедленное переполучение с новой страницей,
// соседние очереди не трогаются
func TestSetPageSpecRefetchesOneQueue(t *testing.T) {
	fetcher := &fakeQueueFetcher{}
	rc := NewRefreshCoordinator(fetcher, nil, time.Hour)
	defer rc.Stop()

	session := rc.OpenSession("rest-1", models.ActiveStatuses(), nil)
	defer session.Close()

	session.SetPageSpec(models.OrderStatusPending, models.PageSpec{Page: 2, PageSize: 5})

	update := waitUpdate(t, session, time.Second)
	assert.Equal(t, models.OrderStatusPending, update.Status)
	assert.Equal(t, 2, update.View.Page)
	assert.Equal(t, 5, update.View.PageSize)

	// Одна очередь - одно переполучение
	assertNoUpdate(t, session, 100*time.Millisecond)
	assert.Equal(t, 1, fetcher.callCount())

	// Очередь вне фильтров сессии игнорируется
	session.SetPageSpec(models.OrderStatusServed, models.PageSpec{Page: 3})
	assertNoUpdate(t, session, 100*time.Millisecond)
}

// Закрытие сессии гасит таймеры и выписывает ее из координатора
func TestSessionCloseTearsDownTimers(t *testing.T) {
	fetcher := &fakeQueueFetcher{}
	rc := NewRefreshCoordinator(fetcher, nil, time.Hour)
	defer rc.Stop()

	session := rc.OpenSession("rest-1", []models.OrderStatus{models.OrderStatusPending}, nil)
	assert.Equal(t, 1, rc.SessionCount())

	session.Close()
	assert.Equal(t, 0, rc.SessionCount())

	// Пинок после закрытия не приносит срезов
	rc.KickAll("rest-1")
	assertNoUpdate(t, session, 100*time.Millisecond)

	// Повторное закрытие безопасно
	session.Close()
}

// Stop закрывает все открытые сессии
func TestCoordinatorStopClosesSessions(t *testing.T) {
	fetcher := &fakeQueueFetcher{}
	rc := NewRefreshCoordinator(fetcher, nil, time.Hour)

	rc.OpenSession("rest-1", []models.OrderStatus{models.OrderStatusPending}, nil)
	rc.OpenSession("rest-2", []models.OrderStatus{models.OrderStatusReady}, nil)
	require.Equal(t, 2, rc.SessionCount())

	rc.Stop()
	assert.Equal(t, 0, rc.SessionCount())
}

// Snapshot отдает полный срез всех очередей сессии одним вызовом
func TestSessionSnapshot(t *testing.T) {
	fetcher := &fakeQueueFetcher{}
	rc := NewRefreshCoordinator(fetcher, nil, time.Hour)
	defer rc.Stop()

	specs := map[models.OrderStatus]models.PageSpec{
		models.OrderStatusReady: {Page: 2, PageSize: 4},
	}
	session := rc.OpenSession("rest-1", models.ActiveStatuses(), specs)
	defer session.Close()

	views, err := session.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, 2, views[models.OrderStatusReady].Page)
	assert.Equal(t, 1, views[models.OrderStatusPending].Page)

	call := fetcher.lastCall()
	assert.Equal(t, "rest-1", call.restaurantID)
	assert.Len(t, call.filters, 3)
}

// Сбой переполучения считается и не роняет цикл очереди
func TestRefetchFailureCountedAndRecovered(t *testing.T) {
	fetcher := &fakeQueueFetcher{fail: true}
	rc := NewRefreshCoordinator(fetcher, nil, time.Hour)
	defer rc.Stop()

	session := rc.OpenSession("rest-1", []models.OrderStatus{models.OrderStatusPending}, nil)
	defer session.Close()

	rc.KickAll("rest-1")
	assertNoUpdate(t, session, 200*time.Millisecond)

	_, failed := rc.Stats()
	assert.GreaterOrEqual(t, failed, int64(1))

	// Хранилище ожило - следующий пинок приносит срез
	fetcher.mu.Lock()
	fetcher.fail = false
	fetcher.mu.Unlock()

	rc.KickAll("rest-1")
	update := waitUpdate(t, session, time.Second)
	assert.Equal(t, models.OrderStatusPending, update.Status)
}

// Сессии по умолчанию открываются на активные очереди
func TestOpenSessionDefaultFilters(t *testing.T) {
	fetcher := &fakeQueueFetcher{}
	rc := NewRefreshCoordinator(fetcher, nil, time.Hour)
	defer rc.Stop()

	session := rc.OpenSession("rest-1", nil, nil)
	defer session.Close()

	views, err := session.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, views, len(models.ActiveStatuses()))
}
