package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kdsboard/server/internal/models"
)

var partitionBase = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func makeOrder(id string, status models.OrderStatus, createdOffset time.Duration) models.Order {
	created := partitionBase.Add(createdOffset)
	return models.Order{
		ID:              id,
		Status:          status,
		CreatedAt:       created,
		StatusChangedAt: created,
	}
}

// Каждый активный заказ попадает ровно в одну очередь:
// объединение очередей равно активному набору без дублей и потерь
func TestPartitionQueuesDisjointness(t *testing.T) {
	var orders []models.Order
	statuses := models.ActiveStatuses()
	for i := 0; i < 30; i++ {
		orders = append(orders, makeOrder(
			fmt.Sprintf("order-%02d", i),
			statuses[i%len(statuses)],
			time.Duration(i)*time.Minute,
		))
	}

	// Размер страницы больше всего набора, чтобы окна не резали проверку
	specs := map[models.OrderStatus]models.PageSpec{}
	for _, s := range statuses {
		specs[s] = models.PageSpec{Page: 1, PageSize: 100}
	}

	queues := PartitionQueues(orders, nil, specs, 10, partitionBase.Add(time.Hour))

	seen := map[string]int{}
	total := 0
	for status, view := range queues {
		total += view.TotalCount
		for _, ov := range view.Orders {
			seen[ov.ID]++
			assert.Equal(t, status, ov.Status, "заказ %s лежит в чужой очереди", ov.ID)
		}
	}

	assert.Equal(t, len(orders), total)
	require.Len(t, seen, len(orders), "каждый заказ виден ровно один раз")
	for id, count := range seen {
		assert.Equal(t, 1, count, "заказ %s встретился %d раз", id, count)
	}
}

// Порядок в очереди: created_at по возрастанию, при равенстве по id
func TestPartitionQueuesFIFOOrdering(t *testing.T) {
	orders := []models.Order{
		makeOrder("c", models.OrderStatusPending, 5*time.Minute),
		makeOrder("b", models.OrderStatusPending, 2*time.Minute),
		makeOrder("z", models.OrderStatusPending, 2*time.Minute), // Тай-брейк по id
		makeOrder("a", models.OrderStatusPending, 2*time.Minute),
	}

	queues := PartitionQueues(orders, []models.OrderStatus{models.OrderStatusPending}, nil, 10, partitionBase.Add(time.Hour))

	view := queues[models.OrderStatusPending]
	require.Len(t, view.Orders, 4)

	var ids []string
	for _, ov := range view.Orders {
		ids = append(ids, ov.ID)
	}
	assert.Equal(t, []string{"a", "b", "z", "c"}, ids)
}

// 12 заказов pending, страница 2 размером 10 - два заказа, total_count 12
func TestPartitionQueuesSecondPage(t *testing.T) {
	var orders []models.Order
	for i := 0; i < 12; i++ {
		orders = append(orders, makeOrder(fmt.Sprintf("order-%02d", i), models.OrderStatusPending, time.Duration(i)*time.Minute))
	}

	specs := map[models.OrderStatus]models.PageSpec{
		models.OrderStatusPending: {Page: 2, PageSize: 10},
	}
	queues := PartitionQueues(orders, []models.OrderStatus{models.OrderStatusPending}, specs, 10, partitionBase.Add(time.Hour))

	view := queues[models.OrderStatusPending]
	assert.Equal(t, 12, view.TotalCount)
	assert.Equal(t, 2, view.Page)
	assert.False(t, view.HasMore)
	require.Len(t, view.Orders, 2)
	assert.Equal(t, "order-10", view.Orders[0].ID)
	assert.Equal(t, "order-11", view.Orders[1].ID)
}

// Постраничка очередей независима: страница одной не трогает соседние
func TestPartitionQueuesIndependentPagination(t *testing.T) {
	var orders []models.Order
	for i := 0; i < 15; i++ {
		orders = append(orders, makeOrder(fmt.Sprintf("p-%02d", i), models.OrderStatusPending, time.Duration(i)*time.Minute))
	}
	for i := 0; i < 4; i++ {
		orders = append(orders, makeOrder(fmt.Sprintf("r-%02d", i), models.OrderStatusReady, time.Duration(i)*time.Minute))
	}

	specs := map[models.OrderStatus]models.PageSpec{
		models.OrderStatusPending: {Page: 2, PageSize: 10},
		// ready без спецификации: страница 1 и размер по умолчанию
	}
	queues := PartitionQueues(orders, nil, specs, 10, partitionBase.Add(time.Hour))

	pending := queues[models.OrderStatusPending]
	assert.Equal(t, 2, pending.Page)
	assert.Len(t, pending.Orders, 5)
	assert.Equal(t, 15, pending.TotalCount)

	ready := queues[models.OrderStatusReady]
	assert.Equal(t, 1, ready.Page)
	assert.Equal(t, 10, ready.PageSize)
	assert.Len(t, ready.Orders, 4)
	assert.Equal(t, 4, ready.TotalCount)

	// Очередь без заказов тоже присутствует, просто пустая
	preparing := queues[models.OrderStatusPreparing]
	assert.Equal(t, 0, preparing.TotalCount)
	assert.Empty(t, preparing.Orders)
}

// Страница за пределами диапазона: пустой срез, но честный total_count
func TestPartitionQueuesOutOfRangePage(t *testing.T) {
	orders := []models.Order{
		makeOrder("only", models.OrderStatusPending, 0),
	}

	specs := map[models.OrderStatus]models.PageSpec{
		models.OrderStatusPending: {Page: 7, PageSize: 10},
	}
	queues := PartitionQueues(orders, []models.OrderStatus{models.OrderStatusPending}, specs, 10, partitionBase.Add(time.Hour))

	view := queues[models.OrderStatusPending]
	assert.Empty(t, view.Orders)
	assert.Equal(t, 1, view.TotalCount)
	assert.Equal(t, 7, view.Page)
	assert.False(t, view.HasMore)
}

func TestPartitionQueuesHasMore(t *testing.T) {
	var orders []models.Order
	for i := 0; i < 11; i++ {
		orders = append(orders, makeOrder(fmt.Sprintf("o-%02d", i), models.OrderStatusPending, time.Duration(i)*time.Minute))
	}

	queues := PartitionQueues(orders, []models.OrderStatus{models.OrderStatusPending}, nil, 10, partitionBase.Add(time.Hour))
	assert.True(t, queues[models.OrderStatusPending].HasMore)
}

// После перехода preparing -> ready заказ уходит из старой очереди
// и появляется в новой на следующем же пересчете
func TestPartitionQueuesReflectsTransition(t *testing.T) {
	order := makeOrder("moving", models.OrderStatusPreparing, 0)
	others := []models.Order{
		makeOrder("staying", models.OrderStatusPreparing, time.Minute),
	}

	before := PartitionQueues(append(others, order), nil, nil, 10, partitionBase.Add(time.Hour))
	assert.Equal(t, 2, before[models.OrderStatusPreparing].TotalCount)
	assert.Equal(t, 0, before[models.OrderStatusReady].TotalCount)

	order.Status = models.OrderStatusReady
	order.StatusChangedAt = partitionBase.Add(30 * time.Minute)

	after := PartitionQueues(append(others, order), nil, nil, 10, partitionBase.Add(time.Hour))
	assert.Equal(t, 1, after[models.OrderStatusPreparing].TotalCount)
	require.Equal(t, 1, after[models.OrderStatusReady].TotalCount)
	assert.Equal(t, "moving", after[models.OrderStatusReady].Orders[0].ID)
	assert.Equal(t, "staying", after[models.OrderStatusPreparing].Orders[0].ID)
}

// Терминальные заказы не попадают в очереди по умолчанию
func TestPartitionQueuesIgnoresUnrequestedStatuses(t *testing.T) {
	orders := []models.Order{
		makeOrder("active", models.OrderStatusPending, 0),
		makeOrder("done", models.OrderStatusDelivered, time.Minute),
		makeOrder("gone", models.OrderStatusCancelled, 2*time.Minute),
	}

	queues := PartitionQueues(orders, nil, nil, 10, partitionBase.Add(time.Hour))
	require.Len(t, queues, 3, "только активные очереди")
	assert.Equal(t, 1, queues[models.OrderStatusPending].TotalCount)
	assert.Equal(t, 0, queues[models.OrderStatusPreparing].TotalCount)
	assert.Equal(t, 0, queues[models.OrderStatusReady].TotalCount)
}

// Срочность в срезе вычисляется на момент now, переданный партиционеру
func TestPartitionQueuesComputesUrgency(t *testing.T) {
	orders := []models.Order{
		makeOrder("old", models.OrderStatusPending, 0),
		makeOrder("fresh", models.OrderStatusPending, 15*time.Minute),
	}

	now := partitionBase.Add(16 * time.Minute)
	queues := PartitionQueues(orders, []models.OrderStatus{models.OrderStatusPending}, nil, 10, now)

	view := queues[models.OrderStatusPending]
	require.Len(t, view.Orders, 2)
	assert.Equal(t, models.UrgencyCritical, view.Orders[0].Urgency)
	assert.Equal(t, int64((16 * time.Minute).Seconds()), view.Orders[0].ElapsedSeconds)
	assert.Equal(t, models.UrgencyNormal, view.Orders[1].Urgency)
}
