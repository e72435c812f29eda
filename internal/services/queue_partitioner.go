package services

import (
	"sort"
	"time"

	"kdsboard/server/internal/models"
)

// PartitionQueues разбивает активные заказы на очереди по статусам
// Каждая очередь пагинируется независимо: своя страница, свой total_count,
// листание одной очереди не трогает соседние колонки дисплея
//
// Порядок внутри очереди: created_at по возрастанию (старые готовятся первыми),
// при равенстве по id для детерминизма
//
// Укоротившаяся из-за ушедшего заказа страница не добивается следующими
// заказами до полного переполучения: допустимая свежесть ограничена
// интервалом обновления доски
func PartitionQueues(orders []models.Order, statusFilters []models.OrderStatus, pageSpecs map[models.OrderStatus]models.PageSpec, defaultPageSize int, now time.Time) map[models.OrderStatus]models.QueueView {
	if len(statusFilters) == 0 {
		statusFilters = models.ActiveStatuses()
	}

	byStatus := make(map[models.OrderStatus][]models.Order, len(statusFilters))
	wanted := make(map[models.OrderStatus]bool, len(statusFilters))
	for _, status := range statusFilters {
		wanted[status] = true
		byStatus[status] = nil
	}

	for _, order := range orders {
		if wanted[order.Status] {
			byStatus[order.Status] = append(byStatus[order.Status], order)
		}
	}

	result := make(map[models.OrderStatus]models.QueueView, len(statusFilters))
	for _, status := range statusFilters {
		queue := byStatus[status]
		sort.Slice(queue, func(i, j int) bool {
			if queue[i].CreatedAt.Equal(queue[j].CreatedAt) {
				return queue[i].ID < queue[j].ID
			}
			return queue[i].CreatedAt.Before(queue[j].CreatedAt)
		})

		spec := pageSpecs[status].Normalize(defaultPageSize)
		result[status] = paginateQueue(status, queue, spec, now)
	}

	return result
}

// paginateQueue вырезает запрошенную страницу очереди
// Страница за пределами диапазона дает пустой срез с честным total_count
func paginateQueue(status models.OrderStatus, queue []models.Order, spec models.PageSpec, now time.Time) models.QueueView {
	total := len(queue)
	start := (spec.Page - 1) * spec.PageSize
	end := start + spec.PageSize

	var pageOrders []models.Order
	if start < total {
		if end > total {
			end = total
		}
		pageOrders = queue[start:end]
	}

	views := make([]models.OrderView, 0, len(pageOrders))
	for _, order := range pageOrders {
		views = append(views, models.NewOrderView(order, now))
	}

	return models.QueueView{
		Status:     status,
		Orders:     views,
		TotalCount: total,
		Page:       spec.Page,
		PageSize:   spec.PageSize,
		HasMore:    end < total,
	}
}
