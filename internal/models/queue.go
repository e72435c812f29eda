package models

import "time"

// PageSpec запрошенная страница одной очереди
// Нумерация страниц с единицы
type PageSpec struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Normalize приводит спецификацию к валидному виду
func (p PageSpec) Normalize(defaultPageSize int) PageSpec {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = defaultPageSize
	}
	return p
}

// OrderView заказ в том виде, в котором он лежит в очереди на дисплее:
// сам заказ плюс вычисленная срочность на момент формирования среза
type OrderView struct {
	Order
	Urgency        UrgencyTier `json:"urgency"`
	ElapsedSeconds int64       `json:"elapsed_seconds"`
}

// QueueView срез одной очереди статуса: страница заказов и счетчики
// Никогда не персистится, пересчитывается на каждом обновлении доски
type QueueView struct {
	Status     OrderStatus `json:"status"`
	Orders     []OrderView `json:"orders"`
	TotalCount int         `json:"total_count"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	HasMore    bool        `json:"has_more"`
}

// NewOrderView собирает отображение заказа с срочностью на момент now
func NewOrderView(order Order, now time.Time) OrderView {
	return OrderView{
		Order:          order,
		Urgency:        order.UrgencyAt(now),
		ElapsedSeconds: int64(order.ElapsedInStatus(now).Seconds()),
	}
}
