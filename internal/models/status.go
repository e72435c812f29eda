package models

// OrderStatus статус заказа в жизненном цикле кухни
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"   // Принят, ждет кухню
	OrderStatusPreparing OrderStatus = "preparing" // Готовится
	OrderStatusReady     OrderStatus = "ready"     // Готов к выдаче
	OrderStatusServed    OrderStatus = "served"    // Подан в зале
	OrderStatusDelivered OrderStatus = "delivered" // Доставлен
	OrderStatusCancelled OrderStatus = "cancelled" // Отменен
)

// Машина состояний заказа:
//
//	pending   -> preparing, cancelled
//	preparing -> ready, cancelled
//	ready     -> served, delivered, cancelled
//	served    -> (терминальный)
//	delivered -> (терминальный)
//	cancelled -> (терминальный)
//
// Движение вперед строго линейное: нельзя перескочить preparing и нельзя
// вернуться назад (ready -> pending запрещен, иначе ломается расчет
// срочности и статистика). Отмена доступна из любого нетерминального статуса.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusPreparing, OrderStatusCancelled},
	OrderStatusPreparing: {OrderStatusReady, OrderStatusCancelled},
	OrderStatusReady:     {OrderStatusServed, OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusServed:    {},
	OrderStatusDelivered: {},
	OrderStatusCancelled: {},
}

// ValidateTransition проверяет допустимость перехода из current в requested
// Чистая функция без I/O, возвращает nil или *IllegalTransitionError
func ValidateTransition(current, requested OrderStatus) error {
	allowed, ok := allowedTransitions[current]
	if !ok {
		return &IllegalTransitionError{From: current, To: requested}
	}
	for _, s := range allowed {
		if s == requested {
			return nil
		}
	}
	return &IllegalTransitionError{From: current, To: requested}
}

// IsValid проверяет, что статус входит в известный набор
func (s OrderStatus) IsValid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal сообщает, что из статуса больше нет переходов
func (s OrderStatus) IsTerminal() bool {
	allowed, ok := allowedTransitions[s]
	return ok && len(allowed) == 0
}

// IsActive сообщает, что заказ еще виден на кухонной доске
func (s OrderStatus) IsActive() bool {
	return s.IsValid() && !s.IsTerminal()
}

// ParseOrderStatus парсит строку статуса из внешнего запроса
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	s := OrderStatus(raw)
	return s, s.IsValid()
}

// AllStatuses возвращает все известные статусы
func AllStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusPreparing,
		OrderStatusReady,
		OrderStatusServed,
		OrderStatusDelivered,
		OrderStatusCancelled,
	}
}

// ActiveStatuses возвращает статусы очередей кухонной доски
// Порядок соответствует колонкам на дисплее
func ActiveStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusPreparing,
		OrderStatusReady,
	}
}
