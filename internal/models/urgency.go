package models

import "time"

// UrgencyTier уровень срочности заказа для подсветки на дисплее
// и операционных алертов
type UrgencyTier string

const (
	UrgencyNormal       UrgencyTier = "normal"
	UrgencyWarning      UrgencyTier = "warning"
	UrgencyCritical     UrgencyTier = "critical"
	UrgencyInapplicable UrgencyTier = "inapplicable" // Терминальные статусы не классифицируются
)

// Пороги срочности по статусам
// Готовый заказ деградирует до critical быстро и без warning:
// еда на выдаче остывает
const (
	pendingWarningAfter    = 10 * time.Minute
	pendingCriticalAfter   = 15 * time.Minute
	preparingWarningAfter  = 10 * time.Minute
	preparingCriticalAfter = 30 * time.Minute
	readyCriticalAfter     = 10 * time.Minute
)

// ClassifyUrgency отображает (статус, прошедшее время) в уровень срочности
// Чистая функция, пересчитывается на каждом тике обновления доски
// и никогда не кэшируется дольше одного тика
func ClassifyUrgency(status OrderStatus, elapsed time.Duration) UrgencyTier {
	switch status {
	case OrderStatusPending:
		if elapsed > pendingCriticalAfter {
			return UrgencyCritical
		}
		if elapsed > pendingWarningAfter {
			return UrgencyWarning
		}
		return UrgencyNormal
	case OrderStatusPreparing:
		if elapsed > preparingCriticalAfter {
			return UrgencyCritical
		}
		if elapsed > preparingWarningAfter {
			return UrgencyWarning
		}
		return UrgencyNormal
	case OrderStatusReady:
		if elapsed > readyCriticalAfter {
			return UrgencyCritical
		}
		return UrgencyNormal
	default:
		return UrgencyInapplicable
	}
}

// UrgencyOrigin точка отсчета прошедшего времени для срочности:
// created_at пока заказ pending, далее момент последнего перехода
func (o *Order) UrgencyOrigin() time.Time {
	if o.Status == OrderStatusPending {
		return o.CreatedAt
	}
	if o.StatusChangedAt.IsZero() {
		return o.CreatedAt
	}
	return o.StatusChangedAt
}

// ElapsedInStatus сколько заказ провел в текущем статусе к моменту now
func (o *Order) ElapsedInStatus(now time.Time) time.Duration {
	elapsed := now.Sub(o.UrgencyOrigin())
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// UrgencyAt уровень срочности заказа на момент now
func (o *Order) UrgencyAt(now time.Time) UrgencyTier {
	return ClassifyUrgency(o.Status, o.ElapsedInStatus(now))
}
