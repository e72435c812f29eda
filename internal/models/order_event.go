package models

import "time"

// OrderStatusEvent строка аудита перехода статуса
// Пишется в той же транзакции, что и сам переход
type OrderStatusEvent struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	OrderID      string      `gorm:"type:uuid;index;not null" json:"order_id"`
	RestaurantID string      `gorm:"type:uuid;index;not null" json:"restaurant_id"`
	FromStatus   OrderStatus `gorm:"type:varchar(20);not null" json:"from_status"`
	ToStatus     OrderStatus `gorm:"type:varchar(20);not null" json:"to_status"`
	ChangedBy    string      `gorm:"type:varchar(100)" json:"changed_by"` // Оператор терминала или система
	// Отмена уже готового заказа: еда была на выдаче, вероятно списание
	WasteSuspected bool      `gorm:"default:false" json:"waste_suspected,omitempty"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
}

func (OrderStatusEvent) TableName() string {
	return "order_status_events"
}
