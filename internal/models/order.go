package models

import (
	"regexp"
	"strings"
	"time"
)

// Order заказ одного стола, проходит жизненный цикл статусов
// Строки и суммы неизменяемы после создания, мутируется только статус
// (и только через OrderService, мимо валидатора записи нет)
type Order struct {
	ID           string `gorm:"type:uuid;primaryKey" json:"id"`
	DisplayID    string `gorm:"type:varchar(8);not null" json:"display_id"` // Последние 4 цифры UUID для кухни
	RestaurantID string `gorm:"type:uuid;index:idx_orders_restaurant_status,priority:1;not null" json:"restaurant_id"`

	TableNumber  int    `gorm:"not null" json:"table_number"`
	CustomerName string `gorm:"type:varchar(200)" json:"customer_name,omitempty"`
	Notes        string `gorm:"type:text" json:"notes,omitempty"`

	Items []OrderItem `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"items"`

	// Сумма в копейках, считается один раз при создании из цен меню
	TotalPrice int `gorm:"not null" json:"total_price"`

	Status OrderStatus `gorm:"type:varchar(20);index:idx_orders_restaurant_status,priority:2;not null" json:"status"`

	CreatedAt       time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"not null" json:"updated_at"`
	StatusChangedAt time.Time  `gorm:"not null" json:"status_changed_at"` // Момент последнего перехода статуса
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`

	// Терминальные заказы уезжают из активных выборок фоновым архиватором
	Archived bool `gorm:"default:false;index" json:"archived,omitempty"`
}

// OrderItem позиция заказа со снэпшотом названия и цены на момент создания
type OrderItem struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	OrderID    string `gorm:"type:uuid;index;not null" json:"-"`
	MenuItemID uint   `gorm:"not null" json:"menu_item_id"`
	Name       string `gorm:"type:varchar(200);not null" json:"name"`
	Quantity   int    `gorm:"not null" json:"quantity"`
	UnitPrice  int    `gorm:"not null" json:"unit_price"` // в копейках
	Notes      string `gorm:"type:varchar(500)" json:"notes,omitempty"`
}

func (Order) TableName() string {
	return "orders"
}

func (OrderItem) TableName() string {
	return "order_items"
}

var displayIDDigits = regexp.MustCompile(`\d+`)

// DeriveDisplayID извлекает из UUID короткий номер для выкрикивания на кухне
// Берутся последние 4 цифры
func DeriveDisplayID(id string) string {
	digits := displayIDDigits.FindAllString(id, -1)
	digitsOnly := strings.Join(digits, "")
	if len(digitsOnly) < 4 {
		digitsOnly = "0000" // Fallback если цифр мало
	}
	return digitsOnly[len(digitsOnly)-4:]
}

// ItemsCount суммарное количество позиций (для оценки загрузки кухни)
func (o *Order) ItemsCount() int {
	count := 0
	for _, item := range o.Items {
		count += item.Quantity
	}
	return count
}
