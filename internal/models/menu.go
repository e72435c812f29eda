package models

import (
	"sync"
	"time"

	"gorm.io/gorm"
)

// MenuItem позиция меню в БД
// Управление содержимым меню живет в отдельном сервисе платформы,
// здесь только снэпшот цен для приёма заказов
type MenuItem struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	RestaurantID string         `gorm:"type:uuid;index;not null" json:"restaurant_id"`
	Name         string         `gorm:"type:varchar(200);not null" json:"name"`
	Price        int            `gorm:"not null" json:"price"` // в копейках
	Category     string         `gorm:"type:varchar(100)" json:"category,omitempty"`
	IsActive     bool           `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

func (MenuItem) TableName() string {
	return "menu_items"
}

// Мьютекс защищает снэпшот меню от concurrent access
// Критично для Pub/Sub обновлений при работающем приёме заказов
var (
	menuMu       sync.RWMutex
	menuSnapshot = map[string]map[uint]MenuItem{} // restaurantID -> itemID -> item
)

// SetMenuSnapshot атомарно заменяет снэпшот меню ресторана
func SetMenuSnapshot(restaurantID string, items []MenuItem) {
	byID := make(map[uint]MenuItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	menuMu.Lock()
	defer menuMu.Unlock()
	menuSnapshot[restaurantID] = byID
}

// GetMenuItem безопасно получает позицию меню (с RLock)
func GetMenuItem(restaurantID string, itemID uint) (MenuItem, bool) {
	menuMu.RLock()
	defer menuMu.RUnlock()
	items, ok := menuSnapshot[restaurantID]
	if !ok {
		return MenuItem{}, false
	}
	item, ok := items[itemID]
	return item, ok
}

// MenuSnapshotSize количество позиций в снэпшоте ресторана
func MenuSnapshotSize(restaurantID string) int {
	menuMu.RLock()
	defer menuMu.RUnlock()
	return len(menuSnapshot[restaurantID])
}
