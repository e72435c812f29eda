package models

import (
	"log"
	"strings"

	"gorm.io/gorm"
)

// AutoMigrateAll создает таблицы в БД
// Игнорирует ошибки constraint, так как таблицы могут быть уже созданы
// через SQL миграцию при деплое
func AutoMigrateAll(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Restaurant{},
		&Staff{},
		&MenuItem{},
		&Order{},
		&OrderItem{},
		&OrderStatusEvent{},
	)
	if err != nil {
		errStr := err.Error()
		// Игнорируем только ошибки constraint "does not exist" (не критично)
		if !(strings.Contains(errStr, "constraint") && strings.Contains(errStr, "does not exist") && strings.Contains(errStr, "SQLSTATE 42704")) {
			log.Printf("⚠️ AutoMigrate: %v", err)
			return err
		}
	}

	log.Println("✅ Таблицы заказов и персонала мигрированы")
	return nil
}
