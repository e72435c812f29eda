package models

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Restaurant арендатор платформы, все чтения и записи заказов скоупятся по нему
type Restaurant struct {
	ID        string         `json:"id" gorm:"type:uuid;primaryKey"`
	Name      string         `json:"name" gorm:"type:varchar(255);not null"`
	Slug      string         `json:"slug" gorm:"type:varchar(100);uniqueIndex;not null"`
	Address   string         `json:"address" gorm:"type:text"`
	Phone     string         `json:"phone" gorm:"type:varchar(50)"`
	IsActive  bool           `json:"is_active" gorm:"default:true"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

func (Restaurant) TableName() string {
	return "restaurants"
}

// BeforeCreate генерирует UUID
func (r *Restaurant) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// StaffRole роль сотрудника на терминале
type StaffRole string

const (
	RoleKitchen StaffRole = "kitchen" // Повар: берет заказ в работу, отдает на выдачу
	RoleWaiter  StaffRole = "waiter"  // Официант: подает и закрывает заказ
	RoleAdmin   StaffRole = "admin"   // Админ: любые переходы
)

// Какие целевые статусы доступны роли
// Это гейт прав поверх машины состояний, а не ее часть:
// сам переход дополнительно проверяется валидатором
var roleTargets = map[StaffRole][]OrderStatus{
	RoleKitchen: {OrderStatusPreparing, OrderStatusReady, OrderStatusCancelled},
	RoleWaiter:  {OrderStatusServed, OrderStatusDelivered, OrderStatusCancelled},
	RoleAdmin: {
		OrderStatusPreparing, OrderStatusReady,
		OrderStatusServed, OrderStatusDelivered, OrderStatusCancelled,
	},
}

// MayRequest проверяет, может ли роль запросить целевой статус
func (r StaffRole) MayRequest(target OrderStatus) bool {
	targets, ok := roleTargets[r]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == target {
			return true
		}
	}
	return false
}

// Staff сотрудник кухни или зала, логинится на терминале по PIN
type Staff struct {
	ID           string         `json:"id" gorm:"type:uuid;primaryKey"`
	RestaurantID string         `json:"restaurant_id" gorm:"type:uuid;index;not null"`
	Name         string         `json:"name" gorm:"type:varchar(255);not null"`
	Login        string         `json:"login" gorm:"type:varchar(100);uniqueIndex;not null"`
	PINHash      string         `json:"-" gorm:"type:varchar(100);not null"` // bcrypt от PIN-кода
	Role         StaffRole      `json:"role" gorm:"type:varchar(20);not null;default:'kitchen'"`
	IsActive     bool           `json:"is_active" gorm:"default:true"`
	CreatedAt    time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt    gorm.DeletedAt `json:"-" gorm:"index"`
}

func (Staff) TableName() string {
	return "staff"
}

// BeforeCreate генерирует UUID
func (s *Staff) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// SetPIN хэширует и сохраняет PIN-код
func (s *Staff) SetPIN(pin string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.PINHash = string(hash)
	return nil
}

// CheckPIN сверяет PIN-код с хэшем
func (s *Staff) CheckPIN(pin string) bool {
	return bcrypt.CompareHashAndPassword([]byte(s.PINHash), []byte(pin)) == nil
}
