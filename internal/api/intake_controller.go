package api

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"kdsboard/server/internal/models"
	"kdsboard/server/internal/services"
	"kdsboard/server/internal/utils"
)

// IntakeOrderPayload заказ из внешнего канала приема
// Одна и та же форма приходит по HTTP и из Kafka
type IntakeOrderPayload struct {
	OrderID      string            `json:"order_id,omitempty"` // внешний ID для дедупликации, иначе генерируем
	RestaurantID string            `json:"restaurant_id" binding:"required"`
	TableNumber  int               `json:"table_number" binding:"required"`
	CustomerName string            `json:"customer_name,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	Items        []IntakeItemEntry `json:"items" binding:"required,min=1,dive"`
}

// IntakeItemEntry позиция заказа из канала приема
type IntakeItemEntry struct {
	MenuItemID uint   `json:"menu_item_id" binding:"required"`
	Quantity   int    `json:"quantity" binding:"required,min=1"`
	Notes      string `json:"notes,omitempty"`
}

// buildIntakeOrder валидирует позиции по снэпшоту меню и собирает заказ
// Цены и названия фиксируются из снэпшота на момент приема
func buildIntakeOrder(payload IntakeOrderPayload) (*models.Order, error) {
	if models.MenuSnapshotSize(payload.RestaurantID) == 0 {
		return nil, fmt.Errorf("меню ресторана %s не загружено", payload.RestaurantID)
	}

	totalPrice := 0
	items := make([]models.OrderItem, 0, len(payload.Items))
	for _, entry := range payload.Items {
		menuItem, exists := models.GetMenuItem(payload.RestaurantID, entry.MenuItemID)
		if !exists {
			return nil, fmt.Errorf("позиция меню %d не найдена", entry.MenuItemID)
		}
		totalPrice += menuItem.Price * entry.Quantity
		items = append(items, models.OrderItem{
			MenuItemID: entry.MenuItemID,
			Name:       menuItem.Name,
			Quantity:   entry.Quantity,
			UnitPrice:  menuItem.Price,
			Notes:      entry.Notes,
		})
	}

	orderID := payload.OrderID
	if orderID == "" {
		orderID = uuid.New().String()
	}

	return &models.Order{
		ID:           orderID,
		DisplayID:    models.DeriveDisplayID(orderID),
		RestaurantID: payload.RestaurantID,
		TableNumber:  payload.TableNumber,
		CustomerName: payload.CustomerName,
		Notes:        payload.Notes,
		Items:        items,
		TotalPrice:   totalPrice,
	}, nil
}

// IntakeController прием новых заказов по HTTP
type IntakeController struct {
	store     *services.OrderService
	kicker    services.RefreshKicker // может быть nil
	redisUtil *utils.RedisClient     // может быть nil
}

// NewIntakeController создает контроллер приема заказов
func NewIntakeController(store *services.OrderService, kicker services.RefreshKicker, redisUtil *utils.RedisClient) *IntakeController {
	return &IntakeController{
		store:     store,
		kicker:    kicker,
		redisUtil: redisUtil,
	}
}

// CreateOrder принимает новый заказ
// POST /api/v1/orders
func (ic *IntakeController) CreateOrder(c *gin.Context) {
	var payload IntakeOrderPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Некорректный заказ",
			"details": err.Error(),
		})
		return
	}

	order, err := buildIntakeOrder(payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": err.Error(),
		})
		return
	}

	if err := ic.store.CreateOrder(c.Request.Context(), order); err != nil {
		log.Printf("❌ Не удалось сохранить заказ %s: %v", order.DisplayID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"message": "Не удалось сохранить заказ",
		})
		return
	}

	log.Printf("✅ Новый заказ #%s: стол %d, %d позиций, %d коп.",
		order.DisplayID, order.TableNumber, order.ItemsCount(), order.TotalPrice)

	if ic.kicker != nil {
		ic.kicker.KickAll(order.RestaurantID)
	}
	BroadcastBoardEvent(order.RestaurantID, "order_created", models.NewOrderView(*order, time.Now().UTC()))
	ic.bumpIntakeCounter(order.RestaurantID)

	c.JSON(http.StatusCreated, gin.H{
		"success":    true,
		"order_id":   order.ID,
		"display_id": order.DisplayID,
		"status":     order.Status,
		"total":      order.TotalPrice,
	})
}

// bumpIntakeCounter дневной счетчик принятых заказов для сводки
func (ic *IntakeController) bumpIntakeCounter(restaurantID string) {
	if ic.redisUtil == nil {
		return
	}

	key := fmt.Sprintf("kds:stats:%s:intake:%s", restaurantID, time.Now().UTC().Format("2006-01-02"))
	if _, err := ic.redisUtil.Increment(key); err != nil {
		return
	}
	ic.redisUtil.Expire(key, 48*time.Hour)
}
