package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"kdsboard/server/internal/models"
	"kdsboard/server/internal/services"
)

// Срез фасада жизненного цикла, который нужен контроллеру
type boardLifecycle interface {
	RequestStatusChange(ctx context.Context, restaurantID, orderID string, target models.OrderStatus, operator services.Operator) (*models.Order, error)
	ListQueues(ctx context.Context, restaurantID string, statusFilters []models.OrderStatus, pageSpecs map[models.OrderStatus]models.PageSpec) (map[models.OrderStatus]models.QueueView, error)
}

// Срез хранилища для прямых чтений и архивации
type boardStore interface {
	GetOrder(ctx context.Context, restaurantID, orderID string) (*models.Order, error)
	ListActiveOrders(ctx context.Context, restaurantID string) ([]models.Order, error)
	ArchiveOldOrders(ctx context.Context, olderThan time.Duration) (int64, error)
}

// BoardController HTTP API кухонной доски: очереди, смена статуса, статистика
type BoardController struct {
	lifecycle    boardLifecycle
	store        boardStore
	archiveAfter time.Duration
}

// NewBoardController создает контроллер доски
func NewBoardController(lifecycle boardLifecycle, store boardStore, archiveAfter time.Duration) *BoardController {
	return &BoardController{
		lifecycle:    lifecycle,
		store:        store,
		archiveAfter: archiveAfter,
	}
}

// ListQueues отдает очереди доски с независимой постраничкой
// GET /api/v1/board/queues?status=pending,preparing&page[pending]=2&size[pending]=10
func (bc *BoardController) ListQueues(c *gin.Context) {
	session := SessionFromContext(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Требуется сессия терминала"})
		return
	}

	statusFilters, err := parseStatusFilter(c.Query("status"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	pageSpecs, err := parsePageSpecs(c.QueryMap("page"), c.QueryMap("size"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	queues, err := bc.lifecycle.ListQueues(c.Request.Context(), session.RestaurantID, statusFilters, pageSpecs)
	if err != nil {
		log.Printf("❌ Не удалось собрать очереди для ресторана %s: %v", session.RestaurantID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"message": "Хранилище заказов временно недоступно",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"queues":       queues,
		"generated_at": time.Now().UTC(),
	})
}

// GetOrder отдает один заказ с вычисленной срочностью
// GET /api/v1/board/orders/:id
func (bc *BoardController) GetOrder(c *gin.Context) {
	session := SessionFromContext(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Требуется сессия терминала"})
		return
	}

	orderID := c.Param("id")
	order, err := bc.store.GetOrder(c.Request.Context(), session.RestaurantID, orderID)
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Заказ не найден"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"message": "Хранилище заказов временно недоступно",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"order":   models.NewOrderView(*order, time.Now().UTC()),
	})
}

type changeStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// ChangeStatus проводит заказ через переход статуса
// POST /api/v1/board/orders/:id/status
//
// Маппинг таксономии ошибок на HTTP:
// неизвестный заказ 404, недопустимый переход и проигранный конфликт 409,
// запрет роли 403, сбой хранилища 503
func (bc *BoardController) ChangeStatus(c *gin.Context) {
	session := SessionFromContext(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Требуется сессия терминала"})
		return
	}

	var req changeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Поле status обязательно"})
		return
	}

	target, ok := models.ParseOrderStatus(req.Status)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Неизвестный статус: " + req.Status,
		})
		return
	}

	orderID := c.Param("id")
	updated, err := bc.lifecycle.RequestStatusChange(c.Request.Context(), session.RestaurantID, orderID, target, session.Operator())
	if err != nil {
		bc.respondTransitionError(c, orderID, target, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"order":   models.NewOrderView(*updated, time.Now().UTC()),
	})
}

func (bc *BoardController) respondTransitionError(c *gin.Context, orderID string, target models.OrderStatus, err error) {
	var illegal *models.IllegalTransitionError
	var conflict *models.ConflictError

	switch {
	case errors.Is(err, models.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "Заказ не найден",
		})
	case errors.As(err, &illegal):
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"message": "Недопустимый переход статуса",
			"from":    illegal.From,
			"to":      illegal.To,
		})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"message": "Заказ изменен другим терминалом, доска обновлена",
			"actual":  conflict.Actual,
		})
	case errors.Is(err, models.ErrRoleNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"message": "Роль не позволяет перевести заказ в статус " + string(target),
		})
	default:
		log.Printf("❌ Переход заказа %s -> %s: %v", orderID, target, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"message": "Хранилище заказов временно недоступно",
		})
	}
}

// BoardStats сводка по доске: счетчики статусов и разбивка по срочности
// GET /api/v1/board/stats
func (bc *BoardController) BoardStats(c *gin.Context) {
	session := SessionFromContext(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Требуется сессия терминала"})
		return
	}

	orders, err := bc.store.ListActiveOrders(c.Request.Context(), session.RestaurantID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"message": "Хранилище заказов временно недоступно",
		})
		return
	}

	now := time.Now().UTC()
	byStatus := make(map[models.OrderStatus]int)
	byUrgency := map[models.UrgencyTier]int{
		models.UrgencyNormal:   0,
		models.UrgencyWarning:  0,
		models.UrgencyCritical: 0,
	}

	for i := range orders {
		byStatus[orders[i].Status]++
		tier := orders[i].UrgencyAt(now)
		if tier != models.UrgencyInapplicable {
			byUrgency[tier]++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"total_active": len(orders),
		"by_status":    byStatus,
		"by_urgency":   byUrgency,
		"generated_at": now,
	})
}

// TriggerArchive вручную запускает архивацию старых завершенных заказов
// POST /api/v1/admin/archive, только для админа
func (bc *BoardController) TriggerArchive(c *gin.Context) {
	session := SessionFromContext(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Требуется сессия терминала"})
		return
	}
	if session.Role != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": "Только администратор"})
		return
	}

	archived, err := bc.store.ArchiveOldOrders(c.Request.Context(), bc.archiveAfter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Архивация не удалась"})
		return
	}

	log.Printf("📦 Архивация по запросу %s: %d заказов", session.StaffName, archived)
	c.JSON(http.StatusOK, gin.H{"success": true, "archived": archived})
}

// parseStatusFilter разбирает список статусов из query-параметра
// Пустая строка означает активные статусы по умолчанию
func parseStatusFilter(raw string) ([]models.OrderStatus, error) {
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	filters := make([]models.OrderStatus, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		status, ok := models.ParseOrderStatus(part)
		if !ok {
			return nil, errors.New("неизвестный статус в фильтре: " + part)
		}
		filters = append(filters, status)
	}
	return filters, nil
}

// parsePageSpecs собирает постраничку по очередям из page[status] и size[status]
func parsePageSpecs(pages, sizes map[string]string) (map[models.OrderStatus]models.PageSpec, error) {
	if len(pages) == 0 && len(sizes) == 0 {
		return nil, nil
	}

	specs := make(map[models.OrderStatus]models.PageSpec)

	for key, value := range pages {
		status, ok := models.ParseOrderStatus(key)
		if !ok {
			return nil, errors.New("неизвестный статус в page: " + key)
		}
		page, err := strconv.Atoi(value)
		if err != nil || page < 1 {
			return nil, errors.New("некорректный номер страницы для " + key)
		}
		spec := specs[status]
		spec.Page = page
		specs[status] = spec
	}

	for key, value := range sizes {
		status, ok := models.ParseOrderStatus(key)
		if !ok {
			return nil, errors.New("неизвестный статус в size: " + key)
		}
		size, err := strconv.Atoi(value)
		if err != nil || size < 1 {
			return nil, errors.New("некорректный размер страницы для " + key)
		}
		spec := specs[status]
		spec.PageSize = size
		specs[status] = spec
	}

	return specs, nil
}
