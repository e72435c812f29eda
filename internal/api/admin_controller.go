package api

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"kdsboard/server/internal/models"
	"kdsboard/server/internal/services"
)

// AdminController служебные операции: hot-reload меню и управление
// воркерами уведомлений. Все эндпоинты только для роли admin
type AdminController struct {
	menuService *services.MenuService // может быть nil
	notifyPool  *NotifyWorkerPool
}

// NewAdminController создает контроллер служебных операций
func NewAdminController(menuService *services.MenuService, notifyPool *NotifyWorkerPool) *AdminController {
	return &AdminController{
		menuService: menuService,
		notifyPool:  notifyPool,
	}
}

func (ac *AdminController) requireAdmin(c *gin.Context) *TerminalSession {
	session := SessionFromContext(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Требуется сессия терминала"})
		return nil
	}
	if session.Role != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": "Только администратор"})
		return nil
	}
	return session
}

// ReloadMenu принудительно перечитывает меню из БД (hot-reload без рестарта)
// Через Redis Pub/Sub обновление доезжает до ВСЕХ инстансов
// POST /api/v1/admin/menu/reload
func (ac *AdminController) ReloadMenu(c *gin.Context) {
	session := ac.requireAdmin(c)
	if session == nil {
		return
	}
	if ac.menuService == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "Сервис меню недоступен"})
		return
	}

	if err := ac.menuService.LoadMenu(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Не удалось перечитать меню",
			"details": err.Error(),
		})
		return
	}

	if err := ac.menuService.PublishUpdate(); err != nil {
		log.Printf("⚠️ Не удалось опубликовать обновление меню: %v", err)
		// Не критично, локальное обновление уже выполнено
	}

	log.Printf("🔄 Меню перечитано по запросу %s", session.StaffName)
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"last_update": ac.menuService.GetLastUpdate().Format("2006-01-02 15:04:05"),
	})
}

// MenuStatus статус снэпшота меню ресторана
// GET /api/v1/admin/menu/status
func (ac *AdminController) MenuStatus(c *gin.Context) {
	session := ac.requireAdmin(c)
	if session == nil {
		return
	}

	resp := gin.H{
		"success":     true,
		"items_count": models.MenuSnapshotSize(session.RestaurantID),
	}
	if ac.menuService != nil {
		resp["last_update"] = ac.menuService.GetLastUpdate().Format("2006-01-02 15:04:05")
	}
	c.JSON(http.StatusOK, resp)
}

// NotifyWorkersStats статистика пула воркеров уведомлений
// GET /api/v1/admin/notify-workers
func (ac *AdminController) NotifyWorkersStats(c *gin.Context) {
	if ac.requireAdmin(c) == nil {
		return
	}
	c.JSON(http.StatusOK, ac.notifyPool.GetStats())
}

// SetNotifyWorkers меняет количество воркеров уведомлений на лету
// POST /api/v1/admin/notify-workers
func (ac *AdminController) SetNotifyWorkers(c *gin.Context) {
	if ac.requireAdmin(c) == nil {
		return
	}

	var req struct {
		Count int `json:"count" binding:"min=0,max=32"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "count должен быть от 0 до 32"})
		return
	}

	ac.notifyPool.SetWorkerCount(req.Count)
	c.JSON(http.StatusOK, gin.H{"success": true, "count": req.Count})
}

// RemoveNotifyWorker останавливает воркера по ID
// DELETE /api/v1/admin/notify-workers/:id
func (ac *AdminController) RemoveNotifyWorker(c *gin.Context) {
	if ac.requireAdmin(c) == nil {
		return
	}

	workerID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Некорректный ID воркера"})
		return
	}

	if !ac.notifyPool.StopWorker(workerID) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Воркер не найден"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "worker_id": workerID})
}
