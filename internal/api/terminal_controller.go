package api

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"kdsboard/server/internal/models"
	"kdsboard/server/internal/services"
	"kdsboard/server/internal/utils"
)

const sessionContextKey = "terminal_session"

// TerminalSession сессия кухонного терминала в Redis
// Дает запросам restaurantScope и оператора для аудита
type TerminalSession struct {
	Token        string           `json:"token"`
	StaffID      string           `json:"staff_id"`
	StaffName    string           `json:"staff_name"`
	RestaurantID string           `json:"restaurant_id"`
	Role         models.StaffRole `json:"role"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Operator оператор из сессии для фасада жизненного цикла
func (ts *TerminalSession) Operator() services.Operator {
	return services.Operator{
		ID:   ts.StaffID,
		Name: ts.StaffName,
		Role: ts.Role,
	}
}

// TerminalController вход и выход терминалов по PIN-коду
type TerminalController struct {
	db         *gorm.DB
	redisUtil  *utils.RedisClient
	sessionTTL time.Duration
}

// NewTerminalController создает контроллер терминалов
func NewTerminalController(db *gorm.DB, redisUtil *utils.RedisClient, sessionTTL time.Duration) *TerminalController {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &TerminalController{
		db:         db,
		redisUtil:  redisUtil,
		sessionTTL: sessionTTL,
	}
}

type terminalLoginRequest struct {
	Login string `json:"login" binding:"required"`
	PIN   string `json:"pin" binding:"required"`
}

// Login авторизует сотрудника на терминале по логину и PIN-коду
func (tc *TerminalController) Login(c *gin.Context) {
	var req terminalLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Логин и PIN обязательны",
		})
		return
	}

	if tc.db == nil || tc.redisUtil == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"message": "Сессии терминалов временно недоступны",
		})
		return
	}

	var staff models.Staff
	err := tc.db.Where("login = ? AND is_active = ?", req.Login, true).First(&staff).Error
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"message": "Неверный логин или PIN",
		})
		return
	}

	if !staff.CheckPIN(req.PIN) {
		log.Printf("⚠️ Неудачная попытка входа на терминал: %s", req.Login)
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"message": "Неверный логин или PIN",
		})
		return
	}

	session := TerminalSession{
		Token:        uuid.New().String(),
		StaffID:      staff.ID,
		StaffName:    staff.Name,
		RestaurantID: staff.RestaurantID,
		Role:         staff.Role,
		CreatedAt:    time.Now().UTC(),
	}

	tokenKey := "kds:token:" + session.Token
	if err := tc.redisUtil.Set(tokenKey, session, tc.sessionTTL); err != nil {
		log.Printf("❌ Не удалось сохранить сессию терминала: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Не удалось создать сессию",
		})
		return
	}

	log.Printf("✅ Вход на терминал: %s (%s, ресторан %s)", staff.Name, staff.Role, staff.RestaurantID)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"token":   session.Token,
		"staff": gin.H{
			"id":   staff.ID,
			"name": staff.Name,
			"role": staff.Role,
		},
		"restaurant_id": staff.RestaurantID,
		"expires_in":    int(tc.sessionTTL.Seconds()),
	})
}

// Logout завершает сессию терминала
func (tc *TerminalController) Logout(c *gin.Context) {
	session := SessionFromContext(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Сессия не найдена"})
		return
	}

	if err := tc.redisUtil.Delete("kds:token:" + session.Token); err != nil {
		log.Printf("⚠️ Не удалось удалить сессию %s: %v", session.Token, err)
	}

	log.Printf("👋 Выход с терминала: %s", session.StaffName)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RequireSession middleware: вытаскивает сессию терминала из заголовка
// и кладет ее в контекст запроса
// Токен ждем в Authorization: Bearer ... или X-Terminal-Token
func (tc *TerminalController) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "Требуется авторизация терминала",
			})
			return
		}

		if tc.redisUtil == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"message": "Сессии терминалов временно недоступны",
			})
			return
		}

		var session TerminalSession
		tokenKey := "kds:token:" + token
		if err := tc.redisUtil.GetJSON(tokenKey, &session); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "Сессия истекла или не существует",
			})
			return
		}

		// Скользящий TTL: активный терминал не разлогинивается посреди смены
		tc.redisUtil.Expire(tokenKey, tc.sessionTTL)

		c.Set(sessionContextKey, &session)
		c.Next()
	}
}

// SessionFromContext достает сессию терминала из контекста запроса
func SessionFromContext(c *gin.Context) *TerminalSession {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return nil
	}
	session, ok := value.(*TerminalSession)
	if !ok {
		return nil
	}
	return session
}

func extractToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.GetHeader("X-Terminal-Token")
}
