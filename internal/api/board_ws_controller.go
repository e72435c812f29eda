package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kdsboard/server/internal/models"
	"kdsboard/server/internal/services"
	"kdsboard/server/internal/utils"
)

var boardUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Терминалы стоят в локальной сети ресторана, origin не проверяем
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// BoardWSController потоковая доска для дисплеев кухни
// Каждое подключение получает свою сессию координатора со своими таймерами
type BoardWSController struct {
	coordinator *services.RefreshCoordinator
	redisUtil   *utils.RedisClient
	sessionTTL  time.Duration
}

// NewBoardWSController создает контроллер потоковой доски
func NewBoardWSController(coordinator *services.RefreshCoordinator, redisUtil *utils.RedisClient, sessionTTL time.Duration) *BoardWSController {
	return &BoardWSController{
		coordinator: coordinator,
		redisUtil:   redisUtil,
		sessionTTL:  sessionTTL,
	}
}

// Сообщение от дисплея: листание колонки
type boardClientMessage struct {
	Action   string `json:"action"` // "set_page" | "ping"
	Status   string `json:"status,omitempty"`
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
}

// ServeBoardWS обслуживает подключение дисплея
// GET /ws/board?token=...&status=pending,preparing&page[pending]=2
//
// Токен принимаем из query: заголовки в браузерном WebSocket не доступны
func (bw *BoardWSController) ServeBoardWS(c *gin.Context) {
	terminalSession, ok := bw.resolveSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"message": "Требуется действующий токен терминала",
		})
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

	conn, err := boardUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("⚠️ Ошибка апгрейда WebSocket доски: %v", err)
		return
	}
	defer conn.Close()

	session := bw.coordinator.OpenSession(terminalSession.RestaurantID, statusFilters, pageSpecs)
	defer session.Close()

	// Первый срез уходит до запуска насоса: дисплей не ждет первого тика
	// После этой записи в сокет пишет только насос
	if snapshot, err := session.Snapshot(c.Request.Context()); err == nil {
		if err := conn.WriteJSON(gin.H{"type": "snapshot", "queues": snapshot}); err != nil {
			return
		}
	} else {
		log.Printf("⚠️ Сессия %s: не удалось снять первый срез: %v", session.ID(), err)
	}

	stopPump := make(chan struct{})
	defer close(stopPump)
	go bw.pumpUpdates(conn, session, stopPump)

	// Цикл чтения: листание колонок и закрытие соединения
	for {
		var msg boardClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("⚠️ WebSocket доски: %v", err)
			}
			return
		}

		if msg.Action != "set_page" {
			continue
		}
		status, ok := models.ParseOrderStatus(msg.Status)
		if !ok {
			continue
		}
		spec := models.PageSpec{Page: msg.Page, PageSize: msg.PageSize}
		session.SetPageSpec(status, spec)
	}
}

// pumpUpdates гонит срезы очередей из сессии в сокет
// Единственный писатель в соединение после первого среза
func (bw *BoardWSController) pumpUpdates(conn *websocket.Conn, session *services.BoardSession, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case update := <-session.Updates():
			payload := gin.H{
				"type":   "queue_update",
				"status": update.Status,
				"view":   update.View,
			}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		}
	}
}

// resolveSession достает сессию терминала по токену из query или заголовка
func (bw *BoardWSController) resolveSession(c *gin.Context) (*TerminalSession, bool) {
	if bw.redisUtil == nil {
		return nil, false
	}

	token := c.Query("token")
	if token == "" {
		token = extractToken(c)
	}
	if token == "" {
		return nil, false
	}

	var session TerminalSession
	tokenKey := "kds:token:" + token
	if err := bw.redisUtil.GetJSON(tokenKey, &session); err != nil {
		return nil, false
	}
	bw.redisUtil.Expire(tokenKey, bw.sessionTTL)
	return &session, true
}

// ServeEventsWS поток событий доски для дашбордов и вторых экранов
// GET /ws/events?token=...
// Сюда BroadcastBoardEvent шлет order_created, status_changed, urgency_alert
func (bw *BoardWSController) ServeEventsWS(c *gin.Context) {
	terminalSession, ok := bw.resolveSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"message": "Требуется действующий токен терминала",
		})
		return
	}

	conn, err := boardUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("⚠️ Ошибка апгрейда WebSocket событий: %v", err)
		return
	}

	BoardHub.AddClient(conn, terminalSession.RestaurantID)
	log.Printf("📱 Подписчик событий подключен (ресторан %s). Всего: %d",
		terminalSession.RestaurantID, BoardHub.GetClientsCount())

	defer func() {
		BoardHub.RemoveClient(conn)
		log.Printf("📱 Подписчик событий отключен. Осталось: %d", BoardHub.GetClientsCount())
	}()

	// Одностороннее вещание: входящие сообщения только поддерживают соединение
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("⚠️ WebSocket событий: %v", err)
			}
			break
		}
	}
}
