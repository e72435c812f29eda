package api

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// boardMessage сообщение хаба с адресацией по ресторану
// Пустой restaurantID означает рассылку всем подключенным дисплеям
type boardMessage struct {
	restaurantID string
	payload      []byte
}

// Hub управляет WebSocket соединениями кухонных дисплеев
// Соединения сгруппированы по ресторану: событие одной кухни
// не уходит на чужие экраны
type Hub struct {
	clients   map[*websocket.Conn]string // conn -> restaurantID
	broadcast chan boardMessage
	mutex     sync.RWMutex
}

// BoardHub - глобальный хаб кухонных дисплеев
var BoardHub = &Hub{
	clients:   make(map[*websocket.Conn]string),
	broadcast: make(chan boardMessage, 256), // Буферизованный канал для производительности
}

// Run запускает хаб для обработки сообщений
func (h *Hub) Run() {
	for {
		msg := <-h.broadcast
		h.mutex.RLock()
		for client, restaurantID := range h.clients {
			if msg.restaurantID != "" && msg.restaurantID != restaurantID {
				continue
			}
			err := client.WriteMessage(websocket.TextMessage, msg.payload)
			if err != nil {
				// Удаляем клиента при ошибке записи
				h.mutex.RUnlock()
				h.RemoveClient(client)
				h.mutex.RLock()
			}
		}
		h.mutex.RUnlock()
	}
}

// AddClient добавляет дисплей ресторана
func (h *Hub) AddClient(conn *websocket.Conn, restaurantID string) {
	h.mutex.Lock()
	h.clients[conn] = restaurantID
	h.mutex.Unlock()
}

// RemoveClient удаляет клиента
func (h *Hub) RemoveClient(conn *websocket.Conn) {
	h.mutex.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mutex.Unlock()
}

// Broadcast отправляет сообщение дисплеям ресторана без блокировки
// Переполненный канал роняет сообщение: следующий тик доски все равно
// принесет свежий срез
func (h *Hub) Broadcast(restaurantID string, payload []byte) {
	select {
	case h.broadcast <- boardMessage{restaurantID: restaurantID, payload: payload}:
	default:
	}
}

// GetClientsCount возвращает количество подключенных дисплеев
func (h *Hub) GetClientsCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// BroadcastBoardEvent шлет типизированное событие дисплеям ресторана
func BroadcastBoardEvent(restaurantID, eventType string, data interface{}) {
	message := map[string]interface{}{
		"type":      eventType,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		log.Printf("⚠️ Ошибка сериализации события доски %s: %v", eventType, err)
		return
	}

	BoardHub.Broadcast(restaurantID, payload)
}
