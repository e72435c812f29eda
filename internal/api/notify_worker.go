package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"kdsboard/server/internal/services"
	"kdsboard/server/internal/utils"
)

// NotifyWorkerPool воркеры доставки уведомлений о событиях доски
// Снимают задания из Redis-очереди и разносят их в AMQP и WebSocket,
// чтобы публикация не висела на пути HTTP-запроса смены статуса
type NotifyWorkerPool struct {
	redisUtil   *utils.RedisClient
	notifier    *services.NotifierService // может быть nil, тогда доставка только в WebSocket
	workers     map[int]*notifyWorker
	workerID    int64
	mu          sync.RWMutex
	queueName   string
	activeCount int64
	delivered   int64
	failed      int64
}

type notifyWorker struct {
	ID        int
	Delivered int64
	stopChan  chan struct{}
}

// NewNotifyWorkerPool создает пул воркеров уведомлений
func NewNotifyWorkerPool(redisUtil *utils.RedisClient, notifier *services.NotifierService) *NotifyWorkerPool {
	return &NotifyWorkerPool{
		redisUtil: redisUtil,
		notifier:  notifier,
		workers:   make(map[int]*notifyWorker),
		queueName: services.NotifyQueueKey,
	}
}

// StartWorker запускает одного воркера
func (np *NotifyWorkerPool) StartWorker() int {
	np.mu.Lock()
	defer np.mu.Unlock()
	return np.startWorkerUnlocked()
}

func (np *NotifyWorkerPool) startWorkerUnlocked() int {
	id := int(atomic.AddInt64(&np.workerID, 1))
	worker := &notifyWorker{
		ID:       id,
		stopChan: make(chan struct{}),
	}
	np.workers[id] = worker

	go np.workerLoop(worker)

	atomic.AddInt64(&np.activeCount, 1)
	log.Printf("🔔 Воркер уведомлений #%d запущен", id)
	return id
}

// StopWorker останавливает воркера по ID
func (np *NotifyWorkerPool) StopWorker(workerID int) bool {
	np.mu.Lock()
	defer np.mu.Unlock()
	return np.stopWorkerUnlocked(workerID)
}

func (np *NotifyWorkerPool) stopWorkerUnlocked(workerID int) bool {
	worker, exists := np.workers[workerID]
	if !exists {
		return false
	}

	close(worker.stopChan)
	delete(np.workers, workerID)
	atomic.AddInt64(&np.activeCount, -1)
	return true
}

// SetWorkerCount доводит пул до нужного количества воркеров
func (np *NotifyWorkerPool) SetWorkerCount(count int) {
	np.mu.Lock()
	defer np.mu.Unlock()

	currentCount := len(np.workers)

	if count > currentCount {
		for i := 0; i < count-currentCount; i++ {
			np.startWorkerUnlocked()
		}
	} else if count < currentCount {
		stopped := 0
		for id := range np.workers {
			if stopped >= currentCount-count {
				break
			}
			if np.stopWorkerUnlocked(id) {
				stopped++
			}
		}
	}
}

// workerLoop блокирующее снятие заданий через BRPOP
// Таймаут 2 секунды, чтобы воркер периодически проверял stopChan
func (np *NotifyWorkerPool) workerLoop(worker *notifyWorker) {
	for {
		select {
		case <-worker.stopChan:
			return
		default:
		}

		type brpopResult struct {
			raw string
			err error
		}
		resultChan := make(chan brpopResult, 1)

		go func() {
			raw, err := np.redisUtil.BRPop(np.queueName, 2*time.Second)
			resultChan <- brpopResult{raw: raw, err: err}
		}()

		select {
		case <-worker.stopChan:
			return
		case result := <-resultChan:
			if result.err != nil {
				if errors.Is(result.err, redis.Nil) {
					// Таймаут, заданий нет
					continue
				}
				log.Printf("⚠️ Воркер уведомлений #%d: ошибка BRPop: %v", worker.ID, result.err)
				time.Sleep(1 * time.Second)
				continue
			}

			if np.deliver(worker, result.raw) {
				atomic.AddInt64(&worker.Delivered, 1)
				atomic.AddInt64(&np.delivered, 1)
			} else {
				atomic.AddInt64(&np.failed, 1)
			}
		}
	}
}

// deliver разносит одно задание по каналам доставки
func (np *NotifyWorkerPool) deliver(worker *notifyWorker, raw string) bool {
	var job services.NotificationJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		log.Printf("❌ Воркер уведомлений #%d: нечитаемое задание: %v", worker.ID, err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch job.Kind {
	case "status_change":
		if job.StatusChange == nil {
			return false
		}
		notice := *job.StatusChange
		BroadcastBoardEvent(notice.RestaurantID, "status_changed", notice)
		if err := np.notifier.PublishStatusChange(ctx, notice); err != nil {
			log.Printf("⚠️ Воркер уведомлений #%d: AMQP отказал по заказу %s: %v", worker.ID, notice.OrderID, err)
			return false
		}
		return true

	case "urgency_alert":
		if job.Urgency == nil {
			return false
		}
		alert := *job.Urgency
		BroadcastBoardEvent(alert.RestaurantID, "urgency_alert", alert)
		if err := np.notifier.PublishUrgencyAlert(ctx, alert); err != nil {
			log.Printf("⚠️ Воркер уведомлений #%d: AMQP отказал по алерту %s: %v", worker.ID, alert.OrderID, err)
			return false
		}
		return true

	default:
		log.Printf("⚠️ Воркер уведомлений #%d: неизвестный тип задания %q", worker.ID, job.Kind)
		return false
	}
}

// GetStats сводка пула для эндпоинта здоровья
func (np *NotifyWorkerPool) GetStats() map[string]interface{} {
	np.mu.RLock()
	defer np.mu.RUnlock()

	queueLength := int64(0)
	if np.redisUtil != nil {
		queueLength, _ = np.redisUtil.LLen(np.queueName)
	}

	return map[string]interface{}{
		"active_workers": atomic.LoadInt64(&np.activeCount),
		"delivered":      atomic.LoadInt64(&np.delivered),
		"failed":         atomic.LoadInt64(&np.failed),
		"queue_length":   queueLength,
	}
}

// StopAll останавливает всех воркеров
func (np *NotifyWorkerPool) StopAll() {
	np.mu.Lock()
	defer np.mu.Unlock()

	for id := range np.workers {
		np.stopWorkerUnlocked(id)
	}
	log.Println("🛑 Пул уведомлений остановлен")
}
