package services

import (
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"kdsboard/server/internal/models"
	"kdsboard/server/internal/utils"
)

const MenuUpdateChannel = "kds:menu:update" // Канал Pub/Sub обновлений меню

// MenuService держит снэпшот цен меню для приема заказов
// Содержимым меню управляет отдельный сервис платформы, отсюда только чтение
type MenuService struct {
	db             *gorm.DB
	redisUtil      *utils.RedisClient // Redis для Pub/Sub
	mu             sync.RWMutex
	lastUpdate     time.Time
	updateInterval time.Duration
	stopPubSub     chan struct{}
	stopOnce       sync.Once
}

// NewMenuService создает новый сервис меню
func NewMenuService(db *gorm.DB, redisUtil *utils.RedisClient) *MenuService {
	return &MenuService{
		db:             db,
		redisUtil:      redisUtil,
		updateInterval: 5 * time.Minute, // Fallback: обновляем каждые 5 минут
		stopPubSub:     make(chan struct{}),
	}
}

// LoadMenu загружает активные позиции меню из БД и обновляет in-memory снэпшот
// Потокобезопасно: сначала собираем новые мапы, потом атомарно заменяем
func (ms *MenuService) LoadMenu() error {
	var items []models.MenuItem
	if err := ms.db.Where("is_active = ?", true).Find(&items).Error; err != nil {
		return err
	}

	byRestaurant := map[string][]models.MenuItem{}
	for _, item := range items {
		byRestaurant[item.RestaurantID] = append(byRestaurant[item.RestaurantID], item)
	}

	for restaurantID, restaurantItems := range byRestaurant {
		models.SetMenuSnapshot(restaurantID, restaurantItems)
	}

	ms.mu.Lock()
	ms.lastUpdate = time.Now()
	ms.mu.Unlock()

	log.Printf("✅ Меню обновлено из БД: %d позиций в %d ресторанах", len(items), len(byRestaurant))
	return nil
}

// StartAutoReload запускает автоматическое обновление снэпшота
// Redis Pub/Sub для мгновенного обновления + таймер как fallback
func (ms *MenuService) StartAutoReload() {
	if ms.redisUtil != nil {
		go ms.startPubSubListener()
		log.Println("📡 Pub/Sub обновлений меню запущен")
	}

	go func() {
		ticker := time.NewTicker(ms.updateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := ms.LoadMenu(); err != nil {
					log.Printf("⚠️ Ошибка автообновления меню: %v", err)
				}
			case <-ms.stopPubSub:
				return
			}
		}
	}()
	log.Printf("🔄 Fallback автообновление меню запущено (каждые %v)", ms.updateInterval)
}

// startPubSubListener слушает Redis канал для мгновенного обновления меню
func (ms *MenuService) startPubSubListener() {
	if ms.redisUtil == nil {
		return
	}

	ch, closeFn := ms.redisUtil.Subscribe(MenuUpdateChannel)
	defer func() {
		if err := closeFn(); err != nil {
			log.Printf("⚠️ Ошибка закрытия Pub/Sub меню: %v", err)
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				log.Println("⚠️ Pub/Sub канал меню закрыт, переподписываемся...")
				ch, closeFn = ms.redisUtil.Subscribe(MenuUpdateChannel)
				continue
			}
			if msg != nil {
				if err := ms.LoadMenu(); err != nil {
					log.Printf("⚠️ Ошибка обновления меню по Pub/Sub: %v", err)
				}
			}
		case <-ms.stopPubSub:
			return
		}
	}
}

// PublishUpdate публикует событие обновления меню в Redis
// Дергается админкой платформы после правок меню
func (ms *MenuService) PublishUpdate() error {
	if ms.redisUtil == nil {
		return nil
	}
	return ms.redisUtil.Publish(MenuUpdateChannel, "now")
}

// Stop останавливает фоновые обновления
func (ms *MenuService) Stop() {
	ms.stopOnce.Do(func() {
		close(ms.stopPubSub)
	})
}

// GetLastUpdate возвращает время последнего обновления
func (ms *MenuService) GetLastUpdate() time.Time {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.lastUpdate
}
