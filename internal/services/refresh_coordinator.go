package services

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kdsboard/server/internal/models"
	"kdsboard/server/internal/utils"
)

// BoardRefreshChannel канал Redis Pub/Sub с пинками переполучения доски
// Payload: restaurantID. Слушают координаторы всех инстансов сервера
const BoardRefreshChannel = "kds:board:refresh"

// QueueFetcher то, чем сессия добывает срезы очередей
// Реализуется LifecycleService, в тестах подменяется фейком
type QueueFetcher interface {
	ListQueues(ctx context.Context, restaurantID string, statusFilters []models.OrderStatus, pageSpecs map[models.OrderStatus]models.PageSpec) (map[models.OrderStatus]models.QueueView, error)
}

// QueueUpdate свежий срез одной очереди, отправляемый сессии дисплея
type QueueUpdate struct {
	Status models.OrderStatus `json:"status"`
	View   models.QueueView   `json:"view"`
}

// RefreshCoordinator управляет обновлением кухонных досок
//
// У каждой сессии дисплея свой набор именованных таймеров, по одному на
// очередь: медленное переполучение одной очереди не задерживает остальные.
// Успешная мутация статуса дергает KickAll - немедленное внеплановое
// переполучение ВСЕХ очередей ресторана на всех инстансах через Pub/Sub,
// сходимость доски важнее трафика
type RefreshCoordinator struct {
	fetcher   QueueFetcher
	redisUtil *utils.RedisClient // может быть nil, тогда пинки только внутри инстанса
	interval  time.Duration

	mu       sync.RWMutex
	sessions map[string]map[string]*BoardSession // restaurantID -> sessionID -> сессия

	stop     chan struct{}
	stopOnce sync.Once

	refetchOK     atomic.Int64
	refetchFailed atomic.Int64
}

// NewRefreshCoordinator создает координатор обновления досок
func NewRefreshCoordinator(fetcher QueueFetcher, redisUtil *utils.RedisClient, interval time.Duration) *RefreshCoordinator {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &RefreshCoordinator{
		fetcher:   fetcher,
		redisUtil: redisUtil,
		interval:  interval,
		sessions:  map[string]map[string]*BoardSession{},
		stop:      make(chan struct{}),
	}
}

// Start запускает слушатель пинков из Redis Pub/Sub
// Без Redis координатор работает, но пинки не пересекают границы инстанса
func (rc *RefreshCoordinator) Start() {
	if rc.redisUtil == nil {
		log.Println("⚠️ RefreshCoordinator: Redis недоступен, пинки доски только локальные")
		return
	}
	go rc.listenKicks()
	log.Printf("📡 RefreshCoordinator: слушаем канал %s (интервал опроса %v)", BoardRefreshChannel, rc.interval)
}

// listenKicks слушает канал пинков и будит локальные сессии
func (rc *RefreshCoordinator) listenKicks() {
	ch, closeFn := rc.redisUtil.Subscribe(BoardRefreshChannel)
	defer func() {
		if err := closeFn(); err != nil {
			log.Printf("⚠️ Ошибка закрытия Pub/Sub доски: %v", err)
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				log.Println("⚠️ Канал пинков доски закрыт, переподписываемся...")
				ch, closeFn = rc.redisUtil.Subscribe(BoardRefreshChannel)
				continue
			}
			if msg != nil {
				rc.kickLocal(msg.Payload)
			}
		case <-rc.stop:
			log.Println("🛑 Остановка слушателя пинков доски")
			return
		}
	}
}

// KickAll немедленное переполучение всех очередей ресторана
// Вызывается после каждой успешной мутации статуса (и части отказов,
// чтобы оператор увидел фактическое состояние)
func (rc *RefreshCoordinator) KickAll(restaurantID string) {
	if restaurantID == "" {
		return
	}

	// Pub/Sub доставит пинок и этому инстансу тоже, но локальные сессии
	// будим сразу: свой экран должен сойтись первым
	rc.kickLocal(restaurantID)

	if rc.redisUtil != nil {
		if err := rc.redisUtil.Publish(BoardRefreshChannel, restaurantID); err != nil {
			log.Printf("⚠️ Не удалось опубликовать пинок доски: %v", err)
		}
	}
}

// kickLocal будит все сессии ресторана на этом инстансе
func (rc *RefreshCoordinator) kickLocal(restaurantID string) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	for _, session := range rc.sessions[restaurantID] {
		session.kickAllQueues()
	}
}

// OpenSession открывает сессию дисплея и запускает ее таймеры очередей
// Закрытие сессии обязано вызвать Close, иначе таймеры утекут
func (rc *RefreshCoordinator) OpenSession(restaurantID string, statusFilters []models.OrderStatus, pageSpecs map[models.OrderStatus]models.PageSpec) *BoardSession {
	if len(statusFilters) == 0 {
		statusFilters = models.ActiveStatuses()
	}

	specs := make(map[models.OrderStatus]models.PageSpec, len(statusFilters))
	kicks := make(map[models.OrderStatus]chan struct{}, len(statusFilters))
	for _, status := range statusFilters {
		specs[status] = pageSpecs[status]
		kicks[status] = make(chan struct{}, 1)
	}

	session := &BoardSession{
		id:           uuid.New().String(),
		restaurantID: restaurantID,
		coordinator:  rc,
		filters:      statusFilters,
		specs:        specs,
		kicks:        kicks,
		updates:      make(chan QueueUpdate, 16),
		done:         make(chan struct{}),
	}

	rc.mu.Lock()
	if rc.sessions[restaurantID] == nil {
		rc.sessions[restaurantID] = map[string]*BoardSession{}
	}
	rc.sessions[restaurantID][session.id] = session
	total := len(rc.sessions[restaurantID])
	rc.mu.Unlock()

	for _, status := range statusFilters {
		go session.runQueueLoop(status)
	}

	log.Printf("📺 Открыта сессия доски %s (ресторан %s, очередей: %d, всего сессий: %d)",
		session.id, restaurantID, len(statusFilters), total)
	return session
}

// closeSession выписывает сессию из реестра
func (rc *RefreshCoordinator) closeSession(session *BoardSession) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if byID, ok := rc.sessions[session.restaurantID]; ok {
		delete(byID, session.id)
		if len(byID) == 0 {
			delete(rc.sessions, session.restaurantID)
		}
	}
}

// Stop останавливает слушатель пинков и закрывает все сессии
func (rc *RefreshCoordinator) Stop() {
	rc.stopOnce.Do(func() {
		close(rc.stop)
	})

	rc.mu.RLock()
	var all []*BoardSession
	for _, byID := range rc.sessions {
		for _, session := range byID {
			all = append(all, session)
		}
	}
	rc.mu.RUnlock()

	for _, session := range all {
		session.Close()
	}
}

// SessionCount количество открытых сессий (для health-эндпоинта)
func (rc *RefreshCoordinator) SessionCount() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	count := 0
	for _, byID := range rc.sessions {
		count += len(byID)
	}
	return count
}

// Stats счетчики переполучений
func (rc *RefreshCoordinator) Stats() (ok, failed int64) {
	return rc.refetchOK.Load(), rc.refetchFailed.Load()
}

// BoardSession сессия одного подключенного дисплея
// Владеет своими QueueView до закрытия: по таймеру на очередь,
// срезы уходят в канал Updates
type BoardSession struct {
	id           string
	restaurantID string
	coordinator  *RefreshCoordinator

	mu      sync.RWMutex
	filters []models.OrderStatus
	specs   map[models.OrderStatus]models.PageSpec

	kicks   map[models.OrderStatus]chan struct{}
	updates chan QueueUpdate

	done      chan struct{}
	closeOnce sync.Once
}

// ID идентификатор сессии
func (s *BoardSession) ID() string {
	return s.id
}

// Updates канал свежих срезов очередей
func (s *BoardSession) Updates() <-chan QueueUpdate {
	return s.updates
}

// runQueueLoop таймерный цикл одной очереди
// Именованный таймер очереди тикает независимо от соседних
func (s *BoardSession) runQueueLoop(status models.OrderStatus) {
	ticker := time.NewTicker(s.coordinator.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.refetch(status)
		case <-s.kicks[status]:
			s.refetch(status)
		case <-s.done:
			return
		}
	}
}

// refetch переполучает одну очередь и отдает срез дисплею
func (s *BoardSession) refetch(status models.OrderStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), s.coordinator.interval)
	defer cancel()

	s.mu.RLock()
	spec := s.specs[status]
	s.mu.RUnlock()

	views, err := s.coordinator.fetcher.ListQueues(ctx, s.restaurantID,
		[]models.OrderStatus{status},
		map[models.OrderStatus]models.PageSpec{status: spec})
	if err != nil {
		s.coordinator.refetchFailed.Add(1)
		log.Printf("⚠️ Сессия %s: не удалось обновить очередь %s: %v", s.id, status, err)
		return
	}

	view, ok := views[status]
	if !ok {
		return
	}

	s.coordinator.refetchOK.Add(1)

	// Не блокируемся на медленном потребителе: устаревший срез
	// можно выбросить, следующий тик принесет новый
	select {
	case s.updates <- QueueUpdate{Status: status, View: view}:
	default:
	}
}

// kickAllQueues будит каждый таймер сессии вне расписания
func (s *BoardSession) kickAllQueues() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.kicks {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// SetPageSpec меняет страницу одной очереди и сразу переполучает ее
// Листание одной колонки не трогает соседние
func (s *BoardSession) SetPageSpec(status models.OrderStatus, spec models.PageSpec) {
	s.mu.Lock()
	if _, ok := s.specs[status]; !ok {
		s.mu.Unlock()
		return
	}
	s.specs[status] = spec
	kick := s.kicks[status]
	s.mu.Unlock()

	select {
	case kick <- struct{}{}:
	default:
	}
}

// Snapshot немедленный полный срез всех очередей сессии
// Используется при подключении дисплея до первого тика
func (s *BoardSession) Snapshot(ctx context.Context) (map[models.OrderStatus]models.QueueView, error) {
	s.mu.RLock()
	filters := make([]models.OrderStatus, len(s.filters))
	copy(filters, s.filters)
	specs := make(map[models.OrderStatus]models.PageSpec, len(s.specs))
	for status, spec := range s.specs {
		specs[status] = spec
	}
	s.mu.RUnlock()

	return s.coordinator.fetcher.ListQueues(ctx, s.restaurantID, filters, specs)
}

// Close гасит таймеры сессии и выписывает ее из координатора
func (s *BoardSession) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.coordinator.closeSession(s)
		log.Printf("📺 Сессия доски %s закрыта", s.id)
	})
}
