package main

import (
	"context"
	"log"
	"net/http"
	_ "net/http/pprof" // Для профилирования памяти
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"kdsboard/server/internal/api"
	"kdsboard/server/internal/config"
	"kdsboard/server/internal/database"
	"kdsboard/server/internal/models"
	"kdsboard/server/internal/services"
	"kdsboard/server/internal/utils"
)

func main() {
	// Загружаем переменные окружения из .env файла (если существует)
	// Игнорируем ошибку, если файл не найден (для production окружений)
	if err := godotenv.Load(); err != nil {
		log.Printf("ℹ️ .env файл не найден, используем переменные окружения системы")
	} else {
		log.Printf("✅ Переменные окружения загружены из .env файла")
	}

	cfg := config.Load()

	// Логируем наличие DATABASE_URL (без пароля)
	if cfg.DatabaseURL != "" {
		safeURL := cfg.DatabaseURL
		if idx := strings.Index(safeURL, "@"); idx > 0 {
			if schemeIdx := strings.Index(safeURL, "://"); schemeIdx > 0 {
				safeURL = safeURL[:schemeIdx+3] + "***@" + safeURL[idx+1:]
			}
		}
		log.Printf("📋 DATABASE_URL установлен: %s", safeURL)
	}

	// Подключение к PostgreSQL
	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Printf("❌ PostgreSQL connection failed: %v", err)
		log.Printf("⚠️ Продолжаем без БД (ограниченная функциональность)")
		db = nil
	} else {
		defer database.ClosePostgres(db)

		if err := models.AutoMigrateAll(db); err != nil {
			log.Printf("❌ Migration failed: %v", err)
			log.Printf("⚠️ Continuing with limited functionality")
		} else {
			log.Println("✅ Database migrations completed")
		}
	}

	// Подключение к Redis (с поддержкой Sentinel)
	redisClient, err := database.ConnectRedis(
		cfg.RedisURL,
		cfg.RedisSentinelAddrs,
		cfg.RedisMasterName,
	)
	var redisUtil *utils.RedisClient
	if err != nil {
		log.Printf("⚠️ Redis connection failed: %v (continuing without Redis)", err)
		redisClient = nil
	} else {
		redisUtil = utils.NewRedisClient(redisClient)
	}
	defer database.CloseRedis(redisClient)

	// Снэпшот меню для приема заказов
	var menuService *services.MenuService
	if db != nil {
		menuService = services.NewMenuService(db, redisUtil)
		if err := menuService.LoadMenu(); err != nil {
			log.Printf("⚠️ Не удалось загрузить меню из БД: %v", err)
		} else {
			menuService.StartAutoReload()
		}
		defer menuService.Stop()
	} else {
		log.Println("⚠️ Сервис меню не запущен: PostgreSQL недоступен")
	}

	// Хранилище заказов
	var orderService *services.OrderService
	if db != nil {
		orderService = services.NewOrderService(db, redisUtil)
		log.Println("✅ OrderService инициализирован")

		// Прогрев кэша доски ПЕРЕД запуском приема из Kafka:
		// активные заказы из PostgreSQL поднимаются в Redis
		bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
		if err := orderService.BootstrapBoardCache(bootCtx); err != nil {
			log.Printf("⚠️ Прогрев кэша доски завершился с ошибкой: %v (продолжаем)", err)
		}
		cancelBoot()
	} else {
		log.Println("⚠️ OrderService НЕ инициализирован: требуется PostgreSQL")
	}

	// Фоновая архивация завершенных заказов (раз в день)
	if orderService != nil {
		go func() {
			// Первый запуск через 1 час после старта
			time.Sleep(1 * time.Hour)

			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()

			for {
				log.Println("🗄️ Запуск архивации старых заказов...")
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				if archived, err := orderService.ArchiveOldOrders(ctx, cfg.ArchiveAfter); err != nil {
					log.Printf("⚠️ Ошибка архивации заказов: %v", err)
				} else {
					log.Printf("🗄️ Архивировано заказов: %d", archived)
				}
				cancel()
				<-ticker.C
			}
		}()
		log.Println("✅ Фоновая архивация заказов запущена (каждые 24 часа)")
	}

	// RabbitMQ для уведомлений кухни
	var notifier *services.NotifierService
	if cfg.AMQPURL != "" {
		notifier, err = services.NewNotifierService(cfg.AMQPURL)
		if err != nil {
			log.Printf("⚠️ RabbitMQ недоступен: %v (уведомления только в WebSocket)", err)
			notifier = nil
		} else {
			defer notifier.Close()
		}
	} else {
		log.Println("⚠️ AMQP_URL не установлен, уведомления только в WebSocket")
	}

	// Фасад жизненного цикла и координатор обновления досок
	// ссылаются друг на друга, цикл разрывается сеттером
	lifecycle := services.NewLifecycleService(orderService, nil, redisUtil, notifier, cfg.BoardPageSize)
	coordinator := services.NewRefreshCoordinator(lifecycle, redisUtil, cfg.BoardRefreshInterval)
	lifecycle.SetKicker(coordinator)
	coordinator.Start()
	defer coordinator.Stop()

	// Монитор срочности: алерты по заказам, зависшим в статусе
	if orderService != nil {
		urgencyMonitor := services.NewUrgencyMonitor(orderService, redisUtil, notifier, time.Minute)
		urgencyMonitor.Start()
		defer urgencyMonitor.Stop()
	}

	// WebSocket Hub для дисплеев и дашбордов
	go api.BoardHub.Run()
	log.Println("📱 WebSocket Hub доски запущен")

	// Воркеры доставки уведомлений
	notifyPool := api.NewNotifyWorkerPool(redisUtil, notifier)
	if redisUtil != nil {
		notifyPool.SetWorkerCount(cfg.NotifyWorkers)
		log.Printf("🔔 Запущено воркеров уведомлений: %d", cfg.NotifyWorkers)
	} else {
		log.Println("⚠️ Воркеры уведомлений не запущены: Redis недоступен")
	}
	defer notifyPool.StopAll()

	// Прием заказов из Kafka (внешние каналы: сайт, агрегаторы)
	if cfg.KafkaBrokers != "" && orderService != nil {
		kafkaConsumer := api.NewKafkaIntakeConsumer(
			cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID,
			orderService, coordinator, redisUtil,
			cfg.KafkaUsername, cfg.KafkaPassword, cfg.KafkaCACert,
		)
		kafkaConsumer.Start()
		defer kafkaConsumer.Stop()
	} else {
		if cfg.KafkaBrokers == "" {
			log.Println("⚠️ Kafka intake НЕ запущен: KAFKA_BROKERS не установлен")
		} else {
			log.Println("⚠️ Kafka intake НЕ запущен: PostgreSQL недоступен")
		}
	}

	// Отключаем логи gin для скорости
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Health check endpoint (должен быть до CORS для Railway)
	r.GET("/api/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"service":        "KDS Board",
			"version":        "1.0.0",
			"postgres":       db != nil,
			"redis":          redisUtil != nil,
			"amqp":           notifier != nil,
			"ws_clients":     api.BoardHub.GetClientsCount(),
			"board_sessions": coordinator.SessionCount(),
		})
	})

	// Логирование всех запросов
	r.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		log.Printf("🌐 %s %s - Status: %d - Latency: %v", method, path, status, latency)
	})

	// CORS для фронтенда
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Terminal-Token")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	apiGroup := r.Group("/api/v1")

	// Прием заказов (внешний канал, без сессии терминала)
	if orderService != nil {
		intakeController := api.NewIntakeController(orderService, coordinator, redisUtil)
		apiGroup.POST("/orders", intakeController.CreateOrder)
	} else {
		log.Println("⚠️ POST /api/v1/orders НЕ зарегистрирован: PostgreSQL недоступен")
	}

	// Сессии терминалов
	terminalController := api.NewTerminalController(db, redisUtil, cfg.SessionTTL)
	terminalGroup := apiGroup.Group("/terminal")
	{
		terminalGroup.POST("/login", terminalController.Login)
		terminalGroup.POST("/logout", terminalController.RequireSession(), terminalController.Logout)
	}

	// Кухонная доска (только с сессией терминала)
	if orderService != nil {
		boardController := api.NewBoardController(lifecycle, orderService, cfg.ArchiveAfter)
		boardGroup := apiGroup.Group("/board")
		boardGroup.Use(terminalController.RequireSession())
		{
			boardGroup.GET("/queues", boardController.ListQueues)
			boardGroup.GET("/stats", boardController.BoardStats)
			boardGroup.GET("/orders/:id", boardController.GetOrder)
			boardGroup.POST("/orders/:id/status", boardController.ChangeStatus)
		}

		// Админские операции
		adminController := api.NewAdminController(menuService, notifyPool)
		adminGroup := apiGroup.Group("/admin")
		adminGroup.Use(terminalController.RequireSession())
		{
			adminGroup.POST("/archive", boardController.TriggerArchive)
			adminGroup.POST("/menu/reload", adminController.ReloadMenu)
			adminGroup.GET("/menu/status", adminController.MenuStatus)
			adminGroup.GET("/notify-workers", adminController.NotifyWorkersStats)
			adminGroup.POST("/notify-workers", adminController.SetNotifyWorkers)
			adminGroup.DELETE("/notify-workers/:id", adminController.RemoveNotifyWorker)
		}

		// WebSocket: токен передается в query, middleware не используется
		boardWSController := api.NewBoardWSController(coordinator, redisUtil, cfg.SessionTTL)
		r.GET("/ws/board", boardWSController.ServeBoardWS)
		r.GET("/ws/events", boardWSController.ServeEventsWS)
	} else {
		log.Println("⚠️ Эндпоинты доски НЕ зарегистрированы: PostgreSQL недоступен")
	}

	port := cfg.ServerPort
	if port == "" {
		port = "8080"
	}

	// pprof для профилирования памяти
	// Доступен на http://localhost:6060/debug/pprof/
	go func() {
		pprofPort := "6060"
		log.Printf("🔍 pprof доступен на http://localhost:%s/debug/pprof/", pprofPort)
		if err := http.ListenAndServe("localhost:"+pprofPort, nil); err != nil {
			log.Printf("⚠️ pprof server failed to start: %v", err)
		}
	}()

	// Периодическое логирование статистики памяти
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			logMemoryStats()
		}
	}()

	log.Printf("🚀 Server starting on port %s", port)
	log.Printf("📡 API доступен на http://0.0.0.0:%s/api/v1", port)
	if err := r.Run("0.0.0.0:" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// logMemoryStats логирует текущую статистику использования памяти
func logMemoryStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	heapAllocMB := float64(m.HeapAlloc) / 1024 / 1024
	heapSysMB := float64(m.HeapSys) / 1024 / 1024
	sysMB := float64(m.Sys) / 1024 / 1024
	numGoroutines := runtime.NumGoroutine()

	log.Printf("💾 Memory Stats: HeapAlloc=%.2f MB, HeapSys=%.2f MB, Sys=%.2f MB, GC=%d, Goroutines=%d",
		heapAllocMB, heapSysMB, sysMB, m.NumGC, numGoroutines)

	if numGoroutines > 200 {
		log.Printf("⚠️ WARNING: High number of goroutines detected: %d (possible goroutine leak)", numGoroutines)
	}
	if heapAllocMB > 500 {
		log.Printf("⚠️ WARNING: High memory usage detected: %.2f MB (possible memory leak)", heapAllocMB)
	}
}
