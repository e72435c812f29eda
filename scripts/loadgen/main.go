package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Нагрузочный прогон приема заказов кухонной доски
// Запуск: go run scripts/loadgen/main.go
// Параметры через окружение: LOADGEN_URL, LOADGEN_RESTAURANT_ID,
// LOADGEN_CONCURRENCY, LOADGEN_DURATION_SEC, LOADGEN_TARGET_RPS

type intakeItem struct {
	MenuItemID uint   `json:"menu_item_id"`
	Quantity   int    `json:"quantity"`
	Notes      string `json:"notes,omitempty"`
}

type intakeOrder struct {
	RestaurantID string       `json:"restaurant_id"`
	TableNumber  int          `json:"table_number"`
	CustomerName string       `json:"customer_name,omitempty"`
	Items        []intakeItem `json:"items"`
}

var (
	totalRequests   int64
	successRequests int64
	failedRequests  int64
	totalLatency    int64
	minLatency      int64 = 999999999
	maxLatency      int64
	startTime       time.Time
)

func main() {
	url := envStr("LOADGEN_URL", "http://localhost:8080/api/v1/orders")
	restaurantID := envStr("LOADGEN_RESTAURANT_ID", "")
	concurrency := envInt("LOADGEN_CONCURRENCY", 50)
	duration := envInt("LOADGEN_DURATION_SEC", 10)
	targetRPS := envInt("LOADGEN_TARGET_RPS", 500)

	if restaurantID == "" {
		log.Fatal("❌ LOADGEN_RESTAURANT_ID обязателен (UUID ресторана из seed-скрипта)")
	}

	fmt.Printf("🚀 Нагрузочный прогон приема заказов\n")
	fmt.Printf("📍 URL: %s\n", url)
	fmt.Printf("🏠 Ресторан: %s\n", restaurantID)
	fmt.Printf("👥 Concurrency: %d горутин\n", concurrency)
	fmt.Printf("⏱️  Длительность: %d секунд\n", duration)
	fmt.Printf("🎯 Цель: %d запросов/сек\n", targetRPS)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

	order := intakeOrder{
		RestaurantID: restaurantID,
		TableNumber:  7,
		CustomerName: "Нагрузочный тест",
		Items: []intakeItem{
			{MenuItemID: 1, Quantity: 2},
			{MenuItemID: 2, Quantity: 1, Notes: "без лука"},
		},
	}

	orderJSON, err := json.Marshal(order)
	if err != nil {
		log.Fatalf("Ошибка создания JSON: %v", err)
	}

	stopChan := make(chan bool)
	var wg sync.WaitGroup

	startTime = time.Now()
	perWorker := targetRPS / concurrency
	if perWorker < 1 {
		perWorker = 1
	}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go worker(url, orderJSON, stopChan, &wg, perWorker)
	}

	go statsCollector()

	time.Sleep(time.Duration(duration) * time.Second)
	close(stopChan)
	wg.Wait()

	printFinalStats()
}

func worker(url string, orderJSON []byte, stopChan chan bool, wg *sync.WaitGroup, rpsPerWorker int) {
	defer wg.Done()

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	interval := time.Second / time.Duration(rpsPerWorker)
	if interval < time.Microsecond {
		interval = time.Microsecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			sendRequest(client, url, orderJSON)
		}
	}
}

func sendRequest(client *http.Client, url string, orderJSON []byte) {
	start := time.Now()

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(orderJSON))
	if err != nil {
		atomic.AddInt64(&failedRequests, 1)
		return
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddInt64(&failedRequests, 1)
		atomic.AddInt64(&totalRequests, 1)
		return
	}
	defer resp.Body.Close()

	latency := time.Since(start).Microseconds()
	atomic.AddInt64(&totalRequests, 1)

	if resp.StatusCode == http.StatusCreated {
		atomic.AddInt64(&successRequests, 1)
	} else {
		atomic.AddInt64(&failedRequests, 1)
	}

	atomic.AddInt64(&totalLatency, latency)

	for {
		old := atomic.LoadInt64(&minLatency)
		if latency >= old || atomic.CompareAndSwapInt64(&minLatency, old, latency) {
			break
		}
	}
	for {
		old := atomic.LoadInt64(&maxLatency)
		if latency <= old || atomic.CompareAndSwapInt64(&maxLatency, old, latency) {
			break
		}
	}
}

func statsCollector() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		elapsed := time.Since(startTime).Seconds()
		if elapsed == 0 {
			continue
		}

		total := atomic.LoadInt64(&totalRequests)
		success := atomic.LoadInt64(&successRequests)
		failed := atomic.LoadInt64(&failedRequests)
		currentRPS := float64(total) / elapsed

		avgLatency := int64(0)
		if total > 0 {
			avgLatency = atomic.LoadInt64(&totalLatency) / total
		}

		fmt.Printf("⏱️  [%.0fs] RPS: %.0f | Всего: %d | ✅ Успешно: %d | ❌ Ошибок: %d | ⚡ Средняя латентность: %d мкс\n",
			elapsed, currentRPS, total, success, failed, avgLatency)
	}
}

func printFinalStats() {
	elapsed := time.Since(startTime).Seconds()
	total := atomic.LoadInt64(&totalRequests)
	success := atomic.LoadInt64(&successRequests)
	failed := atomic.LoadInt64(&failedRequests)

	if total == 0 {
		fmt.Println("⚠️ Ни одного запроса не отправлено")
		return
	}

	avgRPS := float64(total) / elapsed
	successRate := float64(success) / float64(total) * 100
	avgLatency := atomic.LoadInt64(&totalLatency) / total

	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("📊 ФИНАЛЬНАЯ СТАТИСТИКА\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("⏱️  Время теста: %.2f секунд\n", elapsed)
	fmt.Printf("📈 Средний RPS: %.0f запросов/сек\n", avgRPS)
	fmt.Printf("📊 Всего запросов: %d\n", total)
	fmt.Printf("✅ Успешных: %d (%.2f%%)\n", success, successRate)
	fmt.Printf("❌ Ошибок: %d (%.2f%%)\n", failed, 100-successRate)
	fmt.Printf("⚡ Средняя латентность: %d мкс (%.2f мс)\n", avgLatency, float64(avgLatency)/1000)
	fmt.Printf("🚀 Минимальная латентность: %d мкс\n", atomic.LoadInt64(&minLatency))
	fmt.Printf("🐌 Максимальная латентность: %d мкс\n", atomic.LoadInt64(&maxLatency))
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
