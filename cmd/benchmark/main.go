package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	password    string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Committed or idempotent replays
	fail400       uint64 // Insufficient funds / invalid
	fail409       uint64 // Conflicts
	fail503       uint64 // Busy
	failOther     uint64
)

// Assumes the seeder ran: 500 users (seed_user_0000..) with 2 accounts each,
// account ids assigned sequentially from 1.
const (
	totalUsers      = 500
	accountsPerUser = 2
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.StringVar(&password, "password", "Replace-Me-123!", "Seed user password")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, i, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func login(client *http.Client, userIndex int) (string, error) {
	payload := map[string]string{
		"username": fmt.Sprintf("seed_user_%04d", userIndex),
		"password": password,
	}
	body, _ := json.Marshal(payload)
	resp, err := client.Post(targetURL+"/api/v1/users/login", "application/json", bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("login status %d", resp.StatusCode)
	}
	var out struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return strings.TrimPrefix(out.Message, "Bearer "), nil
}

func worker(wg *sync.WaitGroup, id int, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	userIndex := id % totalUsers
	token, err := login(client, userIndex)
	if err != nil {
		log.Printf("worker %d login failed: %v", id, err)
		return
	}

	for time.Since(start) < duration {
		from, to := generateAccounts(userIndex)
		key := fmt.Sprintf("bench-%d-%d-%d", from, to, time.Now().UnixNano())

		payload := map[string]interface{}{
			"from_account_id": from,
			"to_account_id":   to,
			"amount":          1.00,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/accounts/transfer", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 200:
			atomic.AddUint64(&success200, 1)
		case 400:
			atomic.AddUint64(&fail400, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		case 503:
			atomic.AddUint64(&fail503, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// generateAccounts picks a source owned by the worker's user and a random
// destination. Hotspot mode funnels 90% of destinations to account 1.
func generateAccounts(userIndex int) (int64, int64) {
	totalAccounts := totalUsers * accountsPerUser
	from := int64(userIndex*accountsPerUser + 1 + rand.Intn(accountsPerUser))

	if workload == "hotspot" && rand.Float32() < 0.90 && from != 1 {
		return from, 1
	}

	to := int64(rand.Intn(totalAccounts) + 1)
	for to == from {
		to = int64(rand.Intn(totalAccounts) + 1)
	}
	return from, to
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s200 := atomic.LoadUint64(&success200)
	f400 := atomic.LoadUint64(&fail400)
	f409 := atomic.LoadUint64(&fail409)
	f503 := atomic.LoadUint64(&fail503)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	busyRate := float64(f503) / float64(total) * 100

	results := map[string]interface{}{
		"workload":           workload,
		"duration_sec":       d.Seconds(),
		"total_requests":     total,
		"throughput_tps":     tps,
		"success":            s200,
		"insufficient_funds": f400,
		"conflicts":          f409,
		"busy":               f503,
		"busy_rate_pct":      busyRate,
		"errors":             fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
