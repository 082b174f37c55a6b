package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the load-generator settings. The generator hammers one
// hot book with concurrent issue/return cycles: with fewer copies than
// workers, most issues must fail with a conflict and the availability
// count must stay consistent — which is exactly what we want to observe.
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	bookID      string
)

// Metrics
var (
	totalRequests uint64
	issued        uint64
	returned      uint64
	noCopy        uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&bookID, "book", "", "Hot book ID to contend on (required)")
}

func main() {
	flag.Parse()
	if bookID == "" {
		log.Fatal("-book is required")
	}
	log.Printf("Starting load: book=%s | Workers: %d | Duration: %s", bookID, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, fmt.Sprintf("loadgen-user-%d", i))
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, borrowerID string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		loanID, ok := issue(client, borrowerID)
		if !ok {
			continue
		}
		ret(client, loanID)
	}
}

func issue(client *http.Client, borrowerID string) (string, bool) {
	payload := map[string]string{"borrower_id": borrowerID, "book_id": bookID}
	body, _ := json.Marshal(payload)

	resp, err := client.Post(targetURL+"/api/v1/loans", "application/json", bytes.NewBuffer(body))
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return "", false
	}
	defer resp.Body.Close()
	atomic.AddUint64(&totalRequests, 1)

	switch resp.StatusCode {
	case 201:
		atomic.AddUint64(&issued, 1)
		var loan struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&loan); err != nil {
			atomic.AddUint64(&failOther, 1)
			return "", false
		}
		return loan.ID, true
	case 409:
		atomic.AddUint64(&noCopy, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
	return "", false
}

func ret(client *http.Client, loanID string) {
	req, _ := http.NewRequest("PUT", targetURL+"/api/v1/loans/"+loanID+"/return", nil)
	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	defer resp.Body.Close()
	atomic.AddUint64(&totalRequests, 1)

	if resp.StatusCode == 200 {
		atomic.AddUint64(&returned, 1)
	} else {
		atomic.AddUint64(&failOther, 1)
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)

	results := map[string]interface{}{
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_rps": float64(total) / d.Seconds(),
		"issued":         atomic.LoadUint64(&issued),
		"returned":       atomic.LoadUint64(&returned),
		"no_copy":        atomic.LoadUint64(&noCopy),
		"errors":         atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)
}
