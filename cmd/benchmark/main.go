package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/barterops/internal/logging"
	"go.uber.org/zap"
)

// Config holds the benchmark settings
var (
	targetURL     string
	concurrency   int
	racers        int
	duration      time.Duration
	workload      string
	openingPoints int64

	// logger writes to stderr; stdout carries only the results JSON.
	logger *zap.Logger
)

// Metrics
var (
	totalAccepts   uint64
	settled        uint64 // 200, first accept
	alreadySettled uint64 // 200 with already_settled
	conflict409    uint64 // lock conflicts after retries / invalid state
	refused422     uint64 // insufficient balance
	failOther      uint64
	proposals      uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.IntVar(&racers, "racers", 4, "Concurrent accept calls fired per trade")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.Int64Var(&openingPoints, "balance", 1_000_000, "Opening balance of each benchmark organization")
}

type pair struct {
	requester, responder uuid.UUID
	offer, want          uuid.UUID
}

func main() {
	flag.Parse()

	var err error
	logger, err = logging.New(os.Getenv("ENVIRONMENT"), os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting benchmark",
		zap.String("workload", workload),
		zap.Int("workers", concurrency),
		zap.Int("racers", racers),
		zap.Duration("duration", duration),
	)

	client := &http.Client{Timeout: 5 * time.Second}

	// Hotspot: every worker trades between the same two organizations, so all
	// settlements contend on the same two balance rows.
	var shared *pair
	if workload == "hotspot" {
		p := mustPair(client)
		shared = &p
	}

	pairs := make([]pair, concurrency)
	for i := range pairs {
		if shared != nil {
			pairs[i] = *shared
		} else {
			pairs[i] = mustPair(client)
		}
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, client, pairs[i], start)
	}
	wg.Wait()

	printResults(time.Since(start), client, pairs)
}

func worker(wg *sync.WaitGroup, client *http.Client, p pair, start time.Time) {
	defer wg.Done()

	for time.Since(start) < duration {
		tradeID, err := propose(client, p)
		if err != nil {
			logger.Debug("propose failed", zap.Error(err))
			atomic.AddUint64(&failOther, 1)
			continue
		}
		atomic.AddUint64(&proposals, 1)

		// Fire several accepts at once; exactly one may settle.
		var race sync.WaitGroup
		race.Add(racers)
		for i := 0; i < racers; i++ {
			go func() {
				defer race.Done()
				accept(client, p.responder, tradeID)
			}()
		}
		race.Wait()
	}
}

func propose(client *http.Client, p pair) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"requested_listing_id": p.want,
		"return_listing_id":    p.offer,
		"extra_points":         1,
	})
	req, _ := http.NewRequest("POST", targetURL+"/api/v1/trades", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Organization-ID", p.requester.String())
	req.Header.Set("Idempotency-Key", fmt.Sprintf("bench-%s-%d", p.requester, time.Now().UnixNano()))

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("propose returned %d", resp.StatusCode)
	}
	var t struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return "", err
	}
	return t.ID, nil
}

func accept(client *http.Client, responder uuid.UUID, tradeID string) {
	req, _ := http.NewRequest("POST", targetURL+"/api/v1/trades/"+tradeID+"/accept", nil)
	req.Header.Set("X-Organization-ID", responder.String())

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	defer resp.Body.Close()

	atomic.AddUint64(&totalAccepts, 1)
	switch resp.StatusCode {
	case 200:
		var out struct {
			AlreadySettled bool `json:"already_settled"`
		}
		json.NewDecoder(resp.Body).Decode(&out)
		if out.AlreadySettled {
			atomic.AddUint64(&alreadySettled, 1)
		} else {
			atomic.AddUint64(&settled, 1)
		}
	case 409:
		atomic.AddUint64(&conflict409, 1)
	case 422:
		atomic.AddUint64(&refused422, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func mustPair(client *http.Client) pair {
	a := mustPost[idBody](client, "/api/v1/organizations", uuid.Nil, map[string]any{"name": "bench-requester", "opening_balance": openingPoints})
	b := mustPost[idBody](client, "/api/v1/organizations", uuid.Nil, map[string]any{"name": "bench-responder", "opening_balance": openingPoints})
	offer := mustPost[idBody](client, "/api/v1/listings", a.ID, map[string]any{"title": "bench offer", "points_value": 300})
	want := mustPost[idBody](client, "/api/v1/listings", b.ID, map[string]any{"title": "bench want", "points_value": 500})
	return pair{requester: a.ID, responder: b.ID, offer: offer.ID, want: want.ID}
}

type idBody struct {
	ID uuid.UUID `json:"id"`
}

func mustPost[T any](client *http.Client, path string, actor uuid.UUID, payload any) T {
	var out T
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", targetURL+path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if actor != uuid.Nil {
		req.Header.Set("X-Organization-ID", actor.String())
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Fatal("setup request failed", zap.String("path", path), zap.Error(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		logger.Fatal("setup request refused", zap.String("path", path), zap.Int("status", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		logger.Fatal("setup response decode failed", zap.String("path", path), zap.Error(err))
	}
	return out
}

func balanceOf(client *http.Client, org uuid.UUID) int64 {
	resp, err := client.Get(targetURL + "/api/v1/organizations/" + org.String() + "/balance")
	if err != nil {
		return -1
	}
	defer resp.Body.Close()
	var out struct {
		Balance int64 `json:"balance"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return out.Balance
}

func printResults(d time.Duration, client *http.Client, pairs []pair) {
	total := atomic.LoadUint64(&totalAccepts)
	props := atomic.LoadUint64(&proposals)
	s := atomic.LoadUint64(&settled)

	// Conservation: the sum of all benchmark balances must be unchanged.
	seen := map[uuid.UUID]bool{}
	var sum int64
	for _, p := range pairs {
		for _, org := range []uuid.UUID{p.requester, p.responder} {
			if !seen[org] {
				seen[org] = true
				sum += balanceOf(client, org)
			}
		}
	}
	expected := int64(len(seen)) * openingPoints

	results := map[string]interface{}{
		"workload":             workload,
		"duration_sec":         d.Seconds(),
		"proposals":            props,
		"accept_requests":      total,
		"throughput_tps":       float64(total) / d.Seconds(),
		"settled":              s,
		"already_settled":      atomic.LoadUint64(&alreadySettled),
		"conflicts":            atomic.LoadUint64(&conflict409),
		"refused":              atomic.LoadUint64(&refused422),
		"errors":               atomic.LoadUint64(&failOther),
		"double_settlements":   s > props,
		"points_conserved":     sum == expected,
		"balance_sum":          sum,
		"balance_sum_expected": expected,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		logger.Warn("could not write results file", zap.String("file", filename), zap.Error(err))
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
	logger.Info("benchmark finished", zap.String("file", filename), zap.Bool("points_conserved", sum == expected))
}
