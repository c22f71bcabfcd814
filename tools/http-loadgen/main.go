// http-loadgen is a tiny, dependency-free HTTP load generator for the limit
// cache daemon. It reuses HTTP connections (keep-alive) and supports
// concurrency so smoke tests run fast on any platform without external tools.
//
// It POSTs JSON consume requests and tallies the three business outcomes
// (success, insufficient, error) separately from transport failures, so a
// run against an exhausted limit still reads as a healthy server.
//
// Usage examples:
//
//	http-loadgen -base=http://127.0.0.1:8080 -n=5000 -c=16
//	http-loadgen -base=http://127.0.0.1:8080 -n=5000 -c=16 -direct
//	http-loadgen -base=http://127.0.0.1:8080 -date=2026-08-24 -amount=250
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type consumeBody struct {
	Date          string `json:"date,omitempty"`
	Amount        int64  `json:"amount"`
	ForceDirectDB bool   `json:"forceDirectDb,omitempty"`
}

type consumeReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func main() {
	var (
		base   = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host")
		date   = flag.String("date", "", "Consume date YYYY-MM-DD (empty = server-side today)")
		amount = flag.Int64("amount", 100, "Amount per consume request")
		direct = flag.Bool("direct", false, "Force the direct DB path (forceDirectDb=true)")
		N      = flag.Int("n", 5000, "Total requests to send")
		conc   = flag.Int("c", 8, "Number of concurrent workers")
		// Timeouts & transport tuning
		timeout    = flag.Duration("timeout", 60*time.Second, "Overall timeout for the loadgen run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if *amount <= 0 {
		fmt.Fprintln(os.Stderr, "-amount must be > 0")
		os.Exit(2)
	}

	body, _ := json.Marshal(consumeBody{Date: *date, Amount: *amount, ForceDirectDB: *direct})
	target := *base + "/consume"

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var success, insufficient, bizErr, transportErr int64

	worker := func(count int) {
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&transportErr, 1)
				// Brief backoff on errors to avoid hot spinning
				time.Sleep(200 * time.Microsecond)
				continue
			}
			var reply consumeReply
			decErr := json.NewDecoder(resp.Body).Decode(&reply)
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			switch {
			case decErr != nil || resp.StatusCode != http.StatusOK:
				atomic.AddInt64(&transportErr, 1)
			case reply.Success:
				atomic.AddInt64(&success, 1)
			case reply.Message == "Insufficient limit":
				atomic.AddInt64(&insufficient, 1)
			default:
				atomic.AddInt64(&bizErr, 1)
			}
		}
	}

	start := time.Now()

	// Split N across conc workers
	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(n int) {
			defer wg.Done()
			worker(n)
		}(count)
	}
	wg.Wait()

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(*N) / elapsed.Seconds()
	mode := "cache"
	if *direct {
		mode = "direct_db"
	}
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s\n",
		mode, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops)
	fmt.Printf("Outcomes: success=%d insufficient=%d error=%d transport=%d\n",
		success, insufficient, bizErr, transportErr)
}
