// http-loadgen is a tiny, dependency-free HTTP load generator for exercising
// a running pma-gateway instance. It reuses HTTP connections (keep-alive)
// and supports concurrency so demo scripts run fast without depending on an
// external tool such as hey or vegeta.
//
// Modes:
//   - raw:    hammer a single path (default /healthz) with no admission
//     handshake, useful for measuring the accept-loop's own overhead.
//   - admit:  complete the proof-of-work handshake once, before the workers
//     start, against a single bound port, then hammer the now-allowed catch-all path --
//     useful for measuring steady-state proxied throughput once clients
//     are past admission.
//
// Usage examples:
//
//	http-loadgen -base=http://127.0.0.1:9001 -mode=raw -path=/healthz -n=5000 -c=16
//	http-loadgen -base=http://127.0.0.1:9001 -mode=admit -api-url=/pma_api -js-url=/pma_factors -n=2000 -c=8
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/challenge"
)

type modeType string

const (
	modeRaw   modeType = "raw"
	modeAdmit modeType = "admit"
)

func main() {
	var (
		base  = flag.String("base", "http://127.0.0.1:9001", "Base URL of a bound pma-gateway listener")
		path  = flag.String("path", "/healthz", "Request path to hammer in raw mode")
		apiURL = flag.String("api-url", "/pma_api", "Gateway verify endpoint, for admit mode")
		jsURL  = flag.String("js-url", "/pma_factors", "Gateway worker-script endpoint, for admit mode")
		modeS = flag.String("mode", string(modeRaw), "Mode: raw|admit")
		N     = flag.Int("n", 5000, "Total requests to send per worker phase")
		conc  = flag.Int("c", 8, "Number of concurrent workers")

		timeout    = flag.Duration("timeout", 30*time.Second, "Overall timeout for the loadgen run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeRaw && m != modeAdmit {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want raw|admit)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}

	baseURL := strings.TrimRight(*base, "/")
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 10 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if m == modeAdmit {
		if err := admitAll(ctx, client, baseURL, *apiURL, *jsURL, *conc); err != nil {
			fmt.Fprintf(os.Stderr, "admission handshake failed: %v\n", err)
			os.Exit(1)
		}
	}

	targetPath := *path
	if m == modeAdmit {
		targetPath = "/"
	}
	fullPath := baseURL + prefixSlash(targetPath)

	start := time.Now()
	var done int64

	worker := func(count int) {
		defer atomic.AddInt64(&done, int64(count))
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, fullPath, nil)
			resp, err := client.Do(req)
			if err == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
			} else {
				time.Sleep(200 * time.Microsecond)
			}
		}
	}

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
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s\n", m, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops)
}

// admitAll fetches the challenge shell, solves it, and verifies once --
// sequentially, since every client targets the same (addr, port) pair and
// admission is granted once for the whole pair, not per connection.
func admitAll(ctx context.Context, client *http.Client, baseURL, apiURL, jsURL string, workers int) error {
	resp, err := client.Get(baseURL + "/")
	if err != nil {
		return fmt.Errorf("fetch challenge shell: %w", err)
	}
	shell, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read challenge shell: %w", err)
	}

	workerURL := extractBetween(string(shell), prefixSlash(jsURL)+"?id=", `"`)
	if workerURL == "" {
		return fmt.Errorf("no %s?id=... link found in challenge shell (already admitted?)", jsURL)
	}

	resp, err = client.Get(baseURL + prefixSlash(jsURL) + "?id=" + workerURL)
	if err != nil {
		return fmt.Errorf("fetch worker script: %w", err)
	}
	script, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read worker script: %w", err)
	}

	encoded := extractBetween(string(script), `const encodedValue = "`, `"`)
	challengeID := extractBetween(string(script), `"id": "`, `"`)
	if encoded == "" || challengeID == "" {
		return fmt.Errorf("could not locate encodedValue/id in worker script")
	}

	n, err := challenge.DecodeDecimal([]byte(encoded))
	if err != nil {
		return fmt.Errorf("decode challenge integer: %w", err)
	}
	factors := factorize(n)

	payload, _ := json.Marshal(map[string]string{"type": "factors", "id": challengeID, "factors": factors})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+prefixSlash(apiURL), strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	resp, err = client.Do(req)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("verify returned %d: %s", resp.StatusCode, body)
	}
	fmt.Printf("admitted: %s workers will now reuse this allowance\n", fmt.Sprint(workers))
	return nil
}

// factorize reimplements trial-division factoring client-side, mirroring
// what the browser worker would compute, so this tool never needs to
// shell out to a browser to drive the admit mode.
func factorize(n *big.Int) string {
	remaining := new(big.Int).Set(n)
	one := big.NewInt(1)
	factor := big.NewInt(2)
	mod := new(big.Int)

	var primes []int64
	mult := make(map[int64]int)
	for remaining.Cmp(one) > 0 {
		mod.Mod(remaining, factor)
		if mod.Sign() == 0 {
			f := factor.Int64()
			if mult[f] == 0 {
				primes = append(primes, f)
			}
			mult[f]++
			remaining.Div(remaining, factor)
			continue
		}
		factor.Add(factor, one)
	}

	tokens := make([]string, 0, len(primes))
	for _, p := range primes {
		tokens = append(tokens, fmt.Sprintf("%dx%d", p, mult[p]))
	}
	return strings.Join(tokens, " ")
}

func extractBetween(s, left, right string) string {
	i := strings.Index(s, left)
	if i < 0 {
		return ""
	}
	s = s[i+len(left):]
	j := strings.IndexAny(s, right)
	if j < 0 {
		return ""
	}
	return s[:j]
}

func prefixSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
