package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	addr    string
	n       int
	conc    int
	valSize int
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Publish load against a zephyrcast node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := run(cmd.Context(), o)
			if err != nil {
				return err
			}
			res.print(cmd.OutOrStdout())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", "http://localhost:8080", "node HTTP address")
	f.IntVarP(&o.n, "requests", "n", 5000, "events to publish")
	f.IntVarP(&o.conc, "concurrency", "c", 32, "concurrent publishers")
	f.IntVar(&o.valSize, "val", 128, "payload size in bytes")
	f.DurationVar(&o.timeout, "timeout", 5*time.Second, "per-request timeout")
	return cmd
}

type result struct {
	ok, failed int64
	elapsed    time.Duration
	latencies  []time.Duration
}

func (r result) print(w io.Writer) {
	total := r.ok + r.failed
	fmt.Fprintf(w, "Published %d events (%d failed) in %s (%.2f ops/s)\n",
		total, r.failed, r.elapsed, float64(total)/r.elapsed.Seconds())
	if len(r.latencies) == 0 {
		return
	}
	sort.Slice(r.latencies, func(i, j int) bool { return r.latencies[i] < r.latencies[j] })
	pct := func(p float64) time.Duration { return r.latencies[int(p*float64(len(r.latencies)-1))] }
	fmt.Fprintf(w, "latency p50=%s p90=%s p99=%s\n", pct(0.50), pct(0.90), pct(0.99))
}

func run(ctx context.Context, o options) (result, error) {
	if o.n <= 0 || o.conc <= 0 {
		return result{}, fmt.Errorf("requests and concurrency must be positive")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	client := &http.Client{Timeout: o.timeout}

	var (
		wg        sync.WaitGroup
		ok, fail  atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, o.n)
		ch        = make(chan struct{}, o.conc)
	)
	start := time.Now()
	for i := 0; i < o.n; i++ {
		wg.Add(1)
		ch <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-ch }()
			payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, o.valSize)
			t0 := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.addr+"/publish", bytes.NewReader(payload))
			if err != nil {
				fail.Add(1)
				return
			}
			req.Header.Set("Content-Type", "application/octet-stream")
			resp, err := client.Do(req)
			if err != nil {
				fail.Add(1)
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				fail.Add(1)
				return
			}
			ok.Add(1)
			d := time.Since(t0)
			mu.Lock()
			latencies = append(latencies, d)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return result{ok: ok.Load(), failed: fail.Load(), elapsed: time.Since(start), latencies: latencies}, nil
}
