// Command gridrpc-loadgen drives a fixed number of concurrent clients
// against a gridrpc server, each issuing send_recv calls back-to-back for
// a fixed duration, and reports throughput and error counts. It is meant
// to run against gridrpc-echo-server's call id 1.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridrpc/gridrpc/client"
	"github.com/gridrpc/gridrpc/config"
)

func main() {
	var (
		host        = flag.String("host", "127.0.0.1", "server host")
		port        = flag.Int("port", 8443, "server port")
		clients     = flag.Int("clients", 10, "number of concurrent client connections")
		duration    = flag.Duration("duration", 10*time.Second, "how long to generate load")
		payloadSize = flag.Int("payload-bytes", 64, "size in bytes of each send_recv payload")
		callID      = flag.Uint("call-id", 1, "call id to invoke")
	)
	flag.Parse()
	initLogger()

	cfg := config.ClientConfig{
		HostAddress:      *host,
		Port:             *port,
		MaxReadBytes:     4 << 20,
		SendAttempts:     1,
		SendAttemptDelay: 0,
	}
	timeouts := config.DefaultClientTimeouts()

	var (
		sent    atomic.Int64
		failed  atomic.Int64
		wg      sync.WaitGroup
		results = make(chan []time.Duration, *clients)
		payload = make([]byte, *payloadSize)
	)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			results <- runWorker(ctx, worker, cfg, timeouts, uint32(*callID), payload, &sent, &failed)
		}(i)
	}
	wg.Wait()
	close(results)
	elapsed := time.Since(start)

	var latencies []time.Duration
	for r := range results {
		latencies = append(latencies, r...)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	total := sent.Load()
	slog.Info("load generation complete",
		"clients", *clients,
		"duration", elapsed,
		"sent", total,
		"failed", failed.Load(),
		"calls_per_sec", float64(total)/elapsed.Seconds(),
		"p50", percentile(latencies, 0.50),
		"p95", percentile(latencies, 0.95),
		"p99", percentile(latencies, 0.99),
	)
}

// percentile returns the value at rank p (0 < p <= 1) of a slice already
// sorted ascending, or 0 if empty.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// runWorker issues send_recv calls back-to-back until ctx expires,
// recording each call's latency for the caller to aggregate into the
// run's overall percentiles.
func runWorker(ctx context.Context, worker int, cfg config.ClientConfig, timeouts config.ClientTimeouts, callID uint32, payload []byte, sent, failed *atomic.Int64) []time.Duration {
	cli := client.New(cfg, timeouts, nil)
	defer func() { _ = cli.Close() }()

	connectCtx, cancel := context.WithTimeout(context.Background(), timeouts.HandshakeTimeout)
	defer cancel()
	if err := cli.Connect(connectCtx); err != nil {
		slog.Error("worker failed to connect", "worker", worker, "error", err)
		return nil
	}

	var latencies []time.Duration
	for {
		select {
		case <-ctx.Done():
			return latencies
		default:
		}
		callCtx, callCancel := context.WithTimeout(ctx, timeouts.ResponseTimeout)
		callStart := time.Now()
		_, err := cli.SendRecv(callCtx, callID, payload)
		callCancel()
		if err != nil {
			failed.Add(1)
			continue
		}
		latencies = append(latencies, time.Since(callStart))
		sent.Add(1)
	}
}

func initLogger() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))
}
