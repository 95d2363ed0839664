// Concurrent benchmark for dflistd.
//
// Modes: list (rpush + lpop), blpop (rpush + non-blocking blpop), zset
// (zadd + zscore + zrem), and handoff, where each worker keeps a consumer
// parked in blpop and measures push-to-delivery latency.
//
// Each worker dials persistent TCP connections and uses the low-level
// client protocol, so the benchmark measures operation latency rather
// than TCP connection overhead.
//
// Usage:
//
//	go run ./cmd/bench [--mode list] [--workers 10] [--rounds 50] [--key bench] \
//	    [--servers host1:port1,host2:port2] [--connections 0]
package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mtingers/dflistd/client"
)

type workerFunc func(key, addr string, rounds, numConns int, extra workerExtra) ([]float64, error)

var modes = map[string]workerFunc{
	"list":    workerList,
	"blpop":   workerBLPop,
	"zset":    workerZSet,
	"handoff": workerHandoff,
}

func main() {
	mode := flag.String("mode", "list", "benchmark mode: list, blpop, zset, handoff")
	workers := flag.Int("workers", 10, "number of concurrent workers")
	rounds := flag.Int("rounds", 50, "operations per worker")
	key := flag.String("key", "bench", "key prefix")
	timeout := flag.Duration("timeout", 30*time.Second, "blocking pop timeout (blpop, handoff modes)")
	servers := flag.StringSlice("servers", []string{"127.0.0.1:6390"}, "comma-separated host:port pairs")
	connections := flag.Int("connections", 0, "connections per worker (0 = 1 persistent conn)")
	authToken := flag.String("auth-token", os.Getenv("DFLISTD_AUTH_TOKEN"), "auth token")
	flag.Parse()

	workerFn, ok := modes[*mode]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown mode: %s (valid: list, blpop, zset, handoff)\n", *mode)
		os.Exit(1)
	}

	addrs := make([]string, 0, len(*servers))
	for _, a := range *servers {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		fmt.Fprintln(os.Stderr, "no servers given")
		os.Exit(1)
	}

	connsPerWorker := *connections
	if connsPerWorker <= 0 {
		connsPerWorker = 1
	}

	fmt.Printf("bench: mode=%s, %d workers x %d rounds (key_prefix=%q, conns/worker=%d)\n\n",
		*mode, *workers, *rounds, *key, connsPerWorker)

	extra := workerExtra{timeout: *timeout, authToken: *authToken}
	results := make([][]float64, *workers)
	var g errgroup.Group

	wallStart := time.Now()
	for i := range *workers {
		g.Go(func() error {
			workerKey := fmt.Sprintf("%s_%d", *key, rand.IntN(9900000)+100000)
			addr := addrs[i%len(addrs)]
			lats, err := workerFn(workerKey, addr, *rounds, connsPerWorker, extra)
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			results[i] = lats
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	wall := time.Since(wallStart).Seconds()

	var all []float64
	for _, r := range results {
		all = append(all, r...)
	}
	if len(all) == 0 {
		fmt.Println("  no operations recorded")
		return
	}
	sort.Float64s(all)

	totalOps := len(all)
	mn := mean(all)
	fmt.Printf("  total ops : %d\n", totalOps)
	fmt.Printf("  wall time : %.3fs\n", wall)
	fmt.Printf("  throughput: %.1f ops/s\n", float64(totalOps)/wall)
	fmt.Println()
	fmt.Printf("  mean      : %.3f ms\n", mn*1000)
	fmt.Printf("  min       : %.3f ms\n", all[0]*1000)
	fmt.Printf("  max       : %.3f ms\n", all[totalOps-1]*1000)
	fmt.Printf("  p50       : %.3f ms\n", percentile(all, 50)*1000)
	fmt.Printf("  p99       : %.3f ms\n", percentile(all, 99)*1000)
	fmt.Printf("  stdev     : %.3f ms\n", stdev(all, mn)*1000)
}

// workerExtra holds mode-specific parameters.
type workerExtra struct {
	timeout   time.Duration
	authToken string
}

// dialConns opens numConns persistent connections to addr.
func dialConns(addr string, numConns int, extra workerExtra) ([]*client.Conn, error) {
	conns := make([]*client.Conn, 0, numConns)
	for range numConns {
		c, err := client.Dial(addr)
		if err != nil {
			closeConns(conns)
			return nil, fmt.Errorf("dial: %w", err)
		}
		conns = append(conns, c)
		if extra.authToken != "" {
			if err := client.Authenticate(c, extra.authToken); err != nil {
				closeConns(conns)
				return nil, err
			}
		}
	}
	return conns, nil
}

// closeConns closes all connections.
func closeConns(conns []*client.Conn) {
	for _, c := range conns {
		c.Close()
	}
}

// ---------------------------------------------------------------------------
// List mode: rpush + lpop per round (FIFO queue pattern)
// ---------------------------------------------------------------------------

func workerList(key, addr string, rounds, numConns int, extra workerExtra) ([]float64, error) {
	conns, err := dialConns(addr, numConns, extra)
	if err != nil {
		return nil, err
	}
	defer closeConns(conns)

	latencies := make([]float64, 0, rounds)
	for i := range rounds {
		c := conns[i%len(conns)]
		value := fmt.Sprintf("item_%d", i)
		t0 := time.Now()
		if _, err := client.RPush(c, key, value); err != nil {
			return nil, fmt.Errorf("rpush: %w", err)
		}
		if _, err := client.LPop(c, key); err != nil {
			return nil, fmt.Errorf("lpop: %w", err)
		}
		latencies = append(latencies, time.Since(t0).Seconds())
	}
	return latencies, nil
}

// ---------------------------------------------------------------------------
// BLPop mode: rpush + blpop that is satisfied without parking
// ---------------------------------------------------------------------------

func workerBLPop(key, addr string, rounds, numConns int, extra workerExtra) ([]float64, error) {
	conns, err := dialConns(addr, numConns, extra)
	if err != nil {
		return nil, err
	}
	defer closeConns(conns)

	latencies := make([]float64, 0, rounds)
	for i := range rounds {
		c := conns[i%len(conns)]
		t0 := time.Now()
		if _, err := client.RPush(c, key, fmt.Sprintf("item_%d", i)); err != nil {
			return nil, fmt.Errorf("rpush: %w", err)
		}
		if _, _, err := client.BLPop(c, []string{key}, extra.timeout); err != nil {
			return nil, fmt.Errorf("blpop: %w", err)
		}
		latencies = append(latencies, time.Since(t0).Seconds())
	}
	return latencies, nil
}

// ---------------------------------------------------------------------------
// ZSet mode: zadd + zscore + zrem per round
// ---------------------------------------------------------------------------

func workerZSet(key, addr string, rounds, numConns int, extra workerExtra) ([]float64, error) {
	conns, err := dialConns(addr, numConns, extra)
	if err != nil {
		return nil, err
	}
	defer closeConns(conns)

	latencies := make([]float64, 0, rounds)
	for i := range rounds {
		c := conns[i%len(conns)]
		member := fmt.Sprintf("m_%d", i)
		t0 := time.Now()
		if _, err := client.ZAdd(c, key, float64(i), member); err != nil {
			return nil, fmt.Errorf("zadd: %w", err)
		}
		if _, err := client.ZScore(c, key, member); err != nil {
			return nil, fmt.Errorf("zscore: %w", err)
		}
		if _, err := client.ZRem(c, key, member); err != nil {
			return nil, fmt.Errorf("zrem: %w", err)
		}
		latencies = append(latencies, time.Since(t0).Seconds())
	}
	return latencies, nil
}

// ---------------------------------------------------------------------------
// Handoff mode: a consumer parks in blpop, the producer pushes, and the
// latency is push start to the consumer receiving the item.
// ---------------------------------------------------------------------------

func workerHandoff(key, addr string, rounds, _ int, extra workerExtra) ([]float64, error) {
	conns, err := dialConns(addr, 2, extra)
	if err != nil {
		return nil, err
	}
	defer closeConns(conns)
	producer, consumer := conns[0], conns[1]

	type received struct {
		at  time.Time
		err error
	}
	got := make(chan received)
	go func() {
		defer close(got)
		for range rounds {
			_, _, err := client.BLPop(consumer, []string{key}, extra.timeout)
			got <- received{at: time.Now(), err: err}
			if err != nil {
				return
			}
		}
	}()

	latencies := make([]float64, 0, rounds)
	for i := range rounds {
		// Give the consumer a moment to park so the item is handed off
		// rather than found already queued.
		time.Sleep(time.Millisecond)
		t0 := time.Now()
		if _, err := client.RPush(producer, key, fmt.Sprintf("item_%d", i)); err != nil {
			return nil, fmt.Errorf("rpush: %w", err)
		}
		r, ok := <-got
		if !ok {
			return nil, fmt.Errorf("consumer stopped early")
		}
		if r.err != nil {
			return nil, fmt.Errorf("blpop: %w", r.err)
		}
		latencies = append(latencies, r.at.Sub(t0).Seconds())
	}
	return latencies, nil
}
