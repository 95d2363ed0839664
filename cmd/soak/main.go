// Long-running soak test for dflistd.
//
// Exercises lists, blocking pops, abandoned waits, sorted sets and the
// high-level Queue in a loop, checking for correctness after each round and
// querying stats to detect leaked waiters or keys. Runs until interrupted.
//
// Usage:
//
//	go run ./cmd/soak [--server 127.0.0.1:6390] [--workers 4] [--rounds-per-cycle 20]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mtingers/dflistd/client"
)

var log = slog.New(slog.NewTextHandler(os.Stderr, nil))

func main() {
	addr := flag.String("server", "127.0.0.1:6390", "dflistd server address")
	workers := flag.Int("workers", 4, "concurrent workers per feature test")
	roundsPerCycle := flag.Int("rounds-per-cycle", 20, "operations per worker per cycle")
	flag.Parse()

	log.Info("soak starting", "server", *addr, "workers", *workers, "rounds_per_cycle", *roundsPerCycle)
	log.Info("press Ctrl-C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cycle int
	for ctx.Err() == nil {
		cycle++
		t0 := time.Now()

		// Each cycle uses a unique prefix to avoid collisions.
		prefix := fmt.Sprintf("soak_%d_%d", cycle, rand.IntN(999999))

		runTest("lists", func() error {
			return testLists(*addr, prefix, *workers, *roundsPerCycle)
		})
		runTest("blocking-pop", func() error {
			return testBlockingPop(*addr, prefix, *workers, *roundsPerCycle)
		})
		runTest("abandoned-waits", func() error {
			return testAbandonedWaits(*addr, prefix, *workers)
		})
		runTest("sorted-sets", func() error {
			return testSortedSets(*addr, prefix, *workers, *roundsPerCycle)
		})
		runTest("queue", func() error {
			return testQueue(ctx, *addr, prefix, *workers, *roundsPerCycle)
		})

		// After all cleanup, verify nothing leaked.
		runTest("stats-check", func() error {
			return checkStats(*addr, prefix)
		})

		log.Info("cycle complete", "cycle", cycle, "elapsed", time.Since(t0).Round(time.Millisecond))
	}
	log.Info("soak stopped", "cycles", cycle)
}

func runTest(name string, fn func() error) {
	if err := fn(); err != nil {
		log.Error("FAIL", "test", name, "err", err)
		os.Exit(1)
	}
}

func dial(addr string) (*client.Conn, error) {
	c, err := client.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Lists: push, range and FIFO pop on per-worker keys
// ---------------------------------------------------------------------------

func testLists(addr, prefix string, workers, rounds int) error {
	var g errgroup.Group
	for id := range workers {
		g.Go(func() error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			key := fmt.Sprintf("%s_list_%d", prefix, id)
			for r := range rounds {
				n, err := client.RPush(c, key, fmt.Sprintf("item_%d", r))
				if err != nil {
					return fmt.Errorf("rpush round %d: %w", r, err)
				}
				if n != r+1 {
					return fmt.Errorf("rpush round %d: length %d, want %d", r, n, r+1)
				}
			}

			items, err := client.LRange(c, key, 0, -1)
			if err != nil {
				return fmt.Errorf("lrange: %w", err)
			}
			if len(items) != rounds {
				return fmt.Errorf("lrange: got %d items, want %d", len(items), rounds)
			}

			for r := range rounds {
				val, err := client.LPop(c, key)
				if err != nil {
					return fmt.Errorf("lpop round %d: %w", r, err)
				}
				if want := fmt.Sprintf("item_%d", r); val != want {
					return fmt.Errorf("lpop round %d: got %q, want %q", r, val, want)
				}
			}

			if _, err := client.LPop(c, key); !errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("lpop on empty: got %v, want ErrNotFound", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ---------------------------------------------------------------------------
// Blocking pop: one consumer per worker waits on two keys while a producer
// alternates between them
// ---------------------------------------------------------------------------

func testBlockingPop(addr, prefix string, workers, rounds int) error {
	var g errgroup.Group
	for id := range workers {
		keys := []string{
			fmt.Sprintf("%s_bpop_%d_a", prefix, id),
			fmt.Sprintf("%s_bpop_%d_b", prefix, id),
		}

		g.Go(func() error {
			c, err := dial(addr)
			if err != nil {
				return fmt.Errorf("consumer %w", err)
			}
			defer c.Close()

			for r := range rounds {
				key, val, err := client.BLPop(c, keys, 10*time.Second)
				if err != nil {
					return fmt.Errorf("blpop round %d: %w", r, err)
				}
				if want := fmt.Sprintf("item_%d", r); val != want {
					return fmt.Errorf("blpop round %d: got %q, want %q", r, val, want)
				}
				if want := keys[r%2]; key != want {
					return fmt.Errorf("blpop round %d: key %q, want %q", r, key, want)
				}
			}
			return nil
		})

		g.Go(func() error {
			// Small delay so the consumer is likely blocking.
			time.Sleep(10 * time.Millisecond)

			c, err := dial(addr)
			if err != nil {
				return fmt.Errorf("producer %w", err)
			}
			defer c.Close()

			for r := range rounds {
				if _, err := client.RPush(c, keys[r%2], fmt.Sprintf("item_%d", r)); err != nil {
					return fmt.Errorf("rpush round %d: %w", r, err)
				}
				// Wait for the consumer so the next item cannot overtake
				// this one on the other key.
				for {
					n, err := client.LLen(c, keys[r%2])
					if err != nil {
						return fmt.Errorf("llen round %d: %w", r, err)
					}
					if n == 0 {
						break
					}
					time.Sleep(time.Millisecond)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// ---------------------------------------------------------------------------
// Abandoned waits: clients hang up or time out mid-wait; afterwards a pushed
// item must stay in the list instead of vanishing into a dead waiter
// ---------------------------------------------------------------------------

func testAbandonedWaits(addr, prefix string, workers int) error {
	key := prefix + "_abandon"
	var g errgroup.Group
	for id := range workers {
		g.Go(func() error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			if id%2 == 0 {
				_, _, err := client.BLPop(c, []string{key}, 20*time.Millisecond)
				c.Close()
				if !errors.Is(err, client.ErrTimeout) {
					return fmt.Errorf("blpop: got %v, want ErrTimeout", err)
				}
				return nil
			}
			// Hang up while parked.
			time.AfterFunc(20*time.Millisecond, func() { c.Close() })
			client.BLPop(c, []string{key}, 0)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c, err := dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if waiters, err := waitersOn(c, prefix); err != nil {
			return err
		} else if waiters == 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("abandoned waiters still registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := client.RPush(c, key, "kept"); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	val, err := client.LPop(c, key)
	if err != nil {
		return fmt.Errorf("lpop: %w", err)
	}
	if val != "kept" {
		return fmt.Errorf("lpop: got %q, want %q", val, "kept")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Sorted sets: add, score, remove on a shared key
// ---------------------------------------------------------------------------

func testSortedSets(addr, prefix string, workers, rounds int) error {
	key := prefix + "_zset"
	var g errgroup.Group
	for id := range workers {
		g.Go(func() error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			for r := range rounds {
				member := fmt.Sprintf("w%d_m%d", id, r)
				score := float64(id*rounds+r) + 0.5
				if _, err := client.ZAdd(c, key, score, member); err != nil {
					return fmt.Errorf("zadd round %d: %w", r, err)
				}
				got, err := client.ZScore(c, key, member)
				if err != nil {
					return fmt.Errorf("zscore round %d: %w", r, err)
				}
				if got != score {
					return fmt.Errorf("zscore round %d: got %v, want %v", r, got, score)
				}
				removed, err := client.ZRem(c, key, member)
				if err != nil {
					return fmt.Errorf("zrem round %d: %w", r, err)
				}
				if !removed {
					return fmt.Errorf("zrem round %d: member missing", r)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c, err := dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	n, err := client.ZCard(c, key)
	if err != nil {
		return fmt.Errorf("zcard: %w", err)
	}
	if n != 0 {
		return fmt.Errorf("zcard: got %d, want 0", n)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Queue: competing consumers must see every item exactly once
// ---------------------------------------------------------------------------

func testQueue(ctx context.Context, addr, prefix string, workers, rounds int) error {
	key := prefix + "_queue"
	total := workers * rounds
	got := make(chan string, total)

	g, gctx := errgroup.WithContext(ctx)
	consumeCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	for range workers {
		g.Go(func() error {
			q := &client.Queue{Key: key, Servers: []string{addr}}
			defer q.Close()
			for {
				v, err := q.Pop(consumeCtx)
				if err != nil {
					if consumeCtx.Err() != nil {
						return nil
					}
					return fmt.Errorf("queue pop: %w", err)
				}
				got <- v
			}
		})
	}

	g.Go(func() error {
		q := &client.Queue{Key: key, Servers: []string{addr}}
		defer q.Close()
		for i := range total {
			if _, err := q.Push(fmt.Sprintf("job_%d", i)); err != nil {
				return fmt.Errorf("queue push: %w", err)
			}
		}
		return nil
	})

	seen := make(map[string]bool, total)
	timeout := time.After(10 * time.Second)
	var err error
collect:
	for len(seen) < total {
		select {
		case v := <-got:
			if seen[v] {
				err = fmt.Errorf("queue: %q delivered twice", v)
				break collect
			}
			seen[v] = true
		case <-timeout:
			err = fmt.Errorf("queue: got %d of %d items", len(seen), total)
			break collect
		case <-gctx.Done():
			break collect
		}
	}
	cancel()
	if werr := g.Wait(); werr != nil {
		return werr
	}
	return err
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// waitersOn counts clients blocked on keys carrying prefix.
func waitersOn(c *client.Conn, prefix string) (int, error) {
	st, err := client.GetStats(c)
	if err != nil {
		return 0, fmt.Errorf("stats: %w", err)
	}
	var n int
	for _, k := range st.Broker.Keys {
		if strings.HasPrefix(k.Key, prefix) {
			n += k.Waiters
		}
	}
	return n, nil
}

func checkStats(addr, prefix string) error {
	c, err := dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	// Abandoned queue consumers are dropped asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := waitersOn(c, prefix)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("leaked waiters: %d on prefix %q", n, prefix)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Every key this cycle touched was drained, so none may remain.
	for _, suffix := range []string{"_abandon", "_zset", "_queue"} {
		typ, err := client.Type(c, prefix+suffix)
		if err != nil {
			return fmt.Errorf("type: %w", err)
		}
		if typ != "none" {
			return fmt.Errorf("leaked key %q (%s)", prefix+suffix, typ)
		}
	}
	return nil
}
