package broker

import (
	"context"
	"sort"
)

type KeyInfo struct {
	Key     string `json:"key"`
	Waiters int    `json:"waiters"`
}

// Stats describes the broker at one point in time. Waiting, Keys, Stale and
// Pending are only filled in while the loop is running. Keys lists only live
// waiters; Stale counts abandoned queue entries the sweep has yet to drop.
type Stats struct {
	Running   bool      `json:"running"`
	Waiting   int       `json:"waiting"`
	Keys      []KeyInfo `json:"keys"`
	Stale     int       `json:"stale"`
	Pending   int       `json:"pending_events"`
	Starts    uint64    `json:"loop_starts"`
	Delivered uint64    `json:"delivered"`
	Expired   uint64    `json:"expired"`
	Swept     uint64    `json:"swept"`
}

// Stats asks the loop for a snapshot of its registries. When the loop is
// idle only the counters are reported.
func (b *Broker) Stats(ctx context.Context) *Stats {
	reply := make(chan *Stats, 1)

	b.mu.Lock()
	running := b.cur != nil && !b.closed
	if running {
		b.submit(b.cur, statsEvent{reply: reply})
	}
	b.mu.Unlock()

	if running {
		select {
		case s := <-reply:
			return s
		case <-ctx.Done():
		case <-b.closing:
		}
	}
	s := &Stats{Keys: []KeyInfo{}}
	b.fillCounters(s)
	return s
}

func (b *Broker) fillCounters(s *Stats) {
	s.Starts = b.starts.Load()
	s.Delivered = b.delivered.Load()
	s.Expired = b.expired.Load()
	s.Swept = b.swept.Load()
}

func (b *Broker) snapshot(r *run) *Stats {
	st := r.st
	s := &Stats{
		Running: true,
		Waiting: len(st.sessions),
		Keys:    make([]KeyInfo, 0, len(st.queues)),
		Pending: int(r.pending.Load()),
	}
	for key, q := range st.queues {
		live := 0
		for _, o := range q {
			if o.Status() == waitingForResult {
				live++
			}
		}
		s.Stale += len(q) - live
		if live > 0 {
			s.Keys = append(s.Keys, KeyInfo{Key: key, Waiters: live})
		}
	}
	sort.Slice(s.Keys, func(i, j int) bool { return s.Keys[i].Key < s.Keys[j].Key })
	b.fillCounters(s)
	return s
}
