package ledger

import (
	"container/heap"
	"time"

	"order-ledger/internal/clock"
	"order-ledger/internal/domain"
)

const (
	removalSteps     = 50
	removalIncrement = 100 / removalSteps
)

type removalEntry struct {
	key       string
	kind      RemovalKind
	removedAt time.Time
	percent   int
	next      time.Time
	index     int

	order   domain.Order
	account domain.OrdersAccount
}

type removalQueue []*removalEntry

func (q removalQueue) Len() int { return len(q) }
func (q removalQueue) Less(i, j int) bool {
	if q[i].next.Equal(q[j].next) {
		return q[i].removedAt.Before(q[j].removedAt)
	}
	return q[i].next.Before(q[j].next)
}
func (q removalQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *removalQueue) Push(x any) {
	e := x.(*removalEntry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *removalQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// removalScheduler advances every pending removal by removalIncrement per
// step using one timer armed for the earliest deadline. It is not safe for
// concurrent use; the Ledger serializes access.
type removalScheduler struct {
	clk     clock.Clock
	step    time.Duration
	entries map[string]*removalEntry
	queue   removalQueue
	timer   clock.Timer
	onFire  func()
}

func newRemovalScheduler(clk clock.Clock, timeout time.Duration, onFire func()) *removalScheduler {
	step := timeout / removalSteps
	if step <= 0 {
		step = time.Millisecond
	}
	return &removalScheduler{
		clk:     clk,
		step:    step,
		entries: make(map[string]*removalEntry),
		onFire:  onFire,
	}
}

func (s *removalScheduler) has(key string) bool {
	_, ok := s.entries[key]
	return ok
}

// schedule registers a removal for key. It is a no-op returning false when
// one already exists.
func (s *removalScheduler) schedule(e *removalEntry) bool {
	if s.has(e.key) {
		return false
	}
	now := s.clk.Now()
	e.removedAt = now
	e.percent = 0
	e.next = now.Add(s.step)
	s.entries[e.key] = e
	heap.Push(&s.queue, e)
	s.arm()
	return true
}

type removalTick struct {
	entry *removalEntry
	done  bool
}

// advance moves every entry whose step is due by one increment, in deadline
// order, and re-arms the timer. Entries reaching 100 are dropped from the
// scheduler and reported as done.
func (s *removalScheduler) advance(now time.Time) []removalTick {
	var ticks []removalTick
	for len(s.queue) > 0 && !s.queue[0].next.After(now) {
		e := s.queue[0]
		e.percent += removalIncrement
		if e.percent >= 100 {
			e.percent = 100
			heap.Pop(&s.queue)
			delete(s.entries, e.key)
			ticks = append(ticks, removalTick{entry: e, done: true})
			continue
		}
		e.next = e.next.Add(s.step)
		heap.Fix(&s.queue, 0)
		ticks = append(ticks, removalTick{entry: e})
	}
	s.arm()
	return ticks
}

func (s *removalScheduler) arm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len(s.queue) == 0 {
		return
	}
	s.timer = s.clk.AfterFunc(s.queue[0].next.Sub(s.clk.Now()), s.onFire)
}

func (s *removalScheduler) stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.entries = make(map[string]*removalEntry)
	s.queue = nil
}

func (s *removalScheduler) view() Removals {
	out := make(Removals, len(s.entries))
	for k, e := range s.entries {
		out[k] = Removal{Kind: e.kind, RemovedAt: e.removedAt, PercentageCompleted: e.percent}
	}
	return out
}
