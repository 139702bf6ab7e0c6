// Package sink decouples ledger bus handlers from slow I/O: handlers offer
// work to a bounded queue and one worker drains it.
package sink

import (
	"context"
	"sync/atomic"
)

type Queue[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

func NewQueue[T any](size int) *Queue[T] {
	if size <= 0 {
		size = 256
	}
	return &Queue[T]{ch: make(chan T, size)}
}

// Offer never blocks. It reports false when the queue was full and v was dropped.
func (q *Queue[T]) Offer(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }

func (q *Queue[T]) Len() int { return len(q.ch) }

// Run hands queued items to fn one at a time until ctx ends, then drains
// whatever is left with a context that is already cancelled so fn can skip
// slow work.
func (q *Queue[T]) Run(ctx context.Context, fn func(context.Context, T)) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case v := <-q.ch:
					fn(ctx, v)
				default:
					return
				}
			}
		case v := <-q.ch:
			fn(ctx, v)
		}
	}
}
