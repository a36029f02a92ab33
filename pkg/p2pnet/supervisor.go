package p2pnet

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// requestQueue is an unbounded FIFO of ranks awaiting an outbound attempt.
// A rank is queued at most once at a time.
type requestQueue struct {
	mu     sync.Mutex
	items  []int
	queued map[int]bool
	notify chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		queued: make(map[int]bool),
		notify: make(chan struct{}, 1),
	}
}

func (q *requestQueue) push(rank int) bool {
	q.mu.Lock()
	if q.queued[rank] {
		q.mu.Unlock()
		return false
	}
	q.queued[rank] = true
	q.items = append(q.items, rank)
	q.mu.Unlock()

	q.signal()
	return true
}

func (q *requestQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a rank is available or ctx is done.
func (q *requestQueue) pop(ctx context.Context) (int, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			rank := q.items[0]
			q.items = q.items[1:]
			delete(q.queued, rank)
			more := len(q.items) > 0
			q.mu.Unlock()
			// Wake another worker for the remainder.
			if more {
				q.signal()
			}
			return rank, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, false
		case <-q.notify:
		}
	}
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Supervisor owns the worker pool that drains outbound connection requests
// and applies the retry policy to failed attempts.
type Supervisor struct {
	c       *Coordinator
	workers int
	queue   *requestQueue

	cancel context.CancelFunc
	group  *errgroup.Group
}

func newSupervisor(c *Coordinator, workers int) *Supervisor {
	return &Supervisor{
		c:       c,
		workers: workers,
		queue:   newRequestQueue(),
	}
}

// Start launches the workers. They run until Stop or until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for range s.workers {
		g.Go(func() error {
			s.work(gctx)
			return nil
		})
	}
	s.group = g
}

// Stop cancels the workers and waits for them to return. An attempt in
// progress is abandoned; its link is released by the coordinator.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.group.Wait()
}

// Enqueue schedules an outbound attempt toward rank. It reports false if rank
// is already waiting in the queue.
func (s *Supervisor) Enqueue(rank int) bool {
	return s.queue.push(rank)
}

func (s *Supervisor) work(ctx context.Context) {
	for {
		rank, ok := s.queue.pop(ctx)
		if !ok {
			return
		}
		s.process(ctx, rank)
	}
}

func (s *Supervisor) process(ctx context.Context, rank int) {
	m := s.c.metrics
	start := time.Now()

	err := s.c.negotiate(ctx, rank)
	switch {
	case err == nil:
		m.NegotiationTotal.WithLabelValues("success").Inc()
		m.NegotiationDurationSeconds.Observe(time.Since(start).Seconds())
	case errors.Is(err, errSuperseded):
		s.c.log().Debug("p2pnet: queued request superseded", "peer", rank)
	case ctx.Err() != nil:
		// Shutting down; the coordinator releases the link.
	default:
		result := "failure"
		if errors.Is(err, ErrNegotiationTimeout) {
			result = "timeout"
		}
		m.NegotiationTotal.WithLabelValues(result).Inc()
		s.retry(ctx, rank, err)
	}
}

// retry applies the retry policy for rank after cause. Up to MaxRetries
// retries are made, the n-th after RetryDelay*n. A retry is skipped if the
// link opened during the wait or rank stopped being a neighbor.
func (s *Supervisor) retry(ctx context.Context, rank int, cause error) {
	c := s.c
	m := c.metrics
	logger := c.log().With("peer", rank)

	count, ok := c.bumpRetry(rank)
	if !ok {
		m.RetryTotal.WithLabelValues("exhausted").Inc()
		logger.Error("p2pnet: giving up on peer",
			"retries", count, "error", errors.Join(ErrRetryExhausted, cause))
		c.cleanup(rank, nil, "retries exhausted")
		return
	}

	delay := c.opts.RetryDelay * time.Duration(count+1)
	m.RetryTotal.WithLabelValues("scheduled").Inc()
	logger.Warn("p2pnet: connection attempt failed, retrying",
		"attempt", count+1, "max_retries", c.opts.MaxRetries, "delay", delay, "error", cause)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if c.isConnected(rank) {
		m.RetryTotal.WithLabelValues("superseded").Inc()
		logger.Info("p2pnet: peer connected during backoff, retry skipped")
		return
	}
	c.cleanup(rank, nil, "retry")
	c.queueOutbound(rank, false)
}
