package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process broker for tests and single-binary setups.
type Memory struct {
	ready chan *Job
	// done is closed by Close; ready itself is never closed so that
	// producers blocked outside the lock cannot panic.
	done chan struct{}

	mu     sync.Mutex
	dead   []*Job
	timers []*time.Timer
	closed bool
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{ready: make(chan *Job, capacity), done: make(chan struct{})}
}

// Publish blocks while the buffer is full. It never holds the lock while
// waiting, so Close and other producers stay responsive.
func (m *Memory) Publish(ctx context.Context, job *Job, delay time.Duration) error {
	cp := *job
	if delay <= 0 {
		return m.push(ctx, &cp)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.timers = append(m.timers, time.AfterFunc(delay, func() {
		_ = m.push(context.Background(), &cp)
	}))
	return nil
}

func (m *Memory) push(ctx context.Context, j *Job) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.ready <- j:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-m.done:
		return nil, ErrClosed
	default:
	}
	select {
	case j := <-m.ready:
		return &Delivery{Job: j}, nil
	case <-m.done:
		return nil, ErrClosed
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) Dead(_ context.Context, job *Job, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	cp.LastError = reason
	m.dead = append(m.dead, &cp)
	return nil
}

// DeadJobs returns a snapshot of parked jobs.
func (m *Memory) DeadJobs() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Job(nil), m.dead...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, t := range m.timers {
		t.Stop()
	}
	close(m.done)
	return nil
}
