package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/destiny-evidence/destiny-repository/pkg/log"
	"github.com/destiny-evidence/destiny-repository/pkg/metrics"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// Task is a unit of asynchronous work. Delivery is at-least-once: a task
// whose handler fails, or whose lock lapses mid-flight, is redelivered.
type Task struct {
	ID       uuid.UUID
	Queue    string
	Payload  json.RawMessage
	Priority int
	// Delay defers first delivery
	Delay time.Duration
	// RenewLock marks long-running work whose handler renews its lock
	RenewLock bool
	// Trace is the propagated trace context so consumer spans parent
	// correctly onto producer spans
	Trace    map[string]string
	Attempts int
}

// Handler processes one delivery. Returning nil acknowledges the task;
// returning an error requeues it. Handlers own terminal-failure
// accounting: a handler that has recorded a permanent failure returns nil.
type Handler func(ctx context.Context, d *Delivery) error

// message wraps a task while it sits in the queue or in flight
type message struct {
	task      *Task
	seq       uint64
	readyAt   time.Time
	lockUntil time.Time
	abandoned bool
}

// Bus is an in-process message bus with priority, delayed delivery, and
// lock-renewal semantics. It holds only transient in-flight work; durable
// state lives in the relational store.
type Bus struct {
	mu       sync.Mutex
	pending  []*message
	inflight map[uuid.UUID]*message
	handlers map[string]Handler
	seq      uint64

	lockDuration time.Duration
	concurrency  int

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a bus. lockDuration bounds how long a delivery may run
// without renewal before it is abandoned and redelivered.
func New(lockDuration time.Duration, concurrency int) *Bus {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Bus{
		inflight:     make(map[uuid.UUID]*message),
		handlers:     make(map[string]Handler),
		lockDuration: lockDuration,
		concurrency:  concurrency,
		stopCh:       make(chan struct{}),
	}
}

// Subscribe registers the handler for a queue. Must be called before Start.
func (b *Bus) Subscribe(queue string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[queue] = h
}

// Publish enqueues a task, honoring its priority and delay labels
func (b *Bus) Publish(task *Task) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.pending = append(b.pending, &message{
		task:    task,
		seq:     b.seq,
		readyAt: time.Now().Add(task.Delay),
	})
	metrics.BusDepth.WithLabelValues(task.Queue).Inc()
}

// Start launches the worker pool and the lock sweeper
func (b *Bus) Start() {
	for i := 0; i < b.concurrency; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	b.wg.Add(1)
	go b.sweepLocks()
}

// Stop signals workers to finish their current delivery and exit
func (b *Bus) Stop() {
	b.stopped.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// Depth returns the number of pending plus in-flight tasks
func (b *Bus) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) + len(b.inflight)
}

// next pops the best ready message: highest priority, then publish order
func (b *Bus) next() *message {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	best := -1
	for i, m := range b.pending {
		if m.readyAt.After(now) {
			continue
		}
		if _, ok := b.handlers[m.task.Queue]; !ok {
			continue
		}
		if best == -1 ||
			m.task.Priority > b.pending[best].task.Priority ||
			(m.task.Priority == b.pending[best].task.Priority && m.seq < b.pending[best].seq) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	m := b.pending[best]
	b.pending = append(b.pending[:best], b.pending[best+1:]...)
	m.lockUntil = now.Add(b.lockDuration)
	m.abandoned = false
	b.inflight[m.task.ID] = m
	return m
}

func (b *Bus) worker() {
	defer b.wg.Done()
	logger := log.WithComponent("bus")

	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		m := b.next()
		if m == nil {
			select {
			case <-b.stopCh:
				return
			case <-time.After(20 * time.Millisecond):
			}
			continue
		}

		b.mu.Lock()
		handler := b.handlers[m.task.Queue]
		b.mu.Unlock()

		ctx := WithTrace(context.Background(), m.task.Trace)
		err := handler(ctx, &Delivery{Task: m.task, bus: b, msg: m})

		b.mu.Lock()
		if m.abandoned {
			// lock lapsed mid-flight; the sweeper already requeued it
			b.mu.Unlock()
			metrics.BusTasksTotal.WithLabelValues(m.task.Queue, "abandoned").Inc()
			continue
		}
		delete(b.inflight, m.task.ID)
		if err != nil {
			m.task.Attempts++
			b.seq++
			m.seq = b.seq
			m.readyAt = time.Now().Add(redeliveryDelay(m.task.Attempts))
			b.pending = append(b.pending, m)
			b.mu.Unlock()
			logger.Warn().Err(err).Str("queue", m.task.Queue).Int("attempts", m.task.Attempts).
				Msg("task failed, requeued")
			metrics.BusTasksTotal.WithLabelValues(m.task.Queue, "requeued").Inc()
			continue
		}
		b.mu.Unlock()
		metrics.BusDepth.WithLabelValues(m.task.Queue).Dec()
		metrics.BusTasksTotal.WithLabelValues(m.task.Queue, "ok").Inc()
	}
}

// sweepLocks abandons deliveries whose lock lapsed without renewal so the
// task is redelivered to another worker
func (b *Bus) sweepLocks() {
	defer b.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			b.mu.Lock()
			for id, m := range b.inflight {
				if m.lockUntil.After(now) {
					continue
				}
				delete(b.inflight, id)
				m.abandoned = true

				requeued := &message{task: m.task, readyAt: now}
				requeued.task.Attempts++
				b.seq++
				requeued.seq = b.seq
				b.pending = append(b.pending, requeued)
			}
			b.mu.Unlock()
		}
	}
}

func redeliveryDelay(attempts int) time.Duration {
	d := time.Duration(attempts) * 100 * time.Millisecond
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}

// Delivery is one in-flight task handed to a handler
type Delivery struct {
	Task *Task
	bus  *Bus
	msg  *message
}

// RenewLock extends this delivery's lock. Long-running handlers call it at
// I/O boundaries; a lock-lost error means the task was abandoned and the
// handler should stop without side effects it cannot repeat safely.
func (d *Delivery) RenewLock() error {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	if d.msg.abandoned {
		return types.NewError(types.KindLockLost, "task %s lock expired", d.Task.ID)
	}
	d.msg.lockUntil = time.Now().Add(d.bus.lockDuration)
	return nil
}

type traceKey struct{}

// WithTrace attaches a propagated trace context to ctx
func WithTrace(ctx context.Context, trace map[string]string) context.Context {
	if trace == nil {
		return ctx
	}
	return context.WithValue(ctx, traceKey{}, trace)
}

// TraceFrom extracts the propagated trace context, or nil
func TraceFrom(ctx context.Context) map[string]string {
	trace, _ := ctx.Value(traceKey{}).(map[string]string)
	return trace
}
