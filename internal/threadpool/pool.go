// Package threadpool runs connection work on a fixed set of worker goroutines.
package threadpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goceleris/tinyweb/internal/locker"
	"github.com/goceleris/tinyweb/internal/userdb"
)

// Mode selects who performs socket I/O.
type Mode int

const (
	// Reactor: the event loop reads and writes; workers only process.
	Reactor Mode = iota
	// Proactor: workers read or write the socket, then process.
	Proactor
)

func (m Mode) String() string {
	switch m {
	case Reactor:
		return "reactor"
	case Proactor:
		return "proactor"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode maps the numeric actor model flag to a Mode.
func ParseMode(n int) (Mode, error) {
	switch n {
	case 0:
		return Reactor, nil
	case 1:
		return Proactor, nil
	}
	return 0, fmt.Errorf("unknown actor model %d", n)
}

// State tags a work item with the pending I/O direction.
type State int

const (
	StateRead State = iota
	StateWrite
)

// Task is the connection state machine as seen by a worker.
type Task interface {
	// ReadOnce pulls available bytes; false means the peer is gone.
	ReadOnce() bool
	// Write flushes the prepared response; false means close.
	Write() bool
	// Process parses input and prepares output using db.
	Process(db *userdb.Handle)
	// Abort hands the connection back to the event loop for teardown.
	Abort()
}

var (
	ErrInvalidConfig = errors.New("threadpool: workers and max requests must be positive")
	ErrClosed        = errors.New("threadpool: closed")
)

type item struct {
	task  Task
	state State
	// process is set for items queued by the event loop after it did the I/O.
	process bool
}

// Pool is a fixed-size worker pool fed by a bounded FIFO.
type Pool struct {
	mode        Mode
	store       *userdb.Store
	logger      *slog.Logger
	maxRequests int

	mu     sync.Mutex
	queue  *list.List
	closed bool
	sem    *locker.Sem

	wg sync.WaitGroup
}

// New starts workers goroutines. store may be nil when no credential store is
// configured; tasks then see a nil handle.
func New(mode Mode, store *userdb.Store, workers, maxRequests int, logger *slog.Logger) (*Pool, error) {
	if workers <= 0 || maxRequests <= 0 {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		mode:        mode,
		store:       store,
		logger:      logger,
		maxRequests: maxRequests,
		queue:       list.New(),
		sem:         locker.NewSem(0),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	logger.Info("thread pool started", "mode", mode.String(), "workers", workers, "max_requests", maxRequests)
	return p, nil
}

// Mode returns the configured I/O mode.
func (p *Pool) Mode() Mode { return p.mode }

// Append queues task with its pending I/O direction. It never blocks and
// returns false when the queue is full or the pool is closed.
func (p *Pool) Append(task Task, state State) bool {
	return p.push(item{task: task, state: state})
}

// AppendP queues task for processing only; the caller already did the read.
func (p *Pool) AppendP(task Task) bool {
	return p.push(item{task: task, process: true})
}

func (p *Pool) push(it item) bool {
	p.mu.Lock()
	if p.closed || p.queue.Len() >= p.maxRequests {
		p.mu.Unlock()
		return false
	}
	p.queue.PushBack(it)
	p.mu.Unlock()

	p.sem.Post()
	return true
}

// Pending returns the number of queued items.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Close stops accepting work, lets workers finish what is queued, and waits
// for them to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.sem.Close()
	p.wg.Wait()
	p.logger.Info("thread pool stopped")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for p.sem.Wait() {
		p.mu.Lock()
		front := p.queue.Front()
		if front == nil {
			p.mu.Unlock()
			continue
		}
		it := p.queue.Remove(front).(item)
		p.mu.Unlock()

		p.run(id, it)
	}
}

func (p *Pool) run(id int, it item) {
	if it.process || p.mode == Reactor {
		p.process(id, it.task)
		return
	}

	switch it.state {
	case StateRead:
		if !it.task.ReadOnce() {
			it.task.Abort()
			return
		}
		p.process(id, it.task)
	case StateWrite:
		if !it.task.Write() {
			it.task.Abort()
		}
	}
}

// process checks out a database handle for the duration of Process.
func (p *Pool) process(id int, task Task) {
	if p.store == nil {
		task.Process(nil)
		return
	}

	err := p.store.With(context.Background(), func(db *userdb.Handle) error {
		task.Process(db)
		return nil
	})
	if err != nil {
		p.logger.Error("database checkout failed", "worker", id, "error", err)
		task.Abort()
	}
}
