// Package loop runs callbacks one at a time on a single goroutine.
//
// Transport callbacks, dial results and timers are all posted here, so the
// state they touch needs no locking.
package loop

import (
	"context"
	"sync"
	"time"

	"coinlink/logger"
)

// Timer is a cancelable scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler is what the connection state machine needs from an executor.
type Scheduler interface {
	// Post queues fn to run on the executor.
	Post(fn func())
	// Go runs fn on its own goroutine, for blocking work such as dialing.
	Go(fn func())
	// AfterFunc posts fn to the executor once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Loop is the production Scheduler. The queue is unbounded so Post never
// blocks the posting goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	wg     sync.WaitGroup
	log    *logger.Entry
}

// New returns a stopped loop; Run starts it.
func New(log *logger.Entry) *Loop {
	if log == nil {
		log = logger.GetLogger().WithComponent("loop")
	}
	return &Loop{wake: make(chan struct{}, 1), log: log}
}

// Post queues fn. It is dropped once the loop has stopped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Go runs fn on a new goroutine tracked by Run and Wait.
func (l *Loop) Go(fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
}

// Wait blocks until every goroutine started with Go has returned.
func (l *Loop) Wait() {
	l.wg.Wait()
}

// AfterFunc posts fn to the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Run executes posted callbacks until ctx is done. Callbacks still queued
// at that point are dropped. Run waits for goroutines started with Go.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.closed = true
		dropped := len(l.queue)
		l.queue = nil
		l.mu.Unlock()
		if dropped > 0 {
			l.log.WithFields(logger.Fields{"dropped": dropped}).Debug("loop stopped with queued callbacks")
		}
		l.wg.Wait()
	}()

	for {
		for _, fn := range l.drain() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.run(fn)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) drain() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	return batch
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithFields(logger.Fields{"panic": r}).Error("callback panicked")
		}
	}()
	fn()
}
