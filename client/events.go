package client

import (
	"sync"

	"coinlink/internal/connection"
	"coinlink/models"
)

// State is the lifecycle phase of the push connection.
type State = connection.State

const (
	Disconnected = connection.Disconnected
	Connecting   = connection.Connecting
	Connected    = connection.Connected
	Subscribing  = connection.Subscribing
	Active       = connection.Active
	Reconnecting = connection.Reconnecting
	Failed       = connection.Failed
)

// Event is delivered on the Events channel. It is one of StateChanged,
// TopicUpdated, ErrorRaised or Handshake.
type Event interface {
	event()
}

// StateChanged reports a connection state transition. Err is set when a
// failure caused it.
type StateChanged struct {
	From    State
	To      State
	Attempt int
	Err     error
}

// TopicUpdated carries one decoded push update.
type TopicUpdated struct {
	Update models.Update
}

// ErrorRaised carries a classified error; see package fault.
type ErrorRaised struct {
	Err error
}

// Handshake reports the subject the server identified the credential as.
type Handshake struct {
	Subject string
}

func (StateChanged) event() {}
func (TopicUpdated) event() {}
func (ErrorRaised) event()  {}
func (Handshake) event()    {}

// pump moves events from an unbounded queue onto the out channel so that
// producers never block and nothing is dropped while it runs.
type pump struct {
	mu      sync.Mutex
	queue   []Event
	wake    chan struct{}
	out     chan Event
	quit    chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

func newPump() *pump {
	return &pump{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (p *pump) push(ev Event) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, ev)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pump) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	go p.run()
}

func (p *pump) run() {
	defer close(p.done)
	defer close(p.out)
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			select {
			case <-p.wake:
				continue
			case <-p.quit:
				return
			}
		}
		ev := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		select {
		case p.out <- ev:
		case <-p.quit:
			return
		}
	}
}

// stop closes the out channel. Events not yet received are discarded.
func (p *pump) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.queue = nil
	p.mu.Unlock()

	close(p.quit)
	if started {
		<-p.done
		return
	}
	close(p.out)
}
