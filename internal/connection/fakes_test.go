package connection

import (
	"context"
	"testing"
	"time"

	"coinlink/internal/backoff"
	"coinlink/internal/loop"
	"coinlink/internal/subscription"
	"coinlink/internal/transport"
	"coinlink/models"
)

// fakeScheduler queues posted callbacks and holds timers until a test
// fires them. Go runs inline.
type fakeScheduler struct {
	queue  []func()
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (s *fakeScheduler) Post(fn func()) { s.queue = append(s.queue, fn) }
func (s *fakeScheduler) Go(fn func())   { fn() }

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) loop.Timer {
	t := &fakeTimer{d: d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) run() {
	for len(s.queue) > 0 {
		fn := s.queue[0]
		s.queue = s.queue[1:]
		fn()
	}
}

func (s *fakeScheduler) pending() *fakeTimer {
	for i := len(s.timers) - 1; i >= 0; i-- {
		if t := s.timers[i]; !t.stopped && !t.fired {
			return t
		}
	}
	return nil
}

// fire runs the pending timer and drains the queue. It returns the delay
// the timer was armed with.
func (s *fakeScheduler) fire(t *testing.T) time.Duration {
	t.Helper()
	tm := s.pending()
	if tm == nil {
		t.Fatal("no pending timer")
	}
	tm.fired = true
	s.Post(tm.fn)
	s.run()
	return tm.d
}

type fakeConn struct {
	h      transport.Handler
	sent   []transport.Command
	closed bool
}

func (c *fakeConn) Send(_ context.Context, cmd transport.Command) error {
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeDialer struct {
	errs  []error
	conns []*fakeConn
	creds []string
}

func (d *fakeDialer) Dial(_ context.Context, credential string, h transport.Handler) (transport.Conn, error) {
	d.creds = append(d.creds, credential)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := &fakeConn{h: h}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn { return d.conns[len(d.conns)-1] }

type recordingObserver struct {
	transitions []Transition
	subjects    []string
	messages    []transport.TopicMessage
	errs        []error
}

func (o *recordingObserver) OnStateChange(tr Transition)          { o.transitions = append(o.transitions, tr) }
func (o *recordingObserver) OnHandshake(subject string)           { o.subjects = append(o.subjects, subject) }
func (o *recordingObserver) OnMessage(msg transport.TopicMessage) { o.messages = append(o.messages, msg) }
func (o *recordingObserver) OnError(err error)                    { o.errs = append(o.errs, err) }

func (o *recordingObserver) states() []State {
	out := make([]State, len(o.transitions))
	for i, tr := range o.transitions {
		out[i] = tr.To
	}
	return out
}

type harness struct {
	sched    *fakeScheduler
	dialer   *fakeDialer
	obs      *recordingObserver
	registry *subscription.Registry
	m        *Machine
}

func newHarness(cfg Config, topics ...models.Topic) *harness {
	h := &harness{
		sched:    &fakeScheduler{},
		dialer:   &fakeDialer{},
		obs:      &recordingObserver{},
		registry: subscription.NewRegistry(topics...),
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.New(2*time.Second, 30*time.Second)
	}
	h.m = New(cfg, h.sched, h.dialer, h.registry, h.obs, nil)
	h.m.SetCredential("token")
	return h
}

// deliver pushes an event through the latest connection's handler.
func (h *harness) deliver(ev transport.Event) {
	h.dialer.last().h.OnEvent(ev)
	h.sched.run()
}

// activate connects, completes the handshake and acks the subscribe.
func (h *harness) activate(t *testing.T) *fakeConn {
	t.Helper()
	h.m.Connect()
	h.sched.run()
	h.deliver(transport.Connected{Subject: "u1"})
	if h.registry.Len() > 0 {
		h.deliver(transport.Subscribed{Topics: h.registry.Current()})
	}
	if h.m.State() != Active {
		t.Fatalf("state = %s, want active", h.m.State())
	}
	return h.dialer.last()
}
