// Package connection drives the push channel lifecycle: dial, handshake,
// subscribe, dispatch and reconnect with backoff.
//
// A Machine is not safe for concurrent use. Every method, and every
// callback it schedules, must run on the Scheduler's executor.
package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coinlink/fault"
	"coinlink/internal/loop"
	"coinlink/internal/subscription"
	"coinlink/internal/transport"
	"coinlink/logger"
	"coinlink/models"
)

// Machine is the state machine for one logical push connection.
type Machine struct {
	cfg      Config
	sched    loop.Scheduler
	dialer   transport.Dialer
	registry *subscription.Registry
	obs      Observer
	log      *logger.Entry

	state      State
	attempt    int
	gen        uint64
	conn       transport.Conn
	cancelDial context.CancelFunc
	timer      loop.Timer
	credential string
	authErr    error
	subject    string
	// topics sent in a subscribe command on the current connection
	requested map[models.Topic]struct{}
}

// New returns a Disconnected machine. Callbacks run on sched, events go to obs.
func New(cfg Config, sched loop.Scheduler, dialer transport.Dialer, registry *subscription.Registry, obs Observer, log *logger.Entry) *Machine {
	if log == nil {
		log = logger.GetLogger().WithComponent("connection")
	}
	return &Machine{
		cfg:      cfg.withDefaults(),
		sched:    sched,
		dialer:   dialer,
		registry: registry,
		obs:      obs,
		log:      log,
	}
}

// State returns the current connection state.
func (m *Machine) State() State { return m.state }

// Attempt returns the reconnect attempts since the last Active.
func (m *Machine) Attempt() int { return m.attempt }

// Subject returns the subject named by the last handshake.
func (m *Machine) Subject() string { return m.subject }

// Generation identifies the current dial; callbacks from older ones are ignored.
func (m *Machine) Generation() uint64 { return m.gen }

// SetCredential replaces the bearer credential and lifts an auth block.
// It takes effect on the next dial.
func (m *Machine) SetCredential(credential string) {
	m.credential = credential
	if m.authErr != nil {
		m.log.Info("credential replaced; connect allowed again")
	}
	m.authErr = nil
}

// Connect starts a connection. It is a no-op while one is live. From
// Reconnecting it cancels the pending retry and dials now, keeping the
// attempt count; only Disconnected and Failed start counting afresh.
func (m *Machine) Connect() {
	switch {
	case m.state.live():
		m.log.WithFields(logger.Fields{"state": m.state.String()}).Debug("connect ignored; connection in progress")
		return
	case m.authErr != nil:
		m.obs.OnError(m.authErr)
		return
	}
	m.stopTimer()
	if m.state != Reconnecting {
		m.attempt = 0
	}
	m.dial()
}

// Disconnect closes the connection from any state and never reconnects.
func (m *Machine) Disconnect() {
	m.teardown()
	m.setState(Disconnected, nil)
}

// Subscribe records topics in the registry. While Active only topics not
// yet requested on this connection are sent.
func (m *Machine) Subscribe(topics ...models.Topic) {
	m.registry.Add(topics...)
	if m.state != Active {
		return
	}
	var delta []models.Topic
	for _, t := range topics {
		if _, ok := m.requested[t]; ok || !m.registry.Contains(t) {
			continue
		}
		m.requested[t] = struct{}{}
		delta = append(delta, t)
	}
	if len(delta) > 0 {
		m.send(transport.Subscribe(delta, m.cfg.SubjectID))
	}
}

// Unsubscribe removes topics from the registry and, on a live connection,
// withdraws the ones requested on it.
func (m *Machine) Unsubscribe(topics ...models.Topic) {
	m.registry.Remove(topics...)
	if m.conn == nil || (m.state != Active && m.state != Subscribing) {
		return
	}
	var withdraw []models.Topic
	for _, t := range topics {
		if _, ok := m.requested[t]; !ok {
			continue
		}
		delete(m.requested, t)
		withdraw = append(withdraw, t)
	}
	if len(withdraw) > 0 {
		m.send(transport.Unsubscribe(withdraw, m.cfg.SubjectID))
	}
}

func (m *Machine) dial() {
	m.gen++
	gen := m.gen
	m.setState(Connecting, nil)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	m.cancelDial = cancel
	h := &handler{m: m, gen: gen, dialed: make(chan struct{})}
	credential := m.credential
	m.sched.Go(func() {
		defer cancel()
		conn, err := m.dialer.Dial(ctx, credential, h)
		m.sched.Post(func() { m.onDialed(gen, conn, err) })
		close(h.dialed)
	})
}

func (m *Machine) onDialed(gen uint64, conn transport.Conn, err error) {
	if gen != m.gen {
		if conn != nil {
			m.closeAsync(conn)
		}
		return
	}
	m.cancelDial = nil
	if err != nil {
		if fault.IsAuth(err) {
			m.fail(err)
			return
		}
		m.drop(err)
		return
	}
	m.conn = conn
	m.setState(Connected, nil)
	m.startTimer(m.cfg.HandshakeTimeout, func() {
		if m.state == Connected {
			m.drop(fault.Transport("connection.handshake", fault.ErrHandshakeTimeout))
		}
	})
}

func (m *Machine) onEvent(gen uint64, ev transport.Event) {
	if gen != m.gen {
		return
	}
	switch e := ev.(type) {
	case transport.Connected:
		if m.state != Connected {
			m.log.WithFields(logger.Fields{"state": m.state.String()}).Debug("duplicate handshake ignored")
			return
		}
		m.stopTimer()
		m.subject = e.Subject
		m.log.WithFields(logger.Fields{"subject": e.Subject, "message": e.Message}).Info("handshake complete")
		m.obs.OnHandshake(e.Subject)
		m.subscribeAll()
	case transport.Subscribed:
		m.onSubscribed(e)
	case transport.Unsubscribed:
		m.log.WithFields(logger.Fields{"topics": e.Topics}).Debug("unsubscribe acknowledged")
	case transport.TopicMessage:
		m.onTopicMessage(e)
	case transport.ServerError:
		if m.state == Connecting || m.state == Connected {
			m.fail(fault.Auth("connection.handshake", fmt.Errorf("%w: %s", fault.ErrAuthRejected, e.Message)))
			return
		}
		m.obs.OnError(fault.Protocol("connection.server", errors.New(e.Message)))
	case transport.Pong:
	case transport.Invalid:
		m.log.WithError(e.Err).Warn("undecodable frame")
		m.obs.OnError(e.Err)
	default:
		m.log.WithFields(logger.Fields{"event": ev.EventName()}).Debug("ignoring unknown event")
	}
}

func (m *Machine) onSubscribed(e transport.Subscribed) {
	if m.state != Subscribing {
		m.log.WithFields(logger.Fields{"topics": e.Topics}).Debug("subscribe acknowledged")
		return
	}
	m.stopTimer()
	m.attempt = 0
	m.setState(Active, nil)

	// topics added while the subscribe was in flight
	var delta []models.Topic
	for _, t := range m.registry.Current() {
		if _, ok := m.requested[t]; !ok {
			m.requested[t] = struct{}{}
			delta = append(delta, t)
		}
	}
	if len(delta) > 0 {
		m.send(transport.Subscribe(delta, m.cfg.SubjectID))
	}
}

func (m *Machine) onTopicMessage(e transport.TopicMessage) {
	if e.Topic == "" {
		m.obs.OnError(fault.Protocol("connection.dispatch", fmt.Errorf("unknown topic %q", e.Name)))
		return
	}
	if m.state != Active && m.state != Subscribing {
		return
	}
	if !m.registry.Contains(e.Topic) {
		m.log.WithFields(logger.Fields{"topic": string(e.Topic)}).Debug("dropping update for unsubscribed topic")
		return
	}
	m.obs.OnMessage(e)
}

func (m *Machine) onClose(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	m.conn = nil
	if err == nil {
		err = fault.Transport("connection.read", fault.ErrConnectionClosed)
	}
	m.drop(err)
}

// subscribeAll enters Subscribing and requests the whole registry.
func (m *Machine) subscribeAll() {
	topics := m.registry.Current()
	m.requested = make(map[models.Topic]struct{}, len(topics))
	if len(topics) == 0 {
		m.attempt = 0
		m.setState(Active, nil)
		return
	}
	for _, t := range topics {
		m.requested[t] = struct{}{}
	}
	m.setState(Subscribing, nil)
	m.send(transport.Subscribe(topics, m.cfg.SubjectID))
	m.startTimer(m.cfg.AckTimeout, func() {
		if m.state == Subscribing {
			m.drop(fault.Transport("connection.subscribe", fault.ErrAckTimeout))
		}
	})
}

// drop handles a lost connection: report, count, and schedule a retry or fail.
func (m *Machine) drop(err error) {
	m.teardown()
	m.obs.OnError(err)
	m.attempt++
	m.setState(Reconnecting, err)
	if m.attempt > m.cfg.MaxAttempts {
		ferr := fault.Transport("connection.reconnect", fmt.Errorf("%w after %d attempts: %v", fault.ErrMaxAttempts, m.cfg.MaxAttempts, err))
		m.setState(Failed, ferr)
		m.obs.OnError(ferr)
		return
	}

	delay := m.cfg.Backoff.Delay(m.attempt)
	m.log.WithFields(logger.Fields{"attempt": m.attempt, "delay": delay.String()}).WithError(err).Warn("connection lost; scheduling reconnect")
	m.startTimer(delay, func() {
		if m.state == Reconnecting {
			m.dial()
		}
	})
}

// fail enters Failed because of an auth rejection.
func (m *Machine) fail(err error) {
	m.teardown()
	m.authErr = err
	m.log.WithError(err).Error("credential rejected; reconnect disabled until a new credential is set")
	m.setState(Failed, err)
	m.obs.OnError(err)
}

// teardown cancels timers and any dial, closes the connection and
// invalidates callbacks from it.
func (m *Machine) teardown() {
	m.stopTimer()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		m.closeAsync(m.conn)
		m.conn = nil
	}
	m.requested = nil
	m.gen++
}

func (m *Machine) send(cmd transport.Command) {
	if m.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
	defer cancel()
	if err := m.conn.Send(ctx, cmd); err != nil {
		m.log.WithError(err).WithFields(logger.Fields{"event": cmd.Event}).Warn("failed to send command")
		m.obs.OnError(err)
	}
}

func (m *Machine) closeAsync(conn transport.Conn) {
	m.sched.Go(func() {
		if err := conn.Close(); err != nil {
			m.log.WithError(err).Debug("close on already closed connection")
		}
	})
}

func (m *Machine) startTimer(d time.Duration, fn func()) {
	m.stopTimer()
	gen := m.gen
	var t loop.Timer
	t = m.sched.AfterFunc(d, func() {
		if gen != m.gen || m.timer != t {
			return
		}
		m.timer = nil
		fn()
	})
	m.timer = t
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) setState(to State, err error) {
	if to == m.state {
		return
	}
	from := m.state
	m.state = to
	fields := logger.Fields{"from": from.String(), "to": to.String(), "attempt": m.attempt}
	if err != nil {
		m.log.WithFields(fields).WithError(err).Info("connection state changed")
	} else {
		m.log.WithFields(fields).Info("connection state changed")
	}
	m.obs.OnStateChange(Transition{From: from, To: to, Attempt: m.attempt, Err: err})
}

// handler forwards transport callbacks onto the executor, tagged with the
// generation of the dial that created it.
type handler struct {
	m      *Machine
	gen    uint64
	dialed chan struct{}
}

func (h *handler) OnEvent(ev transport.Event) {
	<-h.dialed
	h.m.sched.Post(func() { h.m.onEvent(h.gen, ev) })
}

func (h *handler) OnClose(err error) {
	<-h.dialed
	h.m.sched.Post(func() { h.m.onClose(h.gen, err) })
}
