// Package client is the application-facing entry point: it owns the push
// connection, keeps the latest update per topic and streams chat answers.
//
// Command methods never block on the network and never return errors;
// outcomes arrive on the Events channel.
package client

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"coinlink/fault"
	"coinlink/internal/api"
	"coinlink/internal/connection"
	"coinlink/internal/loop"
	"coinlink/internal/metrics"
	"coinlink/internal/subscription"
	"coinlink/internal/transport"
	"coinlink/logger"
	"coinlink/models"
)

var ErrClosed = errors.New("client: closed")

type Client struct {
	id      string
	opts    Options
	log     *logger.Entry
	now     func() time.Time
	loop    *loop.Loop
	machine *connection.Machine
	api     *api.Client
	events  *pump

	mu         sync.RWMutex
	state      State
	subject    string
	credential string
	snapshots  map[models.Topic]models.Update
	started    bool
	closed     bool
	cancel     context.CancelFunc
	done       chan struct{}

	closeOnce sync.Once
}

// New builds a client from opts. Nothing connects until Start and Connect.
func New(opts Options) *Client {
	base := opts.Log
	if base == nil {
		base = logger.GetLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	id := uuid.NewString()
	c := &Client{
		id:         id,
		opts:       opts,
		log:        base.WithComponent("client").WithFields(logger.Fields{"client_id": id}),
		now:        now,
		loop:       loop.New(base.WithComponent("loop")),
		api:        opts.apiClient(base),
		events:     newPump(),
		credential: opts.Credential,
		snapshots:  make(map[models.Topic]models.Update),
	}
	registry := subscription.NewRegistry(opts.Topics...)
	c.machine = connection.New(opts.connectionConfig(), c.loop, opts.dialer(base), registry, (*observer)(c), base.WithComponent("connection"))
	c.machine.SetCredential(opts.Credential)
	return c
}

// ID identifies this client instance in logs.
func (c *Client) ID() string { return c.id }

// Start runs the executor until ctx is done or Close is called. Commands
// issued before Start are queued and run once it starts. When the executor
// stops the connection is disconnected and its transport closed.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.events.start()
	go func() {
		defer close(c.done)
		if err := c.loop.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.WithError(err).Debug("executor stopped")
		}
		// the executor is gone, so this goroutine owns the machine now
		c.machine.Disconnect()
		c.loop.Wait()
	}()
	c.log.Info("client started")
	return nil
}

// Close disconnects, stops the executor and closes the Events channel.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		started, cancel, done := c.started, c.cancel, c.done
		c.mu.Unlock()

		if started {
			c.loop.Post(func() {
				c.machine.Disconnect()
				cancel()
			})
			<-done
			cancel()
		}
		c.events.stop()
		c.log.Info("client closed")
	})
	return nil
}

// Events returns the channel all events are delivered on, in order. It is
// closed by Close.
func (c *Client) Events() <-chan Event { return c.events.out }

// Connect opens the push connection. It is a no-op while one is live.
func (c *Client) Connect() { c.loop.Post(c.machine.Connect) }

// Disconnect closes the connection and cancels any pending reconnect.
func (c *Client) Disconnect() { c.loop.Post(c.machine.Disconnect) }

// Subscribe adds topics to the desired set. Unknown topics raise a
// protocol error and are skipped.
func (c *Client) Subscribe(topics ...models.Topic) {
	topics = c.validTopics(topics)
	if len(topics) == 0 {
		return
	}
	c.loop.Post(func() { c.machine.Subscribe(topics...) })
}

// Unsubscribe removes topics from the desired set.
func (c *Client) Unsubscribe(topics ...models.Topic) {
	topics = c.validTopics(topics)
	if len(topics) == 0 {
		return
	}
	c.loop.Post(func() { c.machine.Unsubscribe(topics...) })
}

// SetCredential replaces the bearer credential for the next dial and for
// REST calls. It clears an authentication failure.
func (c *Client) SetCredential(credential string) {
	c.mu.Lock()
	c.credential = credential
	c.mu.Unlock()
	c.loop.Post(func() { c.machine.SetCredential(credential) })
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subject is the identity announced by the server handshake.
func (c *Client) Subject() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subject
}

// Snapshot returns the latest update received for topic.
func (c *Client) Snapshot(topic models.Topic) (models.Update, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.snapshots[topic]
	return u, ok
}

func (c *Client) Snapshots() map[models.Topic]models.Update {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.snapshots)
}

func (c *Client) currentCredential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credential
}

func (c *Client) validTopics(topics []models.Topic) []models.Topic {
	out := make([]models.Topic, 0, len(topics))
	for _, t := range topics {
		if canonical, ok := models.ParseTopic(string(t)); ok {
			out = append(out, canonical)
			continue
		}
		c.raise(fault.Protocol("client.subscribe", errors.New("unknown topic "+string(t))))
	}
	return out
}

func (c *Client) raise(err error) {
	metrics.RecordError("client", fault.KindOf(err).String())
	c.events.push(ErrorRaised{Err: err})
}

// observer receives the state machine's output on the executor.
type observer Client

func (o *observer) OnStateChange(tr connection.Transition) {
	c := (*Client)(o)
	c.mu.Lock()
	c.state = tr.To
	c.mu.Unlock()
	metrics.RecordStateChange(tr.From.String(), tr.To.String(), tr.Attempt)
	c.events.push(StateChanged{From: tr.From, To: tr.To, Attempt: tr.Attempt, Err: tr.Err})
}

func (o *observer) OnHandshake(subject string) {
	c := (*Client)(o)
	c.mu.Lock()
	c.subject = subject
	c.mu.Unlock()
	c.events.push(Handshake{Subject: subject})
}

func (o *observer) OnMessage(msg transport.TopicMessage) {
	c := (*Client)(o)
	payload, warnings := models.DecodePayload(msg.Topic, msg.Data)
	update := models.Update{
		Topic:      msg.Topic,
		Payload:    payload,
		ReceivedAt: c.now(),
		ServerTime: msg.Timestamp,
		Warnings:   warnings,
	}
	for _, w := range warnings {
		c.log.WithFields(logger.Fields{"topic": string(w.Topic), "field": w.Field, "reason": w.Reason}).Warn("payload field defaulted")
		c.raise(fault.Protocol("client.decode", w))
	}

	c.mu.Lock()
	c.snapshots[msg.Topic] = update
	c.mu.Unlock()

	metrics.RecordTopicUpdate(string(msg.Topic), len(warnings))
	c.events.push(TopicUpdated{Update: update})
}

func (o *observer) OnError(err error) {
	(*Client)(o).raise(err)
}
