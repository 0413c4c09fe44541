package connection

import (
	"time"

	"coinlink/internal/backoff"
	"coinlink/internal/transport"
)

// State is the lifecycle phase of the push connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Subscribing
	Active
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// live reports whether a connection attempt or connection is in progress.
func (s State) live() bool {
	return s == Connecting || s == Connected || s == Subscribing || s == Active
}

// Transition describes one state change. Err is set when a failure caused it.
type Transition struct {
	From    State
	To      State
	Attempt int
	Err     error
}

// Observer receives the machine's output. Every call happens on the
// executor goroutine.
type Observer interface {
	OnStateChange(Transition)
	OnHandshake(subject string)
	OnMessage(transport.TopicMessage)
	OnError(error)
}

// Defaults applied to zero Config fields.
const (
	DefaultMaxAttempts      = 5
	DefaultDialTimeout      = 15 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultAckTimeout       = 10 * time.Second
	DefaultSendTimeout      = 5 * time.Second
)

// Config holds retry bounds and timeouts. Zero fields take the defaults.
type Config struct {
	MaxAttempts      int
	Backoff          backoff.Policy
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	SendTimeout      time.Duration
	// SubjectID is sent as user_id in subscribe commands when set.
	SubjectID string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}
