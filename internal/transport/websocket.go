package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"coinlink/fault"
	"coinlink/logger"
)

const (
	defaultPingInterval     = 20 * time.Second
	defaultPongWait         = 60 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Handler receives everything a connection reads. Calls come from the
// connection's read goroutine; OnClose is called exactly once.
type Handler interface {
	OnEvent(Event)
	OnClose(error)
}

// Conn is an open push channel.
type Conn interface {
	Send(ctx context.Context, cmd Command) error
	Close() error
}

// Dialer opens push channels.
type Dialer interface {
	Dial(ctx context.Context, credential string, h Handler) (Conn, error)
}

// WSDialer dials the push server over gorilla/websocket.
type WSDialer struct {
	URL              string
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	Header           http.Header
	Log              *logger.Entry
}

func (d *WSDialer) Dial(ctx context.Context, credential string, h Handler) (Conn, error) {
	log := d.Log
	if log == nil {
		log = logger.GetLogger().WithComponent("transport")
	}

	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: orDefault(d.HandshakeTimeout, defaultHandshakeTimeout),
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fault.Auth("transport.dial", fmt.Errorf("%w: HTTP %d", fault.ErrAuthRejected, resp.StatusCode))
		}
		return nil, fault.Transport("transport.dial", err)
	}

	c := &wsConn{
		ws:           ws,
		handler:      h,
		log:          log.WithFields(logger.Fields{"url": d.URL}),
		writeTimeout: orDefault(d.WriteTimeout, defaultWriteTimeout),
		pongWait:     orDefault(d.PongWait, defaultPongWait),
		done:         make(chan struct{}),
	}
	c.start(orDefault(d.PingInterval, defaultPingInterval))
	return c, nil
}

type wsConn struct {
	ws           *websocket.Conn
	handler      Handler
	log          *logger.Entry
	writeTimeout time.Duration
	pongWait     time.Duration

	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) start(pingInterval time.Duration) {
	c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	go c.pingLoop(pingInterval)
	go c.readLoop()
}

func (c *wsConn) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.ws.Close()
			if c.closing.Load() {
				c.handler.OnClose(nil)
				return
			}
			c.handler.OnClose(fault.Transport("transport.read", err))
			return
		}
		logger.RecordChannelMessage("push_ws", len(msg))
		ev, err := Decode(msg)
		if err != nil {
			c.handler.OnEvent(Invalid{Err: err})
			continue
		}
		c.handler.OnEvent(ev)
	}
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				if !c.closing.Load() {
					c.log.WithError(err).Warn("failed to send websocket ping")
				}
				return
			}
		}
	}
}

func (c *wsConn) Send(ctx context.Context, cmd Command) error {
	if c.closing.Load() {
		return fault.Transport("transport.send", fault.ErrConnectionClosed)
	}
	frame, err := Encode(cmd)
	if err != nil {
		return fault.Protocol("transport.send", err)
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fault.Transport("transport.send", err)
	}
	c.log.WithFields(logger.Fields{"event": cmd.Event, "topics": cmd.Topics}).Debug("sent command")
	return nil
}

// Close sends a close frame and tears the socket down. The handler still
// receives OnClose, with a nil error.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.writeMu.Lock()
		werr := c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			c.log.WithError(werr).Debug("close frame not sent")
		}
		err = c.ws.Close()
	})
	return err
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
