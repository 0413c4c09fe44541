package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"coinlink/fault"
	"coinlink/models"
)

// Event names on the wire.
const (
	EventConnected    = "connected"
	EventSubscribe    = "subscribe"
	EventSubscribed   = "subscribed"
	EventUnsubscribe  = "unsubscribe"
	EventUnsubscribed = "unsubscribed"
	EventError        = "error"
	EventPing         = "ping"
	EventPong         = "pong"

	updateSuffix = "_update"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an inbound server message.
type Event interface {
	EventName() string
}

// Connected is the server handshake. Subject is the identity the server
// derived from the credential.
type Connected struct {
	Subject string
	Message string
}

// Subscribed acknowledges a subscribe command.
type Subscribed struct{ Topics []models.Topic }

// Unsubscribed acknowledges an unsubscribe command.
type Unsubscribed struct{ Topics []models.Topic }

// TopicMessage is a <topic>_update push. Topic is empty when Name is not in
// the closed topic set.
type TopicMessage struct {
	Name      string
	Topic     models.Topic
	Data      json.RawMessage
	Timestamp time.Time
}

// ServerError is a bare error event.
type ServerError struct{ Message string }

type Pong struct{ Timestamp time.Time }

// Unknown is any event this client does not handle.
type Unknown struct {
	Name string
	Data json.RawMessage
}

// Invalid carries a frame that could not be decoded.
type Invalid struct{ Err error }

func (Connected) EventName() string      { return EventConnected }
func (Subscribed) EventName() string     { return EventSubscribed }
func (Unsubscribed) EventName() string   { return EventUnsubscribed }
func (m TopicMessage) EventName() string { return m.Name + updateSuffix }
func (ServerError) EventName() string    { return EventError }
func (Pong) EventName() string           { return EventPong }
func (u Unknown) EventName() string      { return u.Name }
func (Invalid) EventName() string        { return "" }

// Command is an outbound message.
type Command struct {
	Event     string
	Topics    []models.Topic
	SubjectID string
}

func Subscribe(topics []models.Topic, subjectID string) Command {
	return Command{Event: EventSubscribe, Topics: topics, SubjectID: subjectID}
}

func Unsubscribe(topics []models.Topic, subjectID string) Command {
	return Command{Event: EventUnsubscribe, Topics: topics, SubjectID: subjectID}
}

func Ping() Command { return Command{Event: EventPing} }

type topicsData struct {
	Types  []string `json:"types"`
	UserID string   `json:"user_id,omitempty"`
}

// Encode renders cmd as an envelope.
func Encode(cmd Command) ([]byte, error) {
	env := envelope{Event: cmd.Event}
	var data any
	switch cmd.Event {
	case EventSubscribe, EventUnsubscribe:
		data = topicsData{Types: models.TopicStrings(cmd.Topics), UserID: cmd.SubjectID}
	case EventPing:
		data = struct{}{}
	default:
		return nil, fmt.Errorf("unsupported command %q", cmd.Event)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	env.Data = raw
	return json.Marshal(env)
}

// Decode parses one inbound frame. Shape problems inside known events
// degrade to neutral values; only an unreadable envelope is an error.
func Decode(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fault.Protocol("transport.decode", err)
	}
	if env.Event == "" {
		return nil, fault.Protocol("transport.decode", fmt.Errorf("envelope without event name"))
	}

	switch env.Event {
	case EventConnected:
		var d struct {
			UserID  json.RawMessage `json:"user_id"`
			Message string          `json:"message"`
		}
		_ = json.Unmarshal(env.Data, &d)
		return Connected{Subject: scalarString(d.UserID), Message: d.Message}, nil
	case EventSubscribed:
		return Subscribed{Topics: decodeTypes(env.Data)}, nil
	case EventUnsubscribed:
		return Unsubscribed{Topics: decodeTypes(env.Data)}, nil
	case EventError:
		var d struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil || d.Message == "" {
			d.Message = strings.Trim(string(env.Data), `"`)
		}
		return ServerError{Message: d.Message}, nil
	case EventPong:
		var d struct {
			Timestamp json.RawMessage `json:"timestamp"`
		}
		_ = json.Unmarshal(env.Data, &d)
		return Pong{Timestamp: parseTimestamp(d.Timestamp)}, nil
	}

	if name, ok := strings.CutSuffix(env.Event, updateSuffix); ok {
		var d struct {
			Data      json.RawMessage `json:"data"`
			Timestamp json.RawMessage `json:"timestamp"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fault.Protocol("transport.decode", fmt.Errorf("%s: %w", env.Event, err))
		}
		msg := TopicMessage{Name: name, Data: d.Data, Timestamp: parseTimestamp(d.Timestamp)}
		if t, ok := models.ParseTopic(name); ok {
			msg.Topic = t
		}
		return msg, nil
	}
	return Unknown{Name: env.Event, Data: env.Data}, nil
}

func decodeTypes(raw json.RawMessage) []models.Topic {
	var d struct {
		Types []string `json:"types"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil
	}
	topics, _ := models.ParseTopics(d.Types)
	return topics
}

func scalarString(raw json.RawMessage) string {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(t, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(t, &n); err == nil {
		return n.String()
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts ISO-8601 strings, with or without zone, and epoch
// seconds. Unparseable values give the zero time.
func parseTimestamp(raw json.RawMessage) time.Time {
	s := scalarString(raw)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
	}
	return time.Time{}
}
