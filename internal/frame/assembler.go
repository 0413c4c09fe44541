package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"coinlink/fault"
	"coinlink/logger"
)

// Record is one decoded line of a streamed response.
type Record struct {
	Content    string
	HasContent bool
	Done       bool
	MessageID  string
}

type wireRecord struct {
	Content   *string         `json:"content"`
	Done      bool            `json:"done"`
	MessageID json.RawMessage `json:"message_id"`
}

var errNotObject = errors.New("data line is not a JSON object")

// Assembler turns arbitrarily split chunks into records. Record boundaries
// are blank lines; only complete segments are decoded, the trailing partial
// segment is carried over to the next Feed.
type Assembler struct {
	carry []byte
	log   *logger.Entry
}

// NewAssembler returns an empty assembler logging decode warnings to log.
func NewAssembler(log *logger.Entry) *Assembler {
	if log == nil {
		log = logger.GetLogger().WithComponent("frame")
	}
	return &Assembler{log: log}
}

// Feed appends chunk and returns the records and decode errors of every
// segment it completed, in input order.
func (a *Assembler) Feed(chunk []byte) []Item {
	a.carry = append(a.carry, chunk...)
	var items []Item
	for {
		end, next := boundary(a.carry)
		if end < 0 {
			break
		}
		items = append(items, a.decodeSegment(a.carry[:end])...)
		a.carry = a.carry[next:]
	}
	if len(a.carry) == 0 {
		a.carry = nil
	}
	return items
}

// Flush ends the input. The carry-over is decoded only when it is non-blank
// and every data line in it is valid JSON, otherwise it is discarded.
func (a *Assembler) Flush() []Item {
	rest := a.carry
	a.carry = nil
	if len(bytes.TrimSpace(rest)) == 0 {
		return nil
	}
	payloads := dataLines(rest)
	for _, p := range payloads {
		if _, err := decodeLine(p); err != nil {
			a.log.WithFields(logger.Fields{"bytes": len(rest)}).Debug("discarding incomplete trailing segment")
			return nil
		}
	}
	return a.decodeSegment(rest)
}

// Pending reports the number of carried-over bytes.
func (a *Assembler) Pending() int { return len(a.carry) }

// Item is either a record or a non-fatal decode error.
type Item struct {
	Record Record
	Err    error
}

func (a *Assembler) decodeSegment(seg []byte) []Item {
	var items []Item
	for _, p := range dataLines(seg) {
		rec, err := decodeLine(p)
		if err != nil {
			a.log.WithError(err).WithFields(logger.Fields{"line": truncate(p, 120)}).Warn("skipping malformed stream line")
			items = append(items, Item{Err: fault.Decode("frame.decode", err)})
			continue
		}
		items = append(items, Item{Record: rec})
	}
	return items
}

// boundary locates the first blank line. end is where the segment stops,
// next where the following one starts.
func boundary(buf []byte) (end, next int) {
	lf := bytes.Index(buf, []byte("\n\n"))
	crlf := bytes.Index(buf, []byte("\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, -1
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, lf + 2
	default:
		return crlf, crlf + 3
	}
}

// dataLines returns the payload of each data: line. Comments and the other
// field names are ignored.
func dataLines(seg []byte) []string {
	var out []string
	for _, line := range strings.Split(string(seg), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		p := strings.TrimPrefix(line, "data:")
		p = strings.TrimPrefix(p, " ")
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func decodeLine(p string) (Record, error) {
	var w wireRecord
	trimmed := strings.TrimSpace(p)
	if !strings.HasPrefix(trimmed, "{") {
		return Record{}, errNotObject
	}
	if err := json.Unmarshal([]byte(trimmed), &w); err != nil {
		return Record{}, err
	}
	rec := Record{Done: w.Done}
	if w.Content != nil {
		rec.Content = *w.Content
		rec.HasContent = true
	}
	id, err := messageID(w.MessageID)
	if err != nil {
		return Record{}, err
	}
	rec.MessageID = id
	return rec, nil
}

// messageID accepts a string or a number and normalizes to a string.
func messageID(raw json.RawMessage) (string, error) {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(t, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(t, &n); err != nil {
		return "", errors.New("message_id must be a string or number")
	}
	return n.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
