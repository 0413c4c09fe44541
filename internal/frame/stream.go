package frame

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"sync/atomic"

	"coinlink/fault"
	"coinlink/logger"
)

// ErrConsumed is yielded when a record sequence is ranged over a second time.
var ErrConsumed = errors.New("frame: record sequence already consumed")

const readSize = 4096

// Records reads r to the end and yields its records lazily. Decode errors
// are yielded in place and the stream continues; a read error other than
// io.EOF is yielded as a transport error and ends the sequence. The
// sequence is single pass.
func Records(ctx context.Context, r io.Reader, log *logger.Entry) iter.Seq2[Record, error] {
	var used atomic.Bool
	return func(yield func(Record, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(Record{}, ErrConsumed)
			return
		}
		a := NewAssembler(log)
		emit := func(items []Item) bool {
			for _, it := range items {
				if !yield(it.Record, it.Err) {
					return false
				}
			}
			return true
		}
		buf := make([]byte, readSize)
		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, fault.Transport("frame.read", err))
				return
			}
			n, err := r.Read(buf)
			if n > 0 && !emit(a.Feed(buf[:n])) {
				return
			}
			if errors.Is(err, io.EOF) {
				emit(a.Flush())
				return
			}
			if err != nil {
				yield(Record{}, fault.Transport("frame.read", err))
				return
			}
		}
	}
}

// StreamBuffer accumulates the fragments of one response. It freezes at
// the terminal record or on error.
type StreamBuffer struct {
	fragments []string
	text      strings.Builder
	final     bool
	messageID string
}

// Append adds a fragment. It reports false once the buffer is frozen.
func (b *StreamBuffer) Append(fragment string) bool {
	if b.final {
		return false
	}
	if fragment == "" {
		return true
	}
	b.fragments = append(b.fragments, fragment)
	b.text.WriteString(fragment)
	return true
}

// SetMessageID records the server id; the first non-empty id wins.
func (b *StreamBuffer) SetMessageID(id string) {
	if b.messageID == "" {
		b.messageID = id
	}
}

func (b *StreamBuffer) Freeze()             { b.final = true }
func (b *StreamBuffer) Final() bool         { return b.final }
func (b *StreamBuffer) Text() string        { return b.text.String() }
func (b *StreamBuffer) MessageID() string   { return b.messageID }
func (b *StreamBuffer) Fragments() []string { return append([]string(nil), b.fragments...) }
