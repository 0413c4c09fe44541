package client

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"coinlink/fault"
	"coinlink/internal/api"
	"coinlink/internal/frame"
	"coinlink/internal/metrics"
	"coinlink/logger"
)

// StreamUpdate is one step of a streamed answer. Exactly one update per
// request has IsFinal set. Truncated marks a stream that ended without a
// terminal record; Err then holds the cause.
type StreamUpdate struct {
	Delta     string
	Text      string
	IsFinal   bool
	MessageID string
	Truncated bool
	Err       error
}

type requestOptions struct {
	sessionID string
}

type RequestOption func(*requestOptions)

// WithSessionID overrides the configured chat session for one request.
func WithSessionID(id string) RequestOption {
	return func(o *requestOptions) { o.sessionID = id }
}

// SendStreamingRequest asks a question and yields the answer as it
// arrives. The request starts when the sequence is ranged over; breaking
// out of the loop aborts it. The sequence is single pass.
func (c *Client) SendStreamingRequest(ctx context.Context, text string, opts ...RequestOption) iter.Seq[StreamUpdate] {
	ro := requestOptions{sessionID: c.opts.SessionID}
	for _, opt := range opts {
		opt(&ro)
	}
	var used atomic.Bool

	return func(yield func(StreamUpdate) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(StreamUpdate{IsFinal: true, Truncated: true, Err: frame.ErrConsumed})
			return
		}
		if strings.TrimSpace(text) == "" {
			err := fault.Protocol("client.stream", fmt.Errorf("empty message"))
			c.raise(err)
			yield(StreamUpdate{IsFinal: true, Truncated: true, Err: err})
			return
		}

		log := c.log.WithComponent("chat")
		start := time.Now()
		body, err := c.api.ChatStream(ctx, c.currentCredential(), api.ChatRequest{Message: text, SessionID: ro.sessionID})
		if err != nil {
			c.raise(err)
			metrics.RecordStream(0, time.Since(start), "error")
			yield(StreamUpdate{IsFinal: true, Truncated: true, Err: err})
			return
		}
		defer body.Close()

		var (
			buf     frame.StreamBuffer
			records int
			readErr error
		)
		finish := func(outcome string) {
			elapsed := time.Since(start)
			metrics.RecordStream(records, elapsed, outcome)
			logger.LogPerformanceEntry(log, "chat", "stream", elapsed, logger.Fields{
				"records":    records,
				"outcome":    outcome,
				"message_id": buf.MessageID(),
			})
			logger.LogDataFlowEntry(log, "chat_api", "stream_buffer", records, "chat_record")
		}

		for rec, err := range frame.Records(ctx, body, log) {
			if err != nil {
				if fault.KindOf(err) == fault.KindDecode {
					c.raise(err)
					continue
				}
				readErr = err
				break
			}
			records++
			logger.RecordChannelMessage("chat_stream", len(rec.Content))
			if rec.MessageID != "" {
				buf.SetMessageID(rec.MessageID)
			}
			var delta string
			if rec.HasContent {
				delta = rec.Content
				buf.Append(delta)
			}
			if rec.Done {
				buf.Freeze()
				finish("complete")
				yield(StreamUpdate{Delta: delta, Text: buf.Text(), IsFinal: true, MessageID: buf.MessageID()})
				return
			}
			if delta == "" {
				continue
			}
			if !yield(StreamUpdate{Delta: delta, Text: buf.Text(), MessageID: buf.MessageID()}) {
				finish("aborted")
				return
			}
		}

		buf.Freeze()
		cause := fault.ErrStreamTruncated
		var terr error = fault.Transport("client.stream", cause)
		if readErr != nil {
			terr = fault.Transport("client.stream", fmt.Errorf("%w: %v", cause, readErr))
		}
		log.WithError(terr).WithFields(logger.Fields{"records": records}).Warn("stream ended without terminal record")
		c.raise(terr)
		finish("truncated")
		yield(StreamUpdate{Text: buf.Text(), IsFinal: true, MessageID: buf.MessageID(), Truncated: true, Err: terr})
	}
}

// Feedback rates a completed answer.
type Feedback struct {
	MessageID string
	Rating    int
	Comment   string
	// SessionID defaults to the configured session.
	SessionID string
}

// SubmitFeedback posts a rating for a completed answer. Unlike the command
// methods it returns its error, since the caller is waiting on the result.
func (c *Client) SubmitFeedback(ctx context.Context, fb Feedback) error {
	session := fb.SessionID
	if session == "" {
		session = c.opts.SessionID
	}
	err := c.api.SubmitFeedback(ctx, c.currentCredential(), api.FeedbackRequest{
		SessionID: session,
		MessageID: fb.MessageID,
		Rating:    fb.Rating,
		Feedback:  fb.Comment,
	})
	metrics.RecordFeedback(fb.Rating, err)
	return err
}
