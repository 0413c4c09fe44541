package metrics

import (
	"time"

	"coinlink/logger"
)

const (
	stateTransitionMetric = "state_transitions"
	topicUpdateMetric     = "topic_update"
	errorMetric           = "errors"
	streamRecordsMetric   = "stream_records"
	streamDurationMetric  = "stream_duration"
	feedbackMetric        = "feedback_submitted"
)

// RecordStateChange counts a connection state transition.
func RecordStateChange(from, to string, attempt int) {
	EmitMetric(nil, "connection", stateTransitionMetric, 1, "counter", logger.Fields{
		"from":    from,
		"to":      to,
		"attempt": attempt,
		"unit":    "count",
	})
}

// RecordTopicUpdate counts one decoded push update.
func RecordTopicUpdate(topic string, warnings int) {
	EmitMetric(nil, "push", topicUpdateMetric, 1, "counter", logger.Fields{
		"topic":    topic,
		"warnings": warnings,
		"unit":     "count",
	})
}

// RecordError counts an error surfaced to the caller, labelled by kind.
func RecordError(component, kind string) {
	EmitMetric(nil, component, errorMetric, 1, "counter", logger.Fields{
		"kind": kind,
		"unit": "count",
	})
}

// RecordStream reports a finished streaming answer.
func RecordStream(records int, elapsed time.Duration, outcome string) {
	EmitMetric(nil, "chat", streamRecordsMetric, records, "counter", logger.Fields{
		"outcome": outcome,
		"unit":    "count",
	})
	EmitMetric(nil, "chat", streamDurationMetric, elapsed, "histogram", logger.Fields{
		"outcome": outcome,
		"unit":    "milliseconds",
	})
}

// RecordFeedback counts a feedback submission.
func RecordFeedback(rating int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	EmitMetric(nil, "chat", feedbackMetric, 1, "counter", logger.Fields{
		"outcome": outcome,
		"rating":  rating,
		"unit":    "count",
	})
}
