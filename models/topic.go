package models

import "strings"

// Topic is a named category of push update. The set is closed.
type Topic string

const (
	TopicBalance   Topic = "balance"
	TopicPositions Topic = "positions"
	TopicPnL       Topic = "pnl"
	TopicOrders    Topic = "orders"
)

var allTopics = []Topic{TopicBalance, TopicPositions, TopicPnL, TopicOrders}

// singular names used by older server builds
var topicAliases = map[string]Topic{
	"position": TopicPositions,
	"order":    TopicOrders,
}

// AllTopics returns every known topic in canonical order.
func AllTopics() []Topic {
	out := make([]Topic, len(allTopics))
	copy(out, allTopics)
	return out
}

// ParseTopic maps a wire name onto the closed set.
func ParseTopic(name string) (Topic, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, t := range allTopics {
		if string(t) == name {
			return t, true
		}
	}
	if t, ok := topicAliases[name]; ok {
		return t, true
	}
	return "", false
}

// ParseTopics parses names, returning the valid topics and the rejected names.
func ParseTopics(names []string) ([]Topic, []string) {
	topics := make([]Topic, 0, len(names))
	var invalid []string
	for _, n := range names {
		if t, ok := ParseTopic(n); ok {
			topics = append(topics, t)
			continue
		}
		invalid = append(invalid, n)
	}
	return topics, invalid
}

// Valid reports whether t is a canonical member of the closed set.
func (t Topic) Valid() bool {
	switch t {
	case TopicBalance, TopicPositions, TopicPnL, TopicOrders:
		return true
	}
	return false
}

// UpdateEvent is the push event name carrying this topic.
func (t Topic) UpdateEvent() string {
	return string(t) + "_update"
}

// TopicStrings converts topics to their wire names.
func TopicStrings(topics []Topic) []string {
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = string(t)
	}
	return out
}
