package subscription

import (
	"sort"

	"coinlink/models"
)

// Registry is the authoritative desired topic set. It is independent of the
// connection: transport events never touch it, and it never talks to the
// transport. Callers serialize access (the client's executor does).
type Registry struct {
	topics map[models.Topic]struct{}
}

// NewRegistry returns a registry holding the initial topics.
func NewRegistry(initial ...models.Topic) *Registry {
	r := &Registry{topics: make(map[models.Topic]struct{})}
	r.Add(initial...)
	return r
}

// Add inserts topics and returns the ones that were not already present.
func (r *Registry) Add(topics ...models.Topic) []models.Topic {
	var added []models.Topic
	for _, t := range topics {
		if _, ok := r.topics[t]; ok {
			continue
		}
		r.topics[t] = struct{}{}
		added = append(added, t)
	}
	return added
}

// Remove deletes topics and returns the ones that were present.
func (r *Registry) Remove(topics ...models.Topic) []models.Topic {
	var removed []models.Topic
	for _, t := range topics {
		if _, ok := r.topics[t]; !ok {
			continue
		}
		delete(r.topics, t)
		removed = append(removed, t)
	}
	return removed
}

func (r *Registry) Contains(t models.Topic) bool {
	_, ok := r.topics[t]
	return ok
}

// Current returns a sorted copy of the desired set.
func (r *Registry) Current() []models.Topic {
	out := make([]models.Topic, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Len() int { return len(r.topics) }
