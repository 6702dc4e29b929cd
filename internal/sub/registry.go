// Package sub tracks a session's event subscriptions: which channel wants
// which events, over which browsing contexts, and in which priority order.
//
// Priority is sticky to the first subscribe of a (channel, event) pair:
// re-subscribing updates the context scope in place without advancing the
// channel's position. The registry owns the monotonic counter that assigns
// registration order; there is no ambient global state.
package sub

import (
	"sort"
	"strings"
	"sync"
)

type key struct {
	channel string
	spec    string
}

type entry struct {
	order    uint64
	all      bool
	contexts map[string]struct{}
}

// Registry holds the live subscriptions of one session.
type Registry struct {
	mu      sync.Mutex
	nextOrd uint64
	entries map[key]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[key]*entry)}
}

// Subscribe registers (or re-scopes) the given event specs for a channel.
// An event spec is either a full event name ("browsingContext.load") or a
// module prefix ("browsingContext") matching every event of that module.
// An empty contexts slice means all contexts, which is strictly broader than
// any explicit set.
func (r *Registry) Subscribe(channel string, events []string, contexts []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, spec := range events {
		k := key{channel: channel, spec: spec}
		e, ok := r.entries[k]
		if !ok {
			r.nextOrd++
			e = &entry{order: r.nextOrd}
			r.entries[k] = e
		}
		// Scope update applies on both first subscribe and re-subscribe;
		// the order number never moves after the first.
		if len(contexts) == 0 {
			e.all = true
			e.contexts = nil
			continue
		}
		e.all = false
		e.contexts = make(map[string]struct{}, len(contexts))
		for _, c := range contexts {
			e.contexts[c] = struct{}{}
		}
	}
}

// Unsubscribe removes the (channel, event) entries if present. Specs match
// exactly: unsubscribing a module prefix removes only the prefix entry.
// Missing entries are a no-op, not an error.
func (r *Registry) Unsubscribe(channel string, events []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, spec := range events {
		delete(r.entries, key{channel: channel, spec: spec})
	}
}

// Resolve returns every channel with a live subscription matching the event
// whose scope contains contextID, ascending by first-registration order.
// When a channel matches through several entries, its earliest order wins.
func (r *Registry) Resolve(event, contextID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	best := make(map[string]uint64)
	for k, e := range r.entries {
		if !specMatches(k.spec, event) {
			continue
		}
		if !e.all {
			if _, ok := e.contexts[contextID]; !ok {
				continue
			}
		}
		if ord, ok := best[k.channel]; !ok || e.order < ord {
			best[k.channel] = e.order
		}
	}

	channels := make([]string, 0, len(best))
	for ch := range best {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool {
		return best[channels[i]] < best[channels[j]]
	})
	return channels
}

// specMatches reports whether an event spec covers an event name: exact
// match, or module prefix ("log" covers "log.entryAdded").
func specMatches(spec, event string) bool {
	if spec == event {
		return true
	}
	return strings.HasPrefix(event, spec+".")
}
