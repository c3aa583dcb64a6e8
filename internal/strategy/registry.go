package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotRegistered is returned when a lookup names an unknown kind.
var ErrNotRegistered = errors.New("strategy: not registered")

// Registry maps kind tags to strategies. Lookups are case-insensitive;
// tags are stored uppercase. Re-registering a tag replaces the previous
// strategy, so startup wiring is idempotent.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// NewDefaultRegistry returns a registry seeded with the built-in kinds.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewBirthday())
	r.Register(NewAnniversary())
	return r
}

// Register adds or replaces the strategy for its kind tag.
func (r *Registry) Register(s Strategy) {
	tag := strings.ToUpper(strings.TrimSpace(s.MessageType()))
	r.mu.Lock()
	r.strategies[tag] = s
	r.mu.Unlock()
}

// Get resolves a kind tag. Unknown tags fail with ErrNotRegistered and the
// list of known tags for the operator reading the log line.
func (r *Registry) Get(messageType string) (Strategy, error) {
	tag := strings.ToUpper(strings.TrimSpace(messageType))
	r.mu.RLock()
	s, ok := r.strategies[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrNotRegistered, messageType, strings.Join(r.Tags(), ", "))
	}
	return s, nil
}

// All returns every registered strategy, ordered by tag for stable iteration.
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.strategies))
	for _, tag := range r.tagsLocked() {
		out = append(out, r.strategies[tag])
	}
	return out
}

// Tags returns the registered kind tags, sorted.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tagsLocked()
}

func (r *Registry) tagsLocked() []string {
	tags := make([]string, 0, len(r.strategies))
	for tag := range r.strategies {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
