package engine

import (
	"sort"
	"sync"
)

// Registry maps intent names to rule handlers. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]RuleHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]RuleHandler),
	}
}

// Register binds a handler to an intent name, replacing any previous
// binding.
func (r *Registry) Register(intent string, handler RuleHandler) {
	if intent == "" || handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[intent] = handler
}

// Get returns the handler for an intent, or nil.
func (r *Registry) Get(intent string) RuleHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[intent]
}

// Intents lists the registered intent names in sorted order.
func (r *Registry) Intents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	intents := make([]string, 0, len(r.handlers))
	for intent := range r.handlers {
		intents = append(intents, intent)
	}
	sort.Strings(intents)
	return intents
}
