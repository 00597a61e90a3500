package transport

import (
	"sync"
)

// Handler processes a message delivered to an endpoint. Handlers must not
// block; they may call Send, but only after releasing any locks that a
// reentrant delivery could contend on.
type Handler func(from string, msg Message)

// Transport is the point-to-point delivery primitive between master,
// agents and frameworks. Delivery is best-effort: Send never returns an
// error and never blocks; a missing endpoint or an installed drop rule
// silently discards the message.
type Transport interface {
	Register(id string, h Handler)
	Unregister(id string)
	Send(from, to string, msg Message)
}

// DropRule decides whether a message is discarded in transit. Used to
// simulate partitions and message loss.
type DropRule func(from, to string, msg Message) bool

// LocalBus is an in-process Transport. Delivery is synchronous in the
// sender's goroutine, which keeps multi-component tests deterministic.
type LocalBus struct {
	mu        sync.RWMutex
	endpoints map[string]Handler
	rules     map[int]DropRule
	nextRule  int
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		endpoints: make(map[string]Handler),
		rules:     make(map[int]DropRule),
	}
}

// Register attaches a handler to an endpoint ID, replacing any previous
// handler for that ID.
func (b *LocalBus) Register(id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endpoints[id] = h
}

// Unregister detaches an endpoint. Messages to it are dropped afterwards.
func (b *LocalBus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, id)
}

// Drop installs a drop rule and returns a function that removes it.
func (b *LocalBus) Drop(rule DropRule) func() {
	b.mu.Lock()
	id := b.nextRule
	b.nextRule++
	b.rules[id] = rule
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.rules, id)
		b.mu.Unlock()
	}
}

// Send delivers msg to the endpoint registered under to. Messages matching
// a drop rule, or addressed to an unknown endpoint, vanish without error.
func (b *LocalBus) Send(from, to string, msg Message) {
	b.mu.RLock()
	for _, rule := range b.rules {
		if rule(from, to, msg) {
			b.mu.RUnlock()
			return
		}
	}
	h := b.endpoints[to]
	b.mu.RUnlock()

	if h == nil {
		return
	}
	h(from, msg)
}
