// Package memory keeps crawl and alert events in process for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// DefaultRetention is how many events a Publisher remembers when none is given.
const DefaultRetention = 1000

// Event is one recorded publish.
type Event struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher records events, dropping the oldest beyond its retention so a
// long-running local server does not grow without bound.
type Publisher struct {
	mu        sync.RWMutex
	retention int
	seq       int
	events    []Event
}

// New returns a Publisher remembering the last retention events.
func New(retention int) *Publisher {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Publisher{retention: retention}
}

// Publish records payload under topic and returns its sequence ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish %s canceled: %w", topic, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	ev := Event{ID: fmt.Sprintf("memory-%d", p.seq), Topic: topic, Payload: payload}
	p.events = append(p.events, ev)
	if over := len(p.events) - p.retention; over > 0 {
		p.events = append(p.events[:0:0], p.events[over:]...)
	}
	return ev.ID, nil
}

// Events returns the retained events, oldest first. An empty topic matches all.
func (p *Publisher) Events(topic string) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, 0, len(p.events))
	for _, ev := range p.events {
		if topic == "" || ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}
