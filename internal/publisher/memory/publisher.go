// Package memory provides the in-process publisher used by tests and
// events-disabled runs.
package memory

import (
	"context"
	"strconv"
	"sync"
)

// PublishedMessage is one recorded publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// Publisher keeps every published message in publish order so tests can
// assert on the event stream.
type Publisher struct {
	mu  sync.Mutex
	seq int
	log []PublishedMessage
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish appends the message and returns a sequence id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.log = append(p.log, PublishedMessage{Topic: topic, Payload: payload})
	return "mem-" + strconv.Itoa(p.seq), nil
}

// Messages returns a copy of the recorded messages.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedMessage, len(p.log))
	copy(out, p.log)
	return out
}
