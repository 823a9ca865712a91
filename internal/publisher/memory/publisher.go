// Package memory records change events in-process for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/pagewatch/internal/tracker"
)

// Publisher stores published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []tracker.ChangeEvent
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, event tracker.ChangeEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns the recorded events.
func (p *Publisher) Events() []tracker.ChangeEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]tracker.ChangeEvent, len(p.events))
	copy(out, p.events)
	return out
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
