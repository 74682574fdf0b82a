// Package netmon tracks connectivity as a two-state machine (online /
// offline) driven entirely by platform-level events fed through Set. The
// monitor never probes the network itself; a lying connectivity signal just
// means reconciliation attempts fail and get retried.
package netmon

import (
	"log/slog"
	"sync"
)

// Monitor holds the current connectivity state and notifies on changes.
// The OnOnline hook fires exactly once per offline→online transition, not
// on every consultation.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	onOnline func()
	subs     []chan bool
	logger   *slog.Logger
}

// New creates a Monitor with the given initial state, normally read from
// the platform's connectivity indicator at startup. onOnline may be nil.
func New(initialOnline bool, onOnline func()) *Monitor {
	return &Monitor{
		online:   initialOnline,
		onOnline: onOnline,
		logger:   slog.Default(),
	}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a connectivity event. Repeated events for the current state
// are ignored; only a real edge notifies subscribers, and only the
// offline→online edge fires the OnOnline hook.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity restored")
	} else {
		m.logger.Info("connectivity lost")
	}

	for _, ch := range subs {
		// Non-blocking: a slow subscriber misses an edge rather than
		// stalling the platform event source.
		select {
		case ch <- online:
		default:
		}
	}

	if online && m.onOnline != nil {
		m.onOnline()
	}
}

// Subscribe returns a channel receiving connectivity edges. The channel is
// buffered by one; unsubscribing is not supported (subscribers live for the
// process lifetime).
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}
