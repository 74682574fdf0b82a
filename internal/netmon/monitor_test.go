package netmon

import (
	"sync/atomic"
	"testing"
)

func TestInitialState(t *testing.T) {
	if !New(true, nil).Online() {
		t.Error("Online() = false, want initial true")
	}
	if New(false, nil).Online() {
		t.Error("Online() = true, want initial false")
	}
}

// TestOnOnlineFiresOncePerEdge: the hook fires on the offline→online
// transition only, once per edge, never on repeated events or reads.
func TestOnOnlineFiresOncePerEdge(t *testing.T) {
	var fires atomic.Int32
	m := New(false, func() { fires.Add(1) })

	// Repeated offline events: nothing.
	m.Set(false)
	m.Set(false)
	if n := fires.Load(); n != 0 {
		t.Errorf("fires = %d after offline events, want 0", n)
	}

	m.Set(true)
	if n := fires.Load(); n != 1 {
		t.Errorf("fires = %d after going online, want 1", n)
	}

	// Repeated online events and state reads: still one.
	m.Set(true)
	_ = m.Online()
	_ = m.Online()
	if n := fires.Load(); n != 1 {
		t.Errorf("fires = %d after redundant online events, want 1", n)
	}

	// A full bounce fires again.
	m.Set(false)
	m.Set(true)
	if n := fires.Load(); n != 2 {
		t.Errorf("fires = %d after bounce, want 2", n)
	}
}

func TestOnlineStartDoesNotFire(t *testing.T) {
	var fires atomic.Int32
	m := New(true, func() { fires.Add(1) })

	m.Set(true)
	if n := fires.Load(); n != 0 {
		t.Errorf("fires = %d, want 0 (already online at startup)", n)
	}
}

func TestSubscribeReceivesEdges(t *testing.T) {
	m := New(true, nil)
	ch := m.Subscribe()

	m.Set(false)
	select {
	case v := <-ch:
		if v {
			t.Error("received true, want false")
		}
	default:
		t.Fatal("no edge delivered to subscriber")
	}

	m.Set(true)
	select {
	case v := <-ch:
		if !v {
			t.Error("received false, want true")
		}
	default:
		t.Fatal("no edge delivered to subscriber")
	}
}
