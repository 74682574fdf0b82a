package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/summitlink/syncd/internal/api"
	"github.com/summitlink/syncd/internal/mutation"
	"github.com/summitlink/syncd/internal/storage"
)

type mockCaller struct {
	sendMessageFn func(ctx context.Context, p mutation.MessagePayload) error
	createRSVPFn  func(ctx context.Context, p mutation.RSVPPayload) error
	calls         []string
}

func (m *mockCaller) ScanConnection(_ context.Context, _ mutation.QRScanPayload) error {
	m.calls = append(m.calls, "qr_scan")
	return nil
}

func (m *mockCaller) CreateConnection(_ context.Context, _ mutation.CreateConnectionPayload) error {
	m.calls = append(m.calls, "create_connection")
	return nil
}

func (m *mockCaller) SendMessage(ctx context.Context, p mutation.MessagePayload) error {
	m.calls = append(m.calls, "message")
	if m.sendMessageFn != nil {
		return m.sendMessageFn(ctx, p)
	}
	return nil
}

func (m *mockCaller) CreateRSVP(ctx context.Context, p mutation.RSVPPayload) error {
	m.calls = append(m.calls, "rsvp")
	if m.createRSVPFn != nil {
		return m.createRSVPFn(ctx, p)
	}
	return nil
}

func (m *mockCaller) DeleteRSVP(_ context.Context, _ mutation.RSVPDeletePayload) error {
	m.calls = append(m.calls, "rsvp_delete")
	return nil
}

func (m *mockCaller) UpdateConnectionNote(_ context.Context, _ mutation.ConnectionNotePayload) error {
	m.calls = append(m.calls, "connection_note")
	return nil
}

func (m *mockCaller) UpdateConnection(_ context.Context, _ mutation.ConnectionUpdatePayload) error {
	m.calls = append(m.calls, "connection_update")
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, s *storage.Store, id, opType, payload string) storage.Mutation {
	t.Helper()
	m := storage.Mutation{ID: id, OwnerID: "u1", OpType: opType, PayloadJSON: payload}
	if err := s.EnqueueMutation(m); err != nil {
		t.Fatalf("EnqueueMutation: %v", err)
	}
	got, err := s.GetMutation(id)
	if err != nil {
		t.Fatalf("GetMutation: %v", err)
	}
	return got
}

// TestDispatchSuccessRemovesRecord: after a successful dispatch, the record
// is absent from both GetMutation and ListMutations.
func TestDispatchSuccessRemovesRecord(t *testing.T) {
	store := openTestStore(t)
	caller := &mockCaller{}
	d := New(store, caller)

	m := enqueue(t, store, "m1", "message", `{"conversation_id":"c1","content":"hi"}`)
	if err := d.Dispatch(context.Background(), m); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if _, err := store.GetMutation("m1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetMutation after success = %v, want ErrNotFound", err)
	}
	all, err := store.ListMutations()
	if err != nil {
		t.Fatalf("ListMutations: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("ListMutations has %d records after success, want 0", len(all))
	}
	if len(caller.calls) != 1 || caller.calls[0] != "message" {
		t.Errorf("calls = %v, want [message]", caller.calls)
	}
}

// TestDispatchFailureLeavesRecord: the dispatcher increments attempts and
// records the error but does not decide retry-vs-fail.
func TestDispatchFailureLeavesRecord(t *testing.T) {
	store := openTestStore(t)
	caller := &mockCaller{
		createRSVPFn: func(context.Context, mutation.RSVPPayload) error {
			return &api.TransientError{Status: 503}
		},
	}
	d := New(store, caller)

	m := enqueue(t, store, "m1", "rsvp", `{"session_id":"s1"}`)
	err := d.Dispatch(context.Background(), m)
	if err == nil {
		t.Fatal("Dispatch succeeded, want failure")
	}
	if !api.IsTransient(err) {
		t.Errorf("error lost its transient classification: %v", err)
	}

	got, getErr := store.GetMutation("m1")
	if getErr != nil {
		t.Fatalf("GetMutation: %v", getErr)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.Status != storage.StatusProcessing {
		t.Errorf("Status = %q, want processing (retry policy belongs to the caller)", got.Status)
	}
	if got.LastError == "" {
		t.Error("LastError not recorded")
	}
}

// TestDispatchUnknownOperation: an op type outside the closed set is a
// programmer error, distinct from a network condition, and makes no call.
func TestDispatchUnknownOperation(t *testing.T) {
	store := openTestStore(t)
	caller := &mockCaller{}
	d := New(store, caller)

	m := enqueue(t, store, "m1", "teleport", `{}`)
	err := d.Dispatch(context.Background(), m)
	if !errors.Is(err, mutation.ErrUnknownOperation) {
		t.Fatalf("Dispatch = %v, want ErrUnknownOperation", err)
	}
	if api.IsTransient(err) {
		t.Error("unknown operation wrongly classified transient")
	}
	if len(caller.calls) != 0 {
		t.Errorf("network calls made for unknown op: %v", caller.calls)
	}
}

// TestDispatchRoutesEveryOperation covers the full registry.
func TestDispatchRoutesEveryOperation(t *testing.T) {
	payloads := map[string]string{
		"qr_scan":           `{"scanned_user_id":"u2"}`,
		"create_connection": `{"target_user_id":"u3"}`,
		"message":           `{"conversation_id":"c1","content":"hi"}`,
		"rsvp":              `{"session_id":"s1"}`,
		"rsvp_delete":       `{"rsvp_id":"r1"}`,
		"connection_note":   `{"connection_id":"cn1","note":"n"}`,
		"connection_update": `{"connection_id":"cn1","fields":{"role":"CTO"}}`,
	}

	store := openTestStore(t)
	caller := &mockCaller{}
	d := New(store, caller)

	for _, typ := range mutation.Types() {
		op := string(typ)
		m := enqueue(t, store, "m-"+op, op, payloads[op])
		if err := d.Dispatch(context.Background(), m); err != nil {
			t.Errorf("Dispatch(%s): %v", op, err)
		}
	}

	if len(caller.calls) != len(mutation.Types()) {
		t.Fatalf("calls = %v, want one per operation type", caller.calls)
	}
	for i, typ := range mutation.Types() {
		if caller.calls[i] != string(typ) {
			t.Errorf("call %d = %q, want %q", i, caller.calls[i], typ)
		}
	}
}
