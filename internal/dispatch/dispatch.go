// Package dispatch executes exactly one queued mutation against the
// event-platform API and reports the outcome. Retry policy belongs to the
// reconciler; the dispatcher only classifies what happened.
package dispatch

import (
	"context"
	"fmt"

	"github.com/summitlink/syncd/internal/mutation"
	"github.com/summitlink/syncd/internal/storage"
)

// QueueStore is the slice of the storage layer the dispatcher touches.
type QueueStore interface {
	UpdateMutationStatus(id, status string) error
	SetMutationError(id, errMsg string) error
	RemoveMutation(id string) error
}

// Caller is the outbound API surface, one call per operation type.
// Implemented by api.Client; mocked in tests.
type Caller interface {
	ScanConnection(ctx context.Context, p mutation.QRScanPayload) error
	CreateConnection(ctx context.Context, p mutation.CreateConnectionPayload) error
	SendMessage(ctx context.Context, p mutation.MessagePayload) error
	CreateRSVP(ctx context.Context, p mutation.RSVPPayload) error
	DeleteRSVP(ctx context.Context, p mutation.RSVPDeletePayload) error
	UpdateConnectionNote(ctx context.Context, p mutation.ConnectionNotePayload) error
	UpdateConnection(ctx context.Context, p mutation.ConnectionUpdatePayload) error
}

// Dispatcher replays queued mutations one at a time.
type Dispatcher struct {
	store  QueueStore
	caller Caller
}

func New(store QueueStore, caller Caller) *Dispatcher {
	return &Dispatcher{store: store, caller: caller}
}

// Dispatch marks m processing (incrementing its attempt count), replays it
// over the network, and on success removes it from the queue. On failure the
// record's status is left at processing for the caller's retry policy to
// resolve; the dispatch error is recorded on the record for diagnostics.
//
// Exactly one network call per dispatch; no batching or coalescing.
func (d *Dispatcher) Dispatch(ctx context.Context, m storage.Mutation) error {
	if err := d.store.UpdateMutationStatus(m.ID, storage.StatusProcessing); err != nil {
		return fmt.Errorf("marking mutation %s processing: %w", m.ID, err)
	}

	if err := d.call(ctx, m); err != nil {
		if setErr := d.store.SetMutationError(m.ID, err.Error()); setErr != nil {
			return fmt.Errorf("recording dispatch error for %s (%v): %w", m.ID, err, setErr)
		}
		return err
	}

	if err := d.store.UpdateMutationStatus(m.ID, storage.StatusCompleted); err != nil {
		return fmt.Errorf("marking mutation %s completed: %w", m.ID, err)
	}
	if err := d.store.RemoveMutation(m.ID); err != nil {
		return fmt.Errorf("removing completed mutation %s: %w", m.ID, err)
	}
	return nil
}

// call decodes the typed payload and routes to the matching API call. The
// switch is exhaustive over the closed operation set; Decode already rejects
// anything outside it with ErrUnknownOperation.
func (d *Dispatcher) call(ctx context.Context, m storage.Mutation) error {
	payload, err := mutation.Decode(mutation.Type(m.OpType), m.PayloadJSON)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case mutation.QRScanPayload:
		return d.caller.ScanConnection(ctx, p)
	case mutation.CreateConnectionPayload:
		return d.caller.CreateConnection(ctx, p)
	case mutation.MessagePayload:
		return d.caller.SendMessage(ctx, p)
	case mutation.RSVPPayload:
		return d.caller.CreateRSVP(ctx, p)
	case mutation.RSVPDeletePayload:
		return d.caller.DeleteRSVP(ctx, p)
	case mutation.ConnectionNotePayload:
		return d.caller.UpdateConnectionNote(ctx, p)
	case mutation.ConnectionUpdatePayload:
		return d.caller.UpdateConnection(ctx, p)
	default:
		return fmt.Errorf("%w: %q", mutation.ErrUnknownOperation, m.OpType)
	}
}
