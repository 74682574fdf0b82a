// Package reconcile drains the offline mutation queue: one sequential pass
// over every pending mutation, bounded retries, and a single in-flight
// guard so overlapping triggers can't double-dispatch an item.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/summitlink/syncd/internal/api"
	"github.com/summitlink/syncd/internal/mutation"
	"github.com/summitlink/syncd/internal/storage"
)

const defaultMaxAttempts = 3

// QueueStore is the slice of the storage layer a pass needs.
type QueueStore interface {
	ListPendingMutations() ([]storage.Mutation, error)
	UpdateMutationStatus(id, status string) error
}

// Dispatcher replays one mutation end-to-end.
type Dispatcher interface {
	Dispatch(ctx context.Context, m storage.Mutation) error
}

// Invalidator drops read-cache entries made stale by a successful mutation.
// Optional; a nil invalidator skips the step.
type Invalidator interface {
	Invalidate(m storage.Mutation)
}

// Report summarizes one completed pass.
type Report struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// Reconciler runs reconciliation passes. At most one pass is in flight at a
// time; a trigger that arrives while a pass is running is ignored, not queued.
type Reconciler struct {
	store       QueueStore
	dispatcher  Dispatcher
	invalidator Invalidator
	maxAttempts int
	inFlight    atomic.Bool
	logger      *slog.Logger
}

// New creates a Reconciler. If maxAttempts is <= 0, it defaults to 3.
func New(store QueueStore, dispatcher Dispatcher, invalidator Invalidator, maxAttempts int) *Reconciler {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Reconciler{
		store:       store,
		dispatcher:  dispatcher,
		invalidator: invalidator,
		maxAttempts: maxAttempts,
		logger:      slog.Default(),
	}
}

// Run executes one full pass and reports what it did. The boolean is false
// when another pass was already in flight and this trigger was dropped.
//
// Items are attempted oldest-first, sequentially; a failure on one item
// never prevents attempting the next, and the pass always visits every
// item it listed.
func (r *Reconciler) Run(ctx context.Context) (Report, bool) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return Report{}, false
	}
	defer r.inFlight.Store(false)

	var report Report

	pending, err := r.store.ListPendingMutations()
	if err != nil {
		r.logger.Error("listing pending mutations", "error", err)
		return report, true
	}
	if len(pending) == 0 {
		return report, true
	}

	r.logger.Info("reconciliation pass starting", "pending", len(pending))

	for _, m := range pending {
		if ctx.Err() != nil {
			// Shutdown mid-pass: remaining items stay pending for the
			// next trigger.
			r.logger.Info("reconciliation pass interrupted", "remaining", len(pending)-report.Attempted)
			return report, true
		}

		report.Attempted++
		err := r.dispatcher.Dispatch(ctx, m)
		if err == nil {
			report.Succeeded++
			if r.invalidator != nil {
				r.invalidator.Invalidate(m)
			}
			continue
		}

		attempts := m.Attempts + 1 // the dispatcher incremented before calling

		switch {
		case errors.Is(err, mutation.ErrUnknownOperation):
			// Programmer error: retrying can never fix it, so it must not
			// burn retry budget looking like a network condition.
			report.Failed++
			r.logger.Error("mutation has no dispatch mapping, failing permanently",
				"id", m.ID, "op_type", m.OpType)
			r.markStatus(m.ID, storage.StatusFailed)
		case !api.IsTransient(err):
			report.Failed++
			r.logger.Error("mutation rejected by server, failing permanently",
				"id", m.ID, "op_type", m.OpType, "error", err)
			r.markStatus(m.ID, storage.StatusFailed)
		case attempts >= r.maxAttempts:
			report.Failed++
			r.logger.Warn("mutation exhausted retries",
				"id", m.ID, "op_type", m.OpType, "attempts", attempts, "error", err)
			r.markStatus(m.ID, storage.StatusFailed)
		default:
			report.Retried++
			r.logger.Warn("mutation dispatch failed, will retry",
				"id", m.ID, "op_type", m.OpType, "attempts", attempts, "error", err)
			r.markStatus(m.ID, storage.StatusPending)
		}
	}

	r.logger.Info("reconciliation pass finished",
		"attempted", report.Attempted, "succeeded", report.Succeeded,
		"retried", report.Retried, "failed", report.Failed)
	return report, true
}

// Running reports whether a pass is currently in flight.
func (r *Reconciler) Running() bool {
	return r.inFlight.Load()
}

func (r *Reconciler) markStatus(id, status string) {
	if err := r.store.UpdateMutationStatus(id, status); err != nil {
		r.logger.Error("updating mutation status", "id", id, "status", status, "error", err)
	}
}

// Submit enqueues a mutation and, when online, immediately triggers a pass
// in the background (queue-then-fire). Storage errors propagate to the
// caller so the UI never claims an action was saved when it was not.
func Submit(store MutationEnqueuer, r *Reconciler, online func() bool, m storage.Mutation) error {
	if err := store.EnqueueMutation(m); err != nil {
		return fmt.Errorf("enqueueing %s mutation: %w", m.OpType, err)
	}
	if online != nil && online() {
		go r.Run(context.Background())
	}
	return nil
}

// MutationEnqueuer is the enqueue half of the storage layer.
type MutationEnqueuer interface {
	EnqueueMutation(m storage.Mutation) error
}
