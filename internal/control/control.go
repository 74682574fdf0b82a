// Package control is the local HTTP surface the Summit Link client and the
// syncd CLI talk to: connectivity/queue status, manual sync, queue
// administration, and the platform connectivity hook.
package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/summitlink/syncd/internal/cache"
	"github.com/summitlink/syncd/internal/mutation"
	"github.com/summitlink/syncd/internal/netmon"
	"github.com/summitlink/syncd/internal/reconcile"
	"github.com/summitlink/syncd/internal/storage"
)

// Deps carries the collaborators behind the control handlers.
type Deps struct {
	Store      *storage.Store
	Monitor    *netmon.Monitor
	Reconciler *reconcile.Reconciler
	Token      string

	// Read path: Reads serves live-first/cache-fallback reads for the
	// dataset keys in Datasets and for conversation threads via
	// ThreadFetch. Left nil, the /data and /threads routes are omitted.
	Reads       *cache.ReadThrough
	Datasets    map[string]cache.FetchFn
	ThreadFetch func(conversationID string) cache.FetchFn
}

// Status is the payload behind the offline banner: connectivity plus the
// pending and failed badge counts.
type Status struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
	Failed  int  `json:"failed"`
	Total   int  `json:"total"`
	Syncing bool `json:"syncing"`
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Post("/mutations", handleSubmit(deps))
		r.Post("/sync", handleSync(deps))
		r.Post("/network", handleNetwork(deps))
		r.Get("/queue", handleListQueue(deps))
		r.Get("/queue/failed", handleListFailed(deps))
		r.Post("/queue/failed/reset", handleResetFailed(deps))
		r.Delete("/queue", handleClearQueue(deps))
		r.Delete("/cache", handleClearCache(deps))
		r.Delete("/cache/{key}", handleClearCacheKey(deps))

		if deps.Reads != nil {
			r.Get("/data/{key}", handleReadDataset(deps))
			r.Get("/threads/{conversationID}", handleReadThread(deps))
		}
	})

	return r
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		pending, err := deps.Store.CountPendingMutations()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "counting pending: %v", err)
			return
		}
		failed, err := deps.Store.CountFailedMutations()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "counting failed: %v", err)
			return
		}
		total, err := deps.Store.CountMutations()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "counting queue: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, Status{
			Online:  deps.Monitor.Online(),
			Pending: pending,
			Failed:  failed,
			Total:   total,
			Syncing: deps.Reconciler.Running(),
		})
	}
}

// handleSubmit queues a user action for later replay. The payload is
// validated against the operation's schema before anything is persisted, so
// a malformed action is rejected here rather than poisoning the queue. Once
// the row is durable, connectivity decides whether a pass fires immediately.
func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			OwnerID string          `json:"owner_id"`
			OpType  string          `json:"op_type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "decoding body: %v", err)
			return
		}
		payload := string(body.Payload)
		if payload == "" {
			payload = "{}"
		}
		if _, err := mutation.Decode(mutation.Type(body.OpType), payload); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid mutation: %v", err)
			return
		}

		m := storage.Mutation{
			ID:          uuid.New().String(),
			OwnerID:     body.OwnerID,
			OpType:      body.OpType,
			PayloadJSON: payload,
		}
		if err := reconcile.Submit(deps.Store, deps.Reconciler, deps.Monitor.Online, m); err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "queueing mutation: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": m.ID, "status": storage.StatusPending})
	}
}

// handleSync runs a reconciliation pass synchronously and returns its
// report. When a pass is already in flight the trigger is dropped and the
// response says so; it is not queued.
func handleSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, started := deps.Reconciler.Run(r.Context())
		if !started {
			writeJSON(w, http.StatusConflict, map[string]any{"started": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"started": true, "report": report})
	}
}

// handleNetwork is the platform connectivity hook: the client forwards its
// native online/offline events here, which drives the monitor's state
// machine (and, on an offline→online edge, a reconciliation pass).
func handleNetwork(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Online *bool `json:"online"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "body must be {\"online\": bool}")
			return
		}
		deps.Monitor.Set(*body.Online)
		writeJSON(w, http.StatusOK, map[string]bool{"online": deps.Monitor.Online()})
	}
}

type queueItem struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	OpType    string `json:"op_type"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	CreatedAt int64  `json:"created_at"`
	LastError string `json:"last_error,omitempty"`
}

func toQueueItems(ms []storage.Mutation) []queueItem {
	items := make([]queueItem, 0, len(ms))
	for _, m := range ms {
		items = append(items, queueItem{
			ID:        m.ID,
			OwnerID:   m.OwnerID,
			OpType:    m.OpType,
			Status:    m.Status,
			Attempts:  m.Attempts,
			CreatedAt: m.CreatedAt.UnixMilli(),
			LastError: m.LastError,
		})
	}
	return items
}

func handleListQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		ms, err := deps.Store.ListMutations()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "listing queue: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toQueueItems(ms))
	}
}

func handleListFailed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		ms, err := deps.Store.ListFailedMutations()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "listing failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toQueueItems(ms))
	}
}

func handleResetFailed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		n, err := deps.Store.ResetFailedMutations()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "resetting failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"reset": n})
	}
}

func handleClearQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := deps.Store.ClearMutations(); err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "clearing queue: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

// readResponse carries a snapshot plus its freshness so a screen can render
// "showing cached data from ..." when stale.
type readResponse struct {
	Data      json.RawMessage `json:"data"`
	Stale     bool            `json:"stale"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func handleReadDataset(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		fetch, ok := deps.Datasets[key]
		if !ok {
			httpError(w, http.StatusNotFound, "invalid_request_error", "unknown dataset %q", key)
			return
		}
		res, err := deps.Reads.Read(r.Context(), key, fetch)
		if err != nil {
			// Live fetch failed and nothing is cached: no data available.
			httpError(w, http.StatusServiceUnavailable, "api_error", "no data available for %s: %v", key, err)
			return
		}
		writeJSON(w, http.StatusOK, readResponse{Data: res.Data, Stale: res.Stale, UpdatedAt: res.UpdatedAt})
	}
}

func handleReadThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "conversationID")
		res, err := deps.Reads.ReadThread(r.Context(), id, deps.ThreadFetch(id))
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "no data available for conversation %s: %v", id, err)
			return
		}
		writeJSON(w, http.StatusOK, readResponse{Data: res.Data, Stale: res.Stale, UpdatedAt: res.UpdatedAt})
	}
}

func handleClearCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := deps.Store.ClearDatasets(); err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "clearing datasets: %v", err)
			return
		}
		if err := deps.Store.ClearThreads(); err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "clearing threads: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func handleClearCacheKey(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if err := deps.Store.ClearDataset(key); err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "clearing dataset %s: %v", key, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "key": key})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
