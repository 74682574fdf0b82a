package cache

import (
	"encoding/json"
	"log/slog"

	"github.com/summitlink/syncd/internal/mutation"
	"github.com/summitlink/syncd/internal/storage"
)

// CacheClearer is the deletion slice of the storage layer.
type CacheClearer interface {
	ClearDataset(key string) error
	ClearThread(conversationID string) error
}

// Invalidator drops cache entries made stale by a successfully replayed
// mutation, so the next read refetches instead of rendering data the server
// has since moved past. Everything here is best-effort: the mutation
// already succeeded remotely, so a failed delete is logged, never fatal.
type Invalidator struct {
	store  CacheClearer
	byOp   map[mutation.Type][]string
	logger *slog.Logger
}

// NewInvalidator maps each operation type to the dataset keys it makes
// stale. A message mutation additionally drops the cached thread for its
// conversation.
func NewInvalidator(store CacheClearer, byOp map[mutation.Type][]string) *Invalidator {
	return &Invalidator{store: store, byOp: byOp, logger: slog.Default()}
}

func (iv *Invalidator) Invalidate(m storage.Mutation) {
	op := mutation.Type(m.OpType)

	for _, key := range iv.byOp[op] {
		if err := iv.store.ClearDataset(key); err != nil {
			iv.logger.Error("invalidating dataset", "key", key, "op_type", m.OpType, "error", err)
		}
	}

	if op != mutation.TypeMessage {
		return
	}
	var p mutation.MessagePayload
	if err := json.Unmarshal([]byte(m.PayloadJSON), &p); err != nil || p.ConversationID == "" {
		return
	}
	if err := iv.store.ClearThread(p.ConversationID); err != nil {
		iv.logger.Error("invalidating thread", "conversation_id", p.ConversationID, "error", err)
	}
}
