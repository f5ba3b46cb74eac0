package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/coordinator"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// Handler turns data-changed notifications into record_update messages.
//
// Notifications coalesce, so the handler keeps the last revision it
// broadcast for every record and diffs the current list against it.
type Handler struct {
	server *Server
	logger *log.Logger

	mu      sync.Mutex
	seen    map[string]int64
	lastGen uint64
	timeout time.Duration
}

// NewHandler creates a handler broadcasting through server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{
		server:  server,
		logger:  logger,
		seen:    make(map[string]int64),
		timeout: 5 * time.Second,
	}
}

// Prime records the current state without broadcasting, so the first
// notification only reports what changed after start-up.
func (h *Handler) Prime(ctx context.Context) error {
	recs, err := h.server.backend.ListRecords(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range recs {
		h.seen[rec.ID] = rec.Revision
	}
	return nil
}

// OnDataChanged is registered with coordinator.OnDataChanged.
func (h *Handler) OnDataChanged(ev coordinator.DataChanged) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	recs, err := h.server.backend.ListRecords(ctx)
	if err != nil {
		h.logger.Printf("Failed to list records after change %d: %v", ev.Generation, err)
		return
	}

	h.mu.Lock()
	if ev.Generation <= h.lastGen {
		h.mu.Unlock()
		return
	}
	h.lastGen = ev.Generation
	updates := h.diffLocked(recs)
	h.mu.Unlock()

	for _, u := range updates {
		data, err := json.Marshal(u)
		if err != nil {
			h.logger.Printf("Failed to marshal record update: %v", err)
			continue
		}
		h.server.Broadcast(Message{Type: MessageTypeRecordUpdate, Timestamp: time.Now(), Data: data})
	}
	if len(updates) > 0 {
		if msg, err := h.server.statsMessage(ctx); err == nil {
			h.server.Broadcast(msg)
		}
	}
}

// diffLocked compares recs (live records only) with the last broadcast.
func (h *Handler) diffLocked(recs []workout.Record) []RecordUpdateData {
	var updates []RecordUpdateData
	live := make(map[string]bool, len(recs))
	for _, rec := range recs {
		live[rec.ID] = true
		prev, known := h.seen[rec.ID]
		if known && prev == rec.Revision {
			continue
		}
		action := "updated"
		if !known {
			action = "created"
		}
		h.seen[rec.ID] = rec.Revision
		updates = append(updates, RecordUpdateData{
			ID:              rec.ID,
			Action:          action,
			OccurredAt:      rec.OccurredAt,
			DurationSeconds: rec.DurationSeconds,
			Origin:          string(rec.Origin),
			AudioArtifact:   rec.AudioArtifact,
			Revision:        rec.Revision,
		})
	}
	for id := range h.seen {
		if !live[id] {
			delete(h.seen, id)
			updates = append(updates, RecordUpdateData{ID: id, Action: "deleted"})
		}
	}
	return updates
}
