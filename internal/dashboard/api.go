package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/coordinator"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/syncerr"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

// Backend is the device the dashboard drives.
type Backend interface {
	SubmitRecord(ctx context.Context, in workout.Input) (workout.Record, error)
	DeleteRecord(ctx context.Context, id string) error
	ListRecords(ctx context.Context) ([]workout.Record, error)
	ManualSync(ctx context.Context) error
	Status(ctx context.Context) (coordinator.Status, error)
}

// SubmitRequest is the body of POST /api/records. AudioPath, when set, must
// name a finished recording in the scratch directory.
type SubmitRequest struct {
	OccurredAt      time.Time `json:"occurred_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	AudioPath       string    `json:"audio_path,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := s.backend.ListRecords(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []workout.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSubmitRecord(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	rec, err := s.backend.SubmitRecord(r.Context(), workout.Input{
		OccurredAt:      req.OccurredAt,
		DurationSeconds: req.DurationSeconds,
		AudioPath:       req.AudioPath,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.DeleteRecord(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	err := s.backend.ManualSync(r.Context())

	data := SyncCompleteData{Duration: time.Since(start)}
	if err != nil {
		data.Error = err.Error()
	}
	if raw, mErr := json.Marshal(data); mErr == nil {
		s.Broadcast(Message{Type: MessageTypeSyncComplete, Data: raw})
	}

	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) statsMessage(ctx context.Context) (Message, error) {
	st, err := s.backend.Status(ctx)
	if err != nil {
		return Message{}, err
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: raw}, nil
}

// writeError maps coordinator errors to status codes. Transient failures
// are 503 so clients retry; the data is already safe locally.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, coordinator.ErrNoRemote):
		status = http.StatusConflict
	case errors.Is(err, coordinator.ErrClosed), syncerr.IsRetryable(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, syncerr.ErrPermanentLocal):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Printf("request failed: %v", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: syncerr.KindOf(err).String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
