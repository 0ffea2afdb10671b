package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"extractd/internal/broadcast"
)

// StreamExtraction handles GET /v1/extractions/{jobId}/stream as Server-Sent
// Events: first event is the current snapshot, then every update in order,
// heartbeat comments while idle, and a final terminal event before close.
//
// The subscription is taken before the snapshot read so no update can fall
// between them; the broadcaster keeps progress monotonic across the overlap.
func (h *Handler) StreamExtraction(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, cancel := h.orch.Subscribe(jobID)
	defer cancel()

	snapshot, err := h.orch.Progress(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	first := broadcast.Event{
		JobID:            snapshot.JobID,
		Status:           string(snapshot.Status),
		Progress:         snapshot.Progress,
		CurrentStep:      snapshot.CurrentStep,
		TotalSteps:       snapshot.TotalSteps,
		RecordsProcessed: snapshot.RecordsProcessed,
		ErrorMessage:     snapshot.ErrorMessage,
		Terminal:         snapshot.Status.Terminal(),
	}
	writeSSE(w, first)
	flusher.Flush()
	if first.Terminal {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			// Client disconnected; the deferred cancel releases the
			// subscription.
			return

		case ev, open := <-events:
			if !open {
				return
			}
			if ev.Heartbeat {
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Terminal {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev broadcast.Event) {
	name := "progress"
	if ev.Terminal {
		name = "terminal"
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode stream event", "jobId", ev.JobID, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}
