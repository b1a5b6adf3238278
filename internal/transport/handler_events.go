package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/broadcast"
	"github.com/queuescope/queuescope/internal/observability"
	"github.com/queuescope/queuescope/model"
)

// parseFilter builds a subscriber filter from query parameters:
// event_types and task_names as comma-separated allow-lists, plus repeated
// condition=field:operator:value predicates.
func parseFilter(r *http.Request) (*broadcast.Filter, error) {
	q := r.URL.Query()
	filter := &broadcast.Filter{}

	filter.EventTypes = splitList(q.Get("event_types"))
	filter.TaskNames = splitList(q.Get("task_names"))

	for _, raw := range q["condition"] {
		cond, err := broadcast.ParseCondition(raw)
		if err != nil {
			return nil, err
		}
		filter.Conditions = append(filter.Conditions, cond)
	}

	if len(filter.EventTypes) == 0 && len(filter.TaskNames) == 0 && len(filter.Conditions) == 0 {
		return nil, nil
	}
	return filter, nil
}

// handleSubscribe is the live mode: an SSE stream fed from the broadcast
// bridge. The connection stays open until the client goes away or a write
// fails.
func (h *handlers) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, model.NewUnavailableError("streaming unsupported"))
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The bridge dispatcher goroutine writes to w while this handler
	// blocks; the mutex-guarded closed flag stops writes once the
	// handler is returning.
	var (
		mu     sync.Mutex
		closed bool
	)
	failed := make(chan struct{})
	var failOnce sync.Once

	send := func(msg broadcast.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return fmt.Errorf("subscriber gone")
		}
		data, err := json.Marshal(msg.Payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind, data); err != nil {
			failOnce.Do(func() { close(failed) })
			return err
		}
		flusher.Flush()
		return nil
	}

	log := observability.LoggerFrom(r.Context(), h.deps.Log)

	id := h.deps.Bridge.Subscribe(filter, send)
	log.Debug("subscriber connected", zap.String("subscriber_id", id))
	defer func() {
		mu.Lock()
		closed = true
		mu.Unlock()
		h.deps.Bridge.Unsubscribe(id)
		log.Debug("subscriber disconnected", zap.String("subscriber_id", id))
	}()

	select {
	case <-r.Context().Done():
	case <-failed:
	}
}

// handleReplay is the static mode: an on-demand snapshot of recently
// persisted events filtered the same way as a live subscription, without
// joining the fan-out.
func (h *handlers) handleReplay(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	limit := intParam(r, "limit", h.deps.Config.Broadcast.ReplayLimit, 1, 1000)

	tasks, err := h.deps.EventStore.RecentTaskEvents(r.Context(), limit)
	if err != nil {
		WriteError(w, err)
		return
	}
	workers, err := h.deps.EventStore.RecentWorkerEvents(r.Context(), limit)
	if err != nil {
		WriteError(w, err)
		return
	}

	events := make([]broadcast.Message, 0, len(tasks)+len(workers))
	for _, ev := range tasks {
		msg := broadcast.Message{Kind: ev.EventType, Payload: ev}
		if filter.Matches(msg) {
			events = append(events, msg)
		}
	}
	for _, ev := range workers {
		msg := broadcast.Message{Kind: ev.EventType, Payload: ev}
		if filter.Matches(msg) {
			events = append(events, msg)
		}
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handleTaskTimeline returns all events of one task in (timestamp, id)
// order.
func (h *handlers) handleTaskTimeline(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	events, err := h.deps.EventStore.TaskEvents(r.Context(), taskID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if len(events) == 0 {
		WriteError(w, model.NewNotFoundError(fmt.Sprintf("no events for task %q", taskID)))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"events":  events,
	})
}

// handleTaskNames returns the currently known task names.
func (h *handlers) handleTaskNames(w http.ResponseWriter, r *http.Request) {
	names, err := h.deps.TaskNames.Names(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"task_names": names})
}

// handleWorkerEvents returns recent worker events, newest first.
func (h *handlers) handleWorkerEvents(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", 100, 1, 1000)

	events, err := h.deps.EventStore.RecentWorkerEvents(r.Context(), limit)
	if err != nil {
		WriteError(w, err)
		return
	}
	if events == nil {
		events = []model.WorkerEvent{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func intParam(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
