package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ServeHTTP streams the snapshot and then live events as server-sent events.
// Every write gets its own deadline; a client that cannot keep up is dropped.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	sub, tallies, err := h.Subscribe(r.Context())
	if err != nil {
		h.logger.Warn("stream subscribe failed", zap.Error(err))
		http.Error(w, "live tally unavailable", http.StatusServiceUnavailable)
		return
	}
	defer h.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := h.write(w, rc, sub, Event{Type: EventSnapshot, Tallies: tallies}); err != nil {
		return
	}

	for {
		ev, err := sub.Next(r.Context())
		if err != nil {
			if errors.Is(err, ErrEvicted) {
				h.logger.Debug("stream closed by hub", zap.String("subscriber_id", sub.ID))
			}
			return
		}
		if err := h.write(w, rc, sub, ev); err != nil {
			h.logger.Debug("stream write failed", zap.String("subscriber_id", sub.ID), zap.Error(err))
			return
		}
	}
}

func (h *Hub) write(w http.ResponseWriter, rc *http.ResponseController, sub *Subscription, ev Event) error {
	var payload interface{} = ev
	switch ev.Type {
	case EventSnapshot:
		// an empty board is still sent as "tallies": []
		payload = snapshotFrame{ev.Type, ev.Tallies}
	case EventDelta:
		payload = deltaFrame{ev.Type, ev.ProjectID, ev.NewCount, ev.Version}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if err := rc.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil {
		return err
	}
	sub.Delivered(h.now())
	return nil
}

type snapshotFrame struct {
	Type    string      `json:"type"`
	Tallies interface{} `json:"tallies"`
}

// deltaFrame always carries every field; a project repaired down to zero
// still reports newCount.
type deltaFrame struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	NewCount  int64  `json:"newCount"`
	Version   int64  `json:"version"`
}
