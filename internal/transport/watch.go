package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/syncstore"
)

const sseWriteTimeout = 5 * time.Second

// Snapshot is one SSE "snapshot" event: the full state of a shared view.
type Snapshot struct {
	Collection string          `json:"collection"`
	Records    []record.Record `json:"records"`
	Live       bool            `json:"live"`
	Error      string          `json:"error,omitempty"`
}

func snapshotOf(st *syncstore.Store) Snapshot {
	snap := Snapshot{
		Collection: st.Collection(),
		Records:    st.List(),
		Live:       st.Live(),
	}
	if err := st.Err(); err != nil {
		snap.Error = err.Error()
	}
	return snap
}

// handleWatch streams the registry's shared view of a collection as
// server-sent events. Every change to the view produces a full snapshot.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if err := record.ValidateCollection(collection); err != nil {
		WriteGatewayError(w, err)
		return
	}
	filter, _, err := ParseQuery(r.URL.Query())
	if err != nil {
		WriteGatewayError(w, err)
		return
	}

	st, err := s.registry.Get(r.Context(), collection, filter)
	if err != nil {
		WriteGatewayError(w, err)
		return
	}
	defer s.registry.Release(st)
	changes, stop := st.Watch()
	defer stop()

	rc := http.NewResponseController(w)
	deadlines := true
	write := func(payload string) error {
		if deadlines {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlines = false
			}
		}
		if _, err := fmt.Fprint(w, payload); err != nil {
			return err
		}
		return rc.Flush()
	}
	sendSnapshot := func() error {
		data, err := json.Marshal(snapshotOf(st))
		if err != nil {
			return err
		}
		return write(fmt.Sprintf("event: snapshot\ndata: %s\n\n", data))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := sendSnapshot(); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.ping)
	defer heartbeat.Stop()

	for {
		select {
		case _, ok := <-changes:
			if !ok {
				// store closed
				return
			}
			if err := sendSnapshot(); err != nil {
				return
			}
			if st.Lost() {
				// The view is replaced on the next Get; the client reconnects to it.
				return
			}
		case <-heartbeat.C:
			if err := write(": ping\n\n"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
