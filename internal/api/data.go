package api

import (
	"net/http"

	"github.com/nugget/firewalla-bridge/internal/entities"
	"github.com/nugget/firewalla-bridge/internal/events"
)

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	s.respond(w, map[string]any{
		"stale":  s.deps.Source.Status().Stale,
		"counts": snap.Counts(),
		"data":   snap,
	})
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("collection")
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	records, known := snap.Collection(name)
	if !known {
		s.errorResponse(w, http.StatusNotFound, "unknown collection: "+name)
		return
	}
	s.respond(w, records)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	dev, found := snap.Device(id)
	if !found {
		s.errorResponse(w, http.StatusNotFound, "device not found: "+id)
		return
	}
	s.respond(w, dev)
}

// entityView is an entity with its current state, as Home Assistant
// would see it.
type entityView struct {
	entities.Entity
	State   entities.State `json:"state"`
	Payload string         `json:"payload"`
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	ents := entities.Build(snap, s.deps.Flags)
	out := make([]entityView, 0, len(ents))
	for _, e := range ents {
		st := e.Value(snap)
		out = append(out, entityView{Entity: e, State: st, Payload: st.Payload()})
	}
	s.respond(w, out)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.deps.Source.RequestRefresh()
	s.deps.Bus.Emit(events.SourceAPI, events.KindRefreshRequested, map[string]any{"remote_addr": r.RemoteAddr})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "refresh requested"}, s.logger)
}
