package api

import (
	"encoding/json"
	"net/http"

	"github.com/nugget/firewalla-bridge/internal/config"
	"github.com/nugget/firewalla-bridge/internal/events"
)

// featureView is one feature flag and where its value comes from.
type featureView struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Override *bool  `json:"override,omitempty"`
}

// setFeatureRequest is the PUT body. A null or absent "enabled" clears
// the override so the configured value applies again.
type setFeatureRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) features() []featureView {
	out := make([]featureView, 0, len(config.FeatureNames))
	for _, name := range config.FeatureNames {
		v := featureView{Name: name, Enabled: s.deps.Flags.Enabled(name)}
		if s.deps.Overrides != nil {
			if on, ok := s.deps.Overrides.Lookup(name); ok {
				v.Override = &on
			}
		}
		out = append(out, v)
	}
	return out
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.features())
}

func (s *Server) handleSetFeature(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !config.IsFeature(name) {
		s.errorResponse(w, http.StatusNotFound, "unknown feature: "+name)
		return
	}
	if s.deps.Overrides == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "feature overrides not configured")
		return
	}

	var req setFeatureRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	data := map[string]any{"feature": name, "origin": "api"}
	var err error
	if req.Enabled == nil {
		err = s.deps.Overrides.Clear(r.Context(), name)
	} else {
		err = s.deps.Overrides.Set(r.Context(), name, *req.Enabled)
		data["enabled"] = *req.Enabled
	}
	if err != nil {
		s.logger.Error("persist feature override failed", "feature", name, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to store override")
		return
	}

	s.logger.Info("feature override changed", "feature", name, "enabled", data["enabled"])
	s.deps.Bus.Emit(events.SourceAPI, events.KindFeatureChanged, data)
	s.deps.Source.RequestRefresh()
	s.respond(w, s.features())
}
