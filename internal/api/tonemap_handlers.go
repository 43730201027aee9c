package api

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/flowpbx/openzap/internal/tone"
	"github.com/go-chi/chi/v5"
)

// mapNameRe limits tone map names to short lower-case identifiers.
var mapNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// maxToneEntries bounds a stored map; two entries per kind is the most a
// useful map holds.
const maxToneEntries = 2 * tone.NumKinds

func validMapName(name string) bool {
	return mapNameRe.MatchString(name)
}

type toneEntryView struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type toneMapView struct {
	Name    string          `json:"name"`
	Entries []toneEntryView `json:"entries"`
}

func (s *Server) handleListToneMaps(w http.ResponseWriter, r *http.Request) {
	names, err := s.toneMaps.ListMaps(r.Context())
	if err != nil {
		s.logger.Error("list tonemaps: query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleGetToneMap(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rows, err := s.toneMaps.Entries(r.Context(), name)
	if err != nil {
		s.logger.Error("get tonemap: query failed", "tonemap", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "tonemap not found")
		return
	}
	view := toneMapView{Name: name, Entries: make([]toneEntryView, 0, len(rows))}
	for _, e := range rows {
		view.Entries = append(view.Entries, toneEntryView{Key: e.Key, Value: e.Value})
	}
	writeJSON(w, http.StatusOK, view)
}

type putToneMapRequest struct {
	Entries []toneEntryView `json:"entries"`
}

// handlePutToneMap replaces a stored tone map. The map must parse cleanly:
// unknown keys and bad frequency lists are rejected rather than stored.
func (s *Server) handlePutToneMap(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !validMapName(name) {
		writeError(w, http.StatusBadRequest, "invalid tonemap name")
		return
	}
	var req putToneMapRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if len(req.Entries) == 0 || len(req.Entries) > maxToneEntries {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("a tonemap needs between 1 and %d entries", maxToneEntries))
		return
	}

	entries := make([]tone.Entry, 0, len(req.Entries))
	view := toneMapView{Name: name, Entries: make([]toneEntryView, 0, len(req.Entries))}
	for _, e := range req.Entries {
		key := strings.ToLower(strings.TrimSpace(e.Key))
		entries = append(entries, tone.Entry{Key: key, Value: e.Value})
		view.Entries = append(view.Entries, toneEntryView{Key: key, Value: e.Value})
	}
	_, skipped, err := tone.Parse(name, entries)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(skipped) > 0 {
		writeError(w, http.StatusBadRequest, "unknown tonemap entries: "+strings.Join(skipped, ", "))
		return
	}

	if err := s.toneMaps.Put(r.Context(), name, entries); err != nil {
		s.logger.Error("put tonemap: store failed", "tonemap", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("tonemap stored", "tonemap", name, "entries", len(entries))
	writeJSON(w, http.StatusOK, view)
}
