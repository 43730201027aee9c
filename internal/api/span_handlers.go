package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/flowpbx/openzap/internal/api/middleware"
	"github.com/flowpbx/openzap/internal/tone"
	"github.com/flowpbx/openzap/internal/zap"
	"github.com/go-chi/chi/v5"
)

// spanFromRequest resolves {span} as a numeric id or a span name. It writes
// the 404 itself and returns nil when there is no such span.
func (s *Server) spanFromRequest(w http.ResponseWriter, r *http.Request) *zap.Span {
	key := chi.URLParam(r, "span")
	var (
		span *zap.Span
		ok   bool
	)
	if id, err := strconv.Atoi(key); err == nil {
		span, ok = s.hal.Span(id)
	} else {
		span, ok = s.hal.SpanByName(key)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "span not found")
		return nil
	}
	return span
}

func (s *Server) channelFromRequest(w http.ResponseWriter, r *http.Request) (*zap.Span, *zap.Channel) {
	span := s.spanFromRequest(w, r)
	if span == nil {
		return nil, nil
	}
	id, err := strconv.Atoi(chi.URLParam(r, "chan"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "channel id must be a number")
		return nil, nil
	}
	ch, err := span.Channel(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "channel not found")
		return nil, nil
	}
	return span, ch
}

func (s *Server) handleListSpans(w http.ResponseWriter, r *http.Request) {
	spans := s.hal.Spans()
	out := make([]zap.SpanInfo, 0, len(spans))
	for _, span := range spans {
		out = append(out, span.Info(false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSpan(w http.ResponseWriter, r *http.Request) {
	span := s.spanFromRequest(w, r)
	if span == nil {
		return
	}
	writeJSON(w, http.StatusOK, span.Info(true))
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	_, ch := s.channelFromRequest(w, r)
	if ch == nil {
		return
	}
	writeJSON(w, http.StatusOK, ch.Info())
}

// transitionView is a TransitionResult as the API reports it.
type transitionView struct {
	ChanID    int    `json:"chan_id"`
	Outcome   string `json:"outcome"`
	Accepted  bool   `json:"accepted"`
	Previous  string `json:"previous"`
	Requested string `json:"requested"`
	State     string `json:"state"`
}

func newTransitionView(chanID int, tr zap.TransitionResult) transitionView {
	return transitionView{
		ChanID:    chanID,
		Outcome:   tr.Outcome.String(),
		Accepted:  tr.Accepted(),
		Previous:  tr.Previous.String(),
		Requested: tr.Requested.String(),
		State:     tr.Actual.String(),
	}
}

type stateRequest struct {
	State string `json:"state"`
}

// handleSetChannelState requests a state change. A veto is reported in the
// body with 200; only a channel that cannot change state at all is a 409.
func (s *Server) handleSetChannelState(w http.ResponseWriter, r *http.Request) {
	_, ch := s.channelFromRequest(w, r)
	if ch == nil {
		return
	}
	var req stateRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	st, err := zap.ParseState(req.State)
	if err != nil || !st.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid state %q", req.State))
		return
	}

	tr, err := ch.SetState(st)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.logger.Info("operator state change",
		"operator", middleware.OperatorFromContext(r.Context()),
		"span_id", ch.SpanID,
		"chan_id", ch.ChanID,
		"requested", st.String(),
		"outcome", tr.Outcome.String(),
	)
	writeJSON(w, http.StatusOK, newTransitionView(ch.ChanID, tr))
}

type resetResponse struct {
	Span     string           `json:"span"`
	Settled  bool             `json:"settled"`
	Channels []transitionView `json:"channels"`
}

// handleResetSpan drives every channel of the span to DOWN.
func (s *Server) handleResetSpan(w http.ResponseWriter, r *http.Request) {
	span := s.spanFromRequest(w, r)
	if span == nil {
		return
	}
	results := span.SetStateAll(zap.StateDown)
	resp := resetResponse{Span: span.Name, Channels: make([]transitionView, 0, len(results))}
	for i, tr := range results {
		resp.Channels = append(resp.Channels, newTransitionView(i+1, tr))
	}
	resp.Settled = span.CheckStateAll(zap.StateDown)

	s.logger.Info("operator span reset",
		"operator", middleware.OperatorFromContext(r.Context()),
		"span_id", span.ID,
		"settled", resp.Settled,
	)
	writeJSON(w, http.StatusOK, resp)
}

type loadTonesRequest struct {
	ToneMap string `json:"tonemap"`
	Persist bool   `json:"persist"`
}

// handleLoadTones loads a stored tone map into the span, optionally making
// it the span's startup map.
func (s *Server) handleLoadTones(w http.ResponseWriter, r *http.Request) {
	span := s.spanFromRequest(w, r)
	if span == nil {
		return
	}
	var req loadTonesRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if !validMapName(req.ToneMap) {
		writeError(w, http.StatusBadRequest, "invalid tonemap name")
		return
	}

	if err := span.LoadTones(r.Context(), s.toneMaps, req.ToneMap); err != nil {
		if errors.Is(err, tone.ErrUnknownMap) {
			writeError(w, http.StatusNotFound, "tonemap not found")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if req.Persist {
		if err := s.spans.SetToneMap(r.Context(), span.Name, req.ToneMap); err != nil {
			s.logger.Warn("tonemap loaded but not persisted", "span_id", span.ID, "tonemap", req.ToneMap, "error", err)
			writeError(w, http.StatusConflict, "tonemap loaded but span is not stored")
			return
		}
	}
	s.logger.Info("operator loaded tonemap",
		"operator", middleware.OperatorFromContext(r.Context()),
		"span_id", span.ID,
		"tonemap", req.ToneMap,
		"persist", req.Persist,
	)
	writeJSON(w, http.StatusOK, span.Info(false))
}
