package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/querypilot/internal/engine"
	"github.com/rendis/querypilot/internal/streaming"
	"github.com/rendis/querypilot/pkg/schema"
)

// turnBody is the request body of POST /threads/{threadID}/turns.
type turnBody struct {
	Message string         `json:"message"`
	Command schema.Command `json:"command"`
	SQL     string         `json:"sql"`
	Token   string         `json:"token"`
	Dialect schema.Dialect `json:"dialect"`
}

// turnResponse is returned when the caller asks for a buffered turn.
type turnResponse struct {
	ThreadID string         `json:"thread_id"`
	Events   []schema.Event `json:"events"`
}

// handleTurn runs one turn. Events stream as SSE unless the client sends
// Accept: application/json, in which case they are collected and returned
// once the turn ends. approve and edit must carry the interrupt token.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var body turnBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, schema.NewError(schema.ErrCodeValidation, "invalid JSON body").WithCause(err))
			return
		}
	}

	req := engine.TurnRequest{
		ThreadID: chi.URLParam(r, "threadID"),
		Message:  body.Message,
		Command:  body.Command,
		SQL:      body.SQL,
		Token:    body.Token,
		Dialect:  body.Dialect,
	}
	if err := req.RequireToken(); err != nil {
		respondError(w, err)
		return
	}

	if wantsJSON(r) {
		ch, err := s.orc.RunTurn(r.Context(), req)
		if err != nil {
			respondError(w, err)
			return
		}
		resp := turnResponse{ThreadID: req.ThreadID, Events: []schema.Event{}}
		for e := range ch {
			resp.Events = append(resp.Events, e)
		}
		respondJSON(w, http.StatusOK, resp)
		return
	}

	stream, ok := newEventStream(w)
	if !ok {
		respondError(w, schema.NewError(schema.ErrCodeValidation, "streaming not supported"))
		return
	}
	ch, err := s.orc.RunTurn(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	stream.open()
	s.pump(r, stream, ch)
}

// handleEvents tails the event hub, optionally filtered by thread_id and a
// comma-separated kinds list.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, schema.NewError(schema.ErrCodeUpstreamUnavailable, "event hub is not configured"))
		return
	}
	filter := streaming.EventFilter{ThreadID: r.URL.Query().Get("thread_id")}
	for _, k := range strings.Split(r.URL.Query().Get("kinds"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			filter.Kinds = append(filter.Kinds, schema.EventKind(k))
		}
	}

	stream, ok := newEventStream(w)
	if !ok {
		respondError(w, schema.NewError(schema.ErrCodeValidation, "streaming not supported"))
		return
	}
	ch, cancel, err := s.hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.logger.Error("SSE subscribe failed", "error", err)
		respondError(w, err)
		return
	}
	defer cancel()

	stream.open()
	stream.send("connected", map[string]any{"thread_id": filter.ThreadID, "kinds": filter.Kinds})
	s.pump(r, stream, ch)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	threads, err := s.orc.Threads(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"threads": threads, "count": len(threads)})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	st, err := s.orc.State(r.Context(), chi.URLParam(r, "threadID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/event-stream")
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
