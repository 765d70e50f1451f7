package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-realtime/internal/events"
	"github.com/npezzotti/go-realtime/internal/polling"
	"github.com/npezzotti/go-realtime/internal/server"
	"github.com/npezzotti/go-realtime/internal/types"
)

const maxPollLimit = 100

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *App) writeError(w http.ResponseWriter, err *ApiError) {
	s.writeJson(w, err.StatusCode, err)
}

func (s *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients do not send an origin
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

// serveWs upgrades the request and hands the connection to the manager. The
// path user id is optional; without it the connection is anonymous.
func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	userId := r.PathValue("user_id")
	role := r.URL.Query().Get("role")

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	if _, err := s.cm.Connect(server.NewWSTransport(conn), userId, role); err != nil {
		s.log.Warn().Err(err).Str("user_id", userId).Msg("connect failed")
	}
}

func (s *App) reconnect(w http.ResponseWriter, r *http.Request) {
	var req types.ReconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserId == "" || req.ReconnectToken == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	if userId, _ := UserId(r.Context()); userId != req.UserId {
		s.writeError(w, NewForbiddenError())
		return
	}

	session, err := s.cm.Reconnect(req.UserId, req.ReconnectToken)
	if err != nil {
		switch {
		case errors.Is(err, server.ErrInvalidToken):
			s.writeError(w, NewUnauthorizedError())
		case errors.Is(err, server.ErrSessionNotFound):
			s.writeError(w, NewNotFoundError())
		default:
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	role := req.Role
	if role == "" {
		role = session.Role
	}

	s.writeJson(w, http.StatusOK, types.ReconnectResponse{
		Status:         "ready_to_reconnect",
		UserId:         session.UserId,
		Role:           role,
		LastMessage:    session.LastMessage,
		DisconnectedAt: session.DisconnectedAt,
	})
}

func (s *App) status(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, s.cm.Status())
}

// pollUpdates serves the durable updates newer than the caller's watermark
// for each requested kind. kind is a comma separated list and defaults to
// every pollable kind. Each kind reads its watermark from <kind>_after, or
// from after when a single kind is requested.
func (s *App) pollUpdates(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	q := r.URL.Query()

	kinds := events.PollCategories
	if raw := q.Get("kind"); raw != "" {
		kinds = nil
		for _, name := range strings.Split(raw, ",") {
			kind, err := events.ParseCategory(strings.TrimSpace(name))
			if err != nil || !slices.Contains(events.PollCategories, kind) {
				s.writeError(w, NewBadRequestError())
				return
			}
			if !slices.Contains(kinds, kind) {
				kinds = append(kinds, kind)
			}
		}
	}

	limit := maxPollLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, NewBadRequestError())
			return
		}
		limit = min(n, maxPollLimit)
	}

	resp := types.PollResponse{
		Updates:    []*events.Frame{},
		Watermarks: make(map[string]int64, len(kinds)),
	}

	for _, kind := range kinds {
		raw := q.Get(string(kind) + "_after")
		if raw == "" && len(kinds) == 1 {
			raw = q.Get("after")
		}

		var after int64
		if raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n < 0 {
				s.writeError(w, NewBadRequestError())
				return
			}
			after = n
		}

		recs, err := s.db.FetchUpdates(r.Context(), kind, userId, after, limit)
		if err != nil {
			s.log.Error().Err(err).Str("user_id", userId).Str("kind", string(kind)).Msg("fetch updates")
			s.writeError(w, NewInternalServerError(err))
			return
		}

		evs, last := polling.Collect(kind, userId, after, recs)
		for _, ev := range evs {
			resp.Updates = append(resp.Updates, events.NewFrame(ev))
		}
		resp.Watermarks[string(kind)] = last
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *App) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Error().Err(err).Msg("database ping failed")
		s.writeError(w, NewServiceUnavailableError(err))
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}
