// internal/handlers/game.go
package handlers

import (
	"errors"
	"net/http"

	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
	"github.com/jason-s-yu/kniraffel/internal/session"
	"github.com/jason-s-yu/kniraffel/internal/store"
)

type createGameRequest struct {
	Mode     scoring.Mode `json:"mode"`
	EntryFee int64        `json:"entry_fee"`
}

// CreateGameHandler opens a new lobby hosted by the caller.
func (s *Server) CreateGameHandler(w http.ResponseWriter, r *http.Request, u *models.User) {
	req := createGameRequest{Mode: scoring.ModeStandard}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.games.CreateGame(r.Context(), u, req.Mode, req.EntryFee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// JoinGameHandler adds the caller to the lobby behind the join code.
func (s *Server) JoinGameHandler(w http.ResponseWriter, r *http.Request, u *models.User) {
	sess, err := s.games.JoinGame(r.Context(), r.PathValue("id"), u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// SnapshotHandler returns the session, its rounds and the score sheets
// together with the caller's local turn.
func (s *Server) SnapshotHandler(w http.ResponseWriter, r *http.Request, u *models.User) {
	id := session.NormalizeCode(r.PathValue("id"))
	snap, err := s.games.Snapshot(r.Context(), id)
	if err != nil {
		s.clientError(w, id, u, err)
		return
	}
	resp := gameView{Snapshot: snap}
	if snap.Session.HasPlayer(u.Username) {
		if c, err := s.client(r.Context(), id, u); err == nil {
			st := c.State()
			resp.Turn = &st
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type gameView struct {
	*session.Snapshot
	Turn *session.TurnState `json:"turn,omitempty"`
}

type voteRequest struct {
	Ready *bool `json:"ready"`
}

func (v voteRequest) value() bool {
	return v.Ready == nil || *v.Ready
}

// ReadyHandler records the caller's lobby vote; the body defaults to ready.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request, u *models.User) {
	var req voteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := session.NormalizeCode(r.PathValue("id"))
	if err := s.games.SetReady(r.Context(), id, u, req.value()); err != nil {
		writeError(w, err)
		return
	}
	s.writeSnapshot(w, r, id)
}

// ModeHandler changes the rule set of a lobby.
func (s *Server) ModeHandler(w http.ResponseWriter, r *http.Request, u *models.User) {
	var req struct {
		Mode scoring.Mode `json:"mode"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := session.NormalizeCode(r.PathValue("id"))
	if err := s.games.SetMode(r.Context(), id, u, req.Mode); err != nil {
		writeError(w, err)
		return
	}
	s.writeSnapshot(w, r, id)
}

// FeeHandler changes the entry fee of the next start.
func (s *Server) FeeHandler(w http.ResponseWriter, r *http.Request, u *models.User) {
	var req struct {
		EntryFee int64 `json:"entry_fee"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := session.NormalizeCode(r.PathValue("id"))
	if err := s.games.SetEntryFee(r.Context(), id, u, req.EntryFee); err != nil {
		writeError(w, err)
		return
	}
	s.writeSnapshot(w, r, id)
}

// StartHandler starts the game. Host only.
func (s *Server) StartHandler(w http.ResponseWriter, r *http.Request, u *models.User) {
	id := session.NormalizeCode(r.PathValue("id"))
	if err := s.games.StartGame(r.Context(), id, u); err != nil {
		writeError(w, err)
		return
	}
	s.writeSnapshot(w, r, id)
}

// RollHandler rolls the caller's un-held dice.
func (s *Server) RollHandler(w http.ResponseWriter, r *http.Request, u *models.User) {
	id := session.NormalizeCode(r.PathValue("id"))
	c, err := s.client(r.Context(), id, u)
	if err != nil {
		s.clientError(w, id, u, err)
		return
	}
	st, err := c.RollDice(r.Context())
	if err != nil {
		s.clientError(w, id, u, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HoldHandler toggles the hold flag of one die.
func (s *Server) HoldHandler(w http.ResponseWriter, r *http.Request, u *models.User) {
	var req struct {
		Index *int `json:"index"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Index == nil {
		writeError(w, errBadRequest)
		return
	}
	id := session.NormalizeCode(r.PathValue("id"))
	c, err := s.client(r.Context(), id, u)
	if err != nil {
		s.clientError(w, id, u, err)
		return
	}
	st, err := c.ToggleHold(*req.Index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SubmitHandler scores the current dice in a category.
func (s *Server) SubmitHandler(w http.ResponseWriter, r *http.Request, u *models.User) {
	var req struct {
		Category string `json:"category"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := session.NormalizeCode(r.PathValue("id"))
	c, err := s.client(r.Context(), id, u)
	if err != nil {
		s.clientError(w, id, u, err)
		return
	}
	round, err := c.SubmitRound(r.Context(), req.Category)
	if err != nil {
		s.clientError(w, id, u, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"round": round,
		"turn":  c.State(),
	})
}

// RematchHandler records the caller's rematch vote.
func (s *Server) RematchHandler(w http.ResponseWriter, r *http.Request, u *models.User) {
	var req voteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := session.NormalizeCode(r.PathValue("id"))
	if err := s.games.RequestRematch(r.Context(), id, u, req.value()); err != nil {
		writeError(w, err)
		return
	}
	s.writeSnapshot(w, r, id)
}

// LeaveHandler removes the caller from the game.
func (s *Server) LeaveHandler(w http.ResponseWriter, r *http.Request, u *models.User) {
	id := session.NormalizeCode(r.PathValue("id"))
	if err := s.games.LeaveGame(r.Context(), id, u); err != nil {
		writeError(w, err)
		return
	}
	s.dropClient(id, u.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeSnapshot(w http.ResponseWriter, r *http.Request, id string) {
	snap, err := s.games.Snapshot(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
