// internal/handlers/user.go
package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jason-s-yu/kniraffel/internal/auth"
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
	"github.com/jason-s-yu/kniraffel/internal/session"
	"github.com/jason-s-yu/kniraffel/internal/stats"
)

type usernameRequest struct {
	Username string `json:"username"`
}

type createUserResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

// CreateUserHandler registers a player under a unique username and returns
// a session token, also set as the auth cookie.
//
// Request payload:
//
//	{"username": "alice"}
func (s *Server) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if !session.ValidName(req.Username) {
		writeError(w, session.ErrInvalidName)
		return
	}

	u := &models.User{Username: req.Username, Coins: s.startingCoins, Companion: models.NewCompanion()}
	if err := s.users.CreateUser(r.Context(), u); err != nil {
		writeError(w, err)
		return
	}
	token, err := s.issuer.CreateJWT(u.ID)
	if err != nil {
		s.logger.WithError(err).Error("failed to sign token")
		writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		HttpOnly: true,
		Secure:   s.secureCookie,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
	s.logger.WithField("user_id", u.ID).Info("user created")
	writeJSON(w, http.StatusCreated, createUserResponse{User: u, Token: token})
}

// MeHandler returns the caller's account.
func (s *Server) MeHandler(w http.ResponseWriter, r *http.Request, u *models.User) {
	writeJSON(w, http.StatusOK, u)
}

// UpdateUsernameHandler renames the caller.
func (s *Server) UpdateUsernameHandler(w http.ResponseWriter, r *http.Request, u *models.User) {
	var req usernameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if !session.ValidName(req.Username) {
		writeError(w, session.ErrInvalidName)
		return
	}
	if err := s.users.UpdateUsername(r.Context(), u.ID, req.Username); err != nil {
		writeError(w, err)
		return
	}
	u.Username = req.Username
	writeJSON(w, http.StatusOK, u)
}

// StatsHandler summarizes the caller's history and companion.
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request, u *models.User) {
	history, err := s.users.ListHistory(r.Context(), u.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats.Summarize(u, history, time.Now()))
}

// HighscoresHandler lists the best sole-winner scores of a mode.
func (s *Server) HighscoresHandler(w http.ResponseWriter, r *http.Request) {
	if s.highscores == nil {
		writeJSON(w, http.StatusOK, []models.Highscore{})
		return
	}
	mode, err := scoring.ParseMode(r.URL.Query().Get("mode"))
	if r.URL.Query().Get("mode") == "" {
		mode, err = scoring.ModeStandard, nil
	}
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, errBadRequest)
			return
		}
		limit = n
	}
	scores, err := s.highscores.TopHighscores(r.Context(), mode, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if scores == nil {
		scores = []models.Highscore{}
	}
	writeJSON(w, http.StatusOK, scores)
}
