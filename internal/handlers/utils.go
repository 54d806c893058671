// internal/handlers/utils.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jason-s-yu/kniraffel/internal/economy"
	"github.com/jason-s-yu/kniraffel/internal/game"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
	"github.com/jason-s-yu/kniraffel/internal/session"
	"github.com/jason-s-yu/kniraffel/internal/store"
)

type errUnauthorized struct{ err error }

func (e errUnauthorized) Error() string { return "unauthorized: " + e.err.Error() }
func (e errUnauthorized) Unwrap() error { return e.err }

var errBadRequest = errors.New("invalid request body")

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadRequest
	}
	return nil
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	var short *economy.InsufficientFundsError
	var unauth errUnauthorized
	switch {
	case errors.As(err, &unauth):
		return http.StatusUnauthorized
	case errors.As(err, &short), errors.Is(err, store.ErrInsufficientCoins):
		return http.StatusPaymentRequired
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotHost),
		errors.Is(err, session.ErrNotYourTurn),
		errors.Is(err, session.ErrNotInGame):
		return http.StatusForbidden
	case errors.Is(err, errBadRequest),
		errors.Is(err, session.ErrEmptyJoinCode),
		errors.Is(err, session.ErrInvalidName),
		errors.Is(err, session.ErrInvalidFee),
		errors.Is(err, scoring.ErrUnknownMode),
		errors.Is(err, game.ErrUnknownCategory),
		errors.Is(err, game.ErrDieIndex):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrDuplicatePlayer),
		errors.Is(err, session.ErrGameStarted),
		errors.Is(err, session.ErrRosterChanged),
		errors.Is(err, economy.ErrRosterChanged),
		errors.Is(err, session.ErrNotAllReady),
		errors.Is(err, session.ErrNotInProgress),
		errors.Is(err, session.ErrGameNotOver),
		errors.Is(err, game.ErrNoRollsLeft),
		errors.Is(err, game.ErrHoldBeforeRoll),
		errors.Is(err, game.ErrNoRollYet),
		errors.Is(err, game.ErrCategoryUsed),
		errors.Is(err, store.ErrUserExists),
		errors.Is(err, store.ErrTxConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error   string   `json:"error"`
	Players []string `json:"players,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	body := errorBody{Error: err.Error()}
	var short *economy.InsufficientFundsError
	if errors.As(err, &short) {
		body.Players = short.Players
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func writeAuthError(w http.ResponseWriter, err error) {
	var unauth errUnauthorized
	if errors.As(err, &unauth) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid or missing auth token"})
		return
	}
	writeError(w, err)
}
