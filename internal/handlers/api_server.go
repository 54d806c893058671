// internal/handlers/api_server.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/kniraffel/internal/auth"
	"github.com/jason-s-yu/kniraffel/internal/middleware"
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
	"github.com/jason-s-yu/kniraffel/internal/session"
	"github.com/jason-s-yu/kniraffel/internal/store"
	"github.com/sirupsen/logrus"
)

// HighscoreSource serves the public highscore table.
type HighscoreSource interface {
	TopHighscores(ctx context.Context, mode scoring.Mode, limit int) ([]models.Highscore, error)
}

// Options wires a Server.
type Options struct {
	Games         *session.Service
	Users         store.UserStore
	Highscores    HighscoreSource
	Issuer        *auth.Issuer
	Logger        logrus.FieldLogger
	StartingCoins int64
	// SecureCookie marks the auth cookie Secure.
	SecureCookie bool
}

type clientKey struct {
	gameID string
	userID uuid.UUID
}

// Server is the HTTP and WebSocket front of the game service. It keeps one
// session.Client per (game, user) so that the local dice state survives
// between requests and is shared with the player's stream.
type Server struct {
	games         *session.Service
	users         store.UserStore
	highscores    HighscoreSource
	issuer        *auth.Issuer
	logger        logrus.FieldLogger
	startingCoins int64
	secureCookie  bool

	mu      sync.Mutex
	clients map[clientKey]*session.Client
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		games:         opts.Games,
		users:         opts.Users,
		highscores:    opts.Highscores,
		issuer:        opts.Issuer,
		logger:        logger,
		startingCoins: opts.StartingCoins,
		secureCookie:  opts.SecureCookie,
		clients:       make(map[clientKey]*session.Client),
	}
}

// Routes returns the router with request logging applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// users
	mux.HandleFunc("POST /users", s.CreateUserHandler)
	mux.HandleFunc("GET /users/me", s.authed(s.MeHandler))
	mux.HandleFunc("PUT /users/me/username", s.authed(s.UpdateUsernameHandler))
	mux.HandleFunc("GET /users/me/stats", s.authed(s.StatsHandler))
	mux.HandleFunc("GET /highscores", s.HighscoresHandler)

	// games
	mux.HandleFunc("POST /games", s.authed(s.CreateGameHandler))
	mux.HandleFunc("POST /games/{id}/join", s.authed(s.JoinGameHandler))
	mux.HandleFunc("GET /games/{id}", s.authed(s.SnapshotHandler))
	mux.HandleFunc("POST /games/{id}/ready", s.authed(s.ReadyHandler))
	mux.HandleFunc("POST /games/{id}/mode", s.authed(s.ModeHandler))
	mux.HandleFunc("POST /games/{id}/fee", s.authed(s.FeeHandler))
	mux.HandleFunc("POST /games/{id}/start", s.authed(s.StartHandler))
	mux.HandleFunc("POST /games/{id}/roll", s.authed(s.RollHandler))
	mux.HandleFunc("POST /games/{id}/hold", s.authed(s.HoldHandler))
	mux.HandleFunc("POST /games/{id}/submit", s.authed(s.SubmitHandler))
	mux.HandleFunc("POST /games/{id}/rematch", s.authed(s.RematchHandler))
	mux.HandleFunc("POST /games/{id}/leave", s.authed(s.LeaveHandler))
	mux.HandleFunc("GET /games/{id}/ws", s.GameWSHandler)

	return middleware.LogMiddleware(s.logger)(mux)
}

type userHandler func(w http.ResponseWriter, r *http.Request, u *models.User)

// authed resolves the caller from the auth token and loads their account.
func (s *Server) authed(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.caller(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		next(w, r, u)
	}
}

func (s *Server) caller(r *http.Request) (*models.User, error) {
	id, err := s.issuer.Authenticate(r)
	if err != nil {
		return nil, errUnauthorized{err}
	}
	u, err := s.users.GetUser(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errUnauthorized{err}
	}
	return u, err
}

// client returns the cached client of u in gameID, binding a new one when
// needed. Cached clients are dropped when their player leaves or when a
// request finds the game gone, see clientError.
func (s *Server) client(ctx context.Context, gameID string, u *models.User) (*session.Client, error) {
	key := clientKey{gameID: gameID, userID: u.ID}
	s.mu.Lock()
	c, ok := s.clients[key]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := s.games.Client(ctx, gameID, u)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if existing, ok := s.clients[key]; ok {
		c = existing
	} else {
		s.clients[key] = c
	}
	s.mu.Unlock()
	return c, nil
}

// clientError writes err for a request that went through u's client in
// gameID. A game that no longer exists, for example one removed by the
// sweeper, takes the cached client with it.
func (s *Server) clientError(w http.ResponseWriter, gameID string, u *models.User, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.dropClient(gameID, u.ID)
	}
	writeError(w, err)
}

func (s *Server) dropClient(gameID string, userID uuid.UUID) {
	key := clientKey{gameID: gameID, userID: userID}
	s.mu.Lock()
	c, ok := s.clients[key]
	delete(s.clients, key)
	s.mu.Unlock()
	if ok {
		c.Close()
	}
}
