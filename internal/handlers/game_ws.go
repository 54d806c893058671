// internal/handlers/game_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/kniraffel/internal/economy"
	"github.com/jason-s-yu/kniraffel/internal/middleware"
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/session"
	"github.com/jason-s-yu/kniraffel/internal/store"
	"github.com/sirupsen/logrus"
)

// GameMessage is an incoming message on the game stream.
type GameMessage struct {
	Type string `json:"type"`

	// Index is the die for "hold".
	Index int `json:"index,omitempty"`
	// Category is the scoring box for "submit".
	Category string `json:"category,omitempty"`
	// Ready is the vote for "ready" and "rematch"; absent means true.
	Ready *bool `json:"ready,omitempty"`
}

// streamEvent is an outgoing message on the game stream.
type streamEvent struct {
	Type     string             `json:"type"`
	Snapshot *session.Snapshot  `json:"snapshot,omitempty"`
	Turn     *session.TurnState `json:"turn,omitempty"`
	Round    *models.Round      `json:"round,omitempty"`
	Message  string             `json:"message,omitempty"`
	Players  []string           `json:"players,omitempty"`
}

// wsConn serializes writes to one connection.
type wsConn struct {
	c      *websocket.Conn
	mu     sync.Mutex
	logger logrus.FieldLogger
}

func (w *wsConn) send(ev streamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		w.logger.WithError(err).Error("failed to marshal stream event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.c.Write(ctx, websocket.MessageText, data); err != nil {
		w.logger.WithError(err).Debug("failed to write stream event")
	}
}

func (w *wsConn) sendError(err error) {
	ev := streamEvent{Type: "error", Message: err.Error()}
	if errorStatus(err) == http.StatusInternalServerError {
		ev.Message = "internal error"
	}
	var short *economy.InsufficientFundsError
	if errors.As(err, &short) {
		ev.Players = short.Players
	}
	w.send(ev)
}

// GameWSHandler streams session snapshots to a player and accepts game
// actions on the same connection. The caller authenticates with the auth
// cookie or a bearer token before the upgrade; a caller that is not a player
// of the game gets the connection closed with InvalidGameIDError.
func (s *Server) GameWSHandler(w http.ResponseWriter, r *http.Request) {
	gameID := session.NormalizeCode(r.PathValue("id"))
	log := s.logger.WithFields(logrus.Fields{"game_id": gameID, "remote": r.RemoteAddr})

	u, err := s.caller(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	log = log.WithField("player", u.Username)

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{"game"},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.WithError(err).Warn("websocket accept error")
		return
	}
	defer c.Close(websocket.StatusInternalError, "internal server error during handler exit")

	if c.Subprotocol() != "game" {
		log.Warnf("client connected with invalid subprotocol %q", c.Subprotocol())
		c.Close(BadSubprotocolError, "client must use the 'game' subprotocol")
		return
	}

	client, err := s.client(r.Context(), gameID, u)
	if err != nil {
		log.WithError(err).Info("rejecting stream for unknown game or non-member")
		if errors.Is(err, store.ErrNotFound) {
			s.dropClient(gameID, u.ID)
		}
		c.Close(InvalidGameIDError, "unknown game or not a player of it")
		return
	}
	middleware.LogWebSocketConnect(s.logger, r.RemoteAddr, r.URL.Path)

	conn := &wsConn{c: c, logger: log}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- client.Watch(ctx, func(snap *session.Snapshot) {
			st := client.State()
			conn.send(streamEvent{Type: "snapshot", Snapshot: snap, Turn: &st})
		})
		cancel()
	}()

	readErr := s.readGameMessages(ctx, conn, client, u)
	cancel()
	if err := <-watchErr; errors.Is(err, store.ErrNotFound) {
		s.dropClient(gameID, u.ID)
		c.Close(GameDeletedError, "game no longer exists")
		middleware.LogWebSocketDisconnect(s.logger, r.RemoteAddr, r.URL.Path, err)
		return
	}
	middleware.LogWebSocketDisconnect(s.logger, r.RemoteAddr, r.URL.Path, readErr)
	c.Close(websocket.StatusNormalClosure, "")
}

// readGameMessages handles incoming actions until the connection closes or
// ctx is canceled. Results go back to the sender; the state change itself
// reaches every player through their Watch.
func (s *Server) readGameMessages(ctx context.Context, conn *wsConn, client *session.Client, u *models.User) error {
	gameID := client.GameID()
	for {
		msgType, data, err := conn.c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg GameMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.sendError(errBadRequest)
			continue
		}
		ready := msg.Ready == nil || *msg.Ready

		switch msg.Type {
		case "ping":
			conn.send(streamEvent{Type: "pong"})
		case "roll":
			st, err := client.RollDice(ctx)
			if err != nil {
				conn.sendError(err)
				continue
			}
			conn.send(streamEvent{Type: "turn", Turn: &st})
		case "hold":
			st, err := client.ToggleHold(msg.Index)
			if err != nil {
				conn.sendError(err)
				continue
			}
			conn.send(streamEvent{Type: "turn", Turn: &st})
		case "submit":
			round, err := client.SubmitRound(ctx, msg.Category)
			if err != nil {
				conn.sendError(err)
				continue
			}
			st := client.State()
			conn.send(streamEvent{Type: "round", Round: &round, Turn: &st})
		case "ready":
			if err := s.games.SetReady(ctx, gameID, u, ready); err != nil {
				conn.sendError(err)
			}
		case "start":
			if err := s.games.StartGame(ctx, gameID, u); err != nil {
				conn.sendError(err)
			}
		case "rematch":
			if err := s.games.RequestRematch(ctx, gameID, u, ready); err != nil {
				conn.sendError(err)
			}
		case "leave":
			if err := s.games.LeaveGame(ctx, gameID, u); err != nil {
				conn.sendError(err)
				continue
			}
			s.dropClient(gameID, u.ID)
			return nil
		default:
			conn.send(streamEvent{Type: "error", Message: "unknown message type: " + msg.Type})
		}
	}
}
