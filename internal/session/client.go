// internal/session/client.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jason-s-yu/kniraffel/internal/game"
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
	"github.com/jason-s-yu/kniraffel/internal/store"
	"github.com/sirupsen/logrus"
)

// Client is one connected player bound to one game. It owns the player's
// local dice state; everything shared lives in the session store.
type Client struct {
	svc    *Service
	gameID string
	user   *models.User

	mu    sync.Mutex
	turn  *game.Turn
	epoch int64

	startCountdown   Countdown
	rematchCountdown Countdown
}

// Client binds user to an existing game they are a member of.
func (s *Service) Client(ctx context.Context, gameID string, user *models.User) (*Client, error) {
	sess, err := s.sessions.GetSession(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !sess.HasPlayer(user.Username) {
		return nil, ErrNotInGame
	}
	c := &Client{svc: s, gameID: gameID, user: user}
	if err := c.sync(ctx, sess); err != nil {
		return nil, err
	}
	return c, nil
}

// GameID returns the bound game.
func (c *Client) GameID() string { return c.gameID }

// User returns the bound player.
func (c *Client) User() *models.User { return c.user }

// sync rebuilds the local turn when the epoch or mode changed, restoring the
// categories already persisted for this player. Callers hold no lock.
func (c *Client) sync(ctx context.Context, sess *models.GameSession) error {
	c.mu.Lock()
	fresh := c.turn == nil || c.epoch != sess.Epoch || c.turn.Mode != sess.Mode
	c.mu.Unlock()
	if !fresh {
		return nil
	}

	rounds, err := c.svc.sessions.ListRounds(ctx, c.gameID)
	if err != nil {
		return fmt.Errorf("list rounds: %w", err)
	}
	turn := game.NewTurn(c.user.Username, sess.Mode)
	turn.Restore(rounds)

	c.mu.Lock()
	c.turn = turn
	c.epoch = sess.Epoch
	c.mu.Unlock()
	return nil
}

// activeSession loads the session and checks that it is the caller's turn.
func (c *Client) activeSession(ctx context.Context) (*models.GameSession, error) {
	sess, err := c.svc.sessions.GetSession(ctx, c.gameID)
	if err != nil {
		return nil, err
	}
	if !sess.Started || sess.GameOver {
		return nil, ErrNotInProgress
	}
	if sess.ActivePlayer != c.user.Username {
		return nil, ErrNotYourTurn
	}
	if err := c.sync(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// TurnState is the caller's local dice state.
type TurnState struct {
	Dice          []int                    `json:"dice"`
	Held          []bool                   `json:"held"`
	RollsLeft     int                      `json:"rolls_left"`
	FirstRollDone bool                     `json:"first_roll_done"`
	Scores        map[scoring.Category]int `json:"scores"`
}

// State returns a copy of the local turn.
func (c *Client) State() TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == nil {
		return TurnState{}
	}
	return TurnState{
		Dice:          append([]int(nil), c.turn.Dice...),
		Held:          append([]bool(nil), c.turn.Held...),
		RollsLeft:     c.turn.RollsLeft,
		FirstRollDone: c.turn.FirstRollDone,
		Scores:        c.turn.Scores(),
	}
}

// RollDice rolls the un-held dice. It is only allowed on the caller's turn.
func (c *Client) RollDice(ctx context.Context) (TurnState, error) {
	if _, err := c.activeSession(ctx); err != nil {
		return TurnState{}, err
	}
	c.mu.Lock()
	err := c.turn.Roll(c.svc.dice)
	c.mu.Unlock()
	if err != nil {
		return TurnState{}, err
	}
	return c.State(), nil
}

// ToggleHold flips the hold flag of one die. It only touches local state.
func (c *Client) ToggleHold(i int) (TurnState, error) {
	c.mu.Lock()
	if c.turn == nil {
		c.mu.Unlock()
		return TurnState{}, game.ErrHoldBeforeRoll
	}
	err := c.turn.ToggleHold(i)
	c.mu.Unlock()
	if err != nil {
		return TurnState{}, err
	}
	return c.State(), nil
}

// SubmitRound scores the current dice in category, persists the round,
// passes the turn on and checks whether the game is over.
func (c *Client) SubmitRound(ctx context.Context, category string) (models.Round, error) {
	sess, err := c.activeSession(ctx)
	if err != nil {
		return models.Round{}, err
	}
	cat, err := scoring.ParseCategory(category, sess.Mode)
	if err != nil {
		return models.Round{}, game.ErrUnknownCategory
	}

	c.mu.Lock()
	round, err := c.turn.PrepareSubmit(cat, c.svc.now().UTC())
	c.mu.Unlock()
	if err != nil {
		return models.Round{}, err
	}

	name := c.user.Username
	log := c.svc.log(c.gameID).WithFields(logrus.Fields{"player": name, "category": cat})
	if err := c.svc.sessions.AddRound(ctx, c.gameID, round); err != nil {
		if errors.Is(err, store.ErrRoundExists) {
			// another device of this player got there first
			c.resync(ctx)
			return models.Round{}, game.ErrCategoryUsed
		}
		log.WithError(err).Error("failed to persist round")
		return models.Round{}, fmt.Errorf("add round: %w", err)
	}
	c.mu.Lock()
	c.turn.Commit(round)
	c.mu.Unlock()

	if id, ok := sess.PlayerIDs[name]; ok {
		if err := c.svc.users.IncrementUserField(ctx, id, models.TotalScoreField(sess.Mode), int64(round.Score)); err != nil {
			log.WithError(err).Warn("failed to update running total")
		}
	}

	// the successor is resolved against the roster at write time so that a
	// player who left meanwhile is skipped
	var next string
	err = c.svc.sessions.Update(ctx, c.gameID, func(cur *models.GameSession) (store.Mutation, error) {
		next = ""
		if cur.ActivePlayer != name || cur.Epoch != sess.Epoch || cur.GameOver {
			return store.Mutation{}, nil
		}
		next = game.NextPlayer(cur.Players, name)
		return store.Mutation{Set: models.Fields{models.FieldActivePlayer: next}}, nil
	})
	if err != nil {
		log.WithError(err).Error("failed to pass the turn")
		return round, fmt.Errorf("advance turn: %w", err)
	}
	log.WithFields(logrus.Fields{"score": round.Score, "next": next}).Info("round submitted")
	c.svc.record(ctx, sess, c.user, models.ActionSubmit, map[string]interface{}{
		"category": string(cat),
		"score":    round.Score,
		"dice":     models.EncodeDice(round.Dice),
	})

	if _, err := c.svc.CheckGameOver(ctx, c.gameID); err != nil {
		log.WithError(err).Warn("game over check failed")
	}
	return round, nil
}

func (c *Client) resync(ctx context.Context) {
	rounds, err := c.svc.sessions.ListRounds(ctx, c.gameID)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.turn.Restore(rounds)
	c.mu.Unlock()
}

// Close stops any pending countdown of this client.
func (c *Client) Close() {
	c.startCountdown.Cancel()
	c.rematchCountdown.Cancel()
}
