// internal/session/watch.go
package session

import (
	"context"
	"errors"

	"github.com/jason-s-yu/kniraffel/internal/economy"
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/store"
)

// Watch follows the session until ctx is done or the session is deleted.
// Every change is re-read into a Snapshot and handed to onChange, which may
// be nil. Besides relaying, the client takes part in the shared lifecycle:
// it checks for game over when rounds change, completes an unsettled
// payout, and arms the start and rematch countdowns when the players are
// unanimous.
func (c *Client) Watch(ctx context.Context, onChange func(*Snapshot)) error {
	deleted := make(chan struct{})
	closed := false
	sub, err := c.svc.sessions.Subscribe(ctx, c.gameID, func(ch store.Change) {
		if closed {
			return
		}
		if !c.react(ctx, ch, onChange) {
			closed = true
			close(deleted)
		}
	})
	if err != nil {
		return err
	}
	defer sub.Close()
	defer c.Close()

	// the document may have moved between join and subscribe
	if snap, err := c.svc.Snapshot(ctx, c.gameID); err == nil {
		c.finishSettlement(ctx, snap.Session)
		c.arm(ctx, snap.Session)
		if onChange != nil {
			onChange(snap)
		}
	} else if errors.Is(err, store.ErrNotFound) {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-deleted:
		return store.ErrNotFound
	}
}

// react handles one change notification. It returns false once the session
// is gone.
func (c *Client) react(ctx context.Context, ch store.Change, onChange func(*Snapshot)) bool {
	if ch.Kind == store.ChangeDeleted {
		return false
	}
	log := c.svc.log(c.gameID).WithField("player", c.user.Username)

	if ch.Kind == store.ChangeRounds {
		if _, err := c.svc.CheckGameOver(ctx, c.gameID); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.WithError(err).Warn("game over check failed")
		}
	}

	snap, err := c.svc.Snapshot(ctx, c.gameID)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		log.WithError(err).Warn("failed to read session after change")
		return true
	}
	if err := c.sync(ctx, snap.Session); err != nil {
		log.WithError(err).Warn("failed to resync turn")
	}
	c.finishSettlement(ctx, snap.Session)
	c.arm(ctx, snap.Session)
	if onChange != nil {
		onChange(snap)
	}
	return true
}

// finishSettlement retries the payout of a finished epoch that was not
// marked settled.
func (c *Client) finishSettlement(ctx context.Context, sess *models.GameSession) {
	if !sess.GameOver || sess.Settled {
		return
	}
	if err := c.svc.settle(ctx, sess); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.svc.log(c.gameID).WithError(err).Warn("settlement retry failed")
	}
}

// arm starts or cancels the local countdowns for sess.
func (c *Client) arm(ctx context.Context, sess *models.GameSession) {
	name := c.user.Username
	log := c.svc.log(c.gameID).WithField("player", name)

	lobbyReady := sess.Phase() == models.PhaseLobby && sess.Host == name && sess.AllVoted(sess.ReadyVotes)
	if lobbyReady {
		if c.startCountdown.Start(c.svc.countdown, func() {
			err := c.svc.StartGame(ctx, c.gameID, c.user)
			var short *economy.InsufficientFundsError
			switch {
			case err == nil, errors.Is(err, ErrGameStarted), errors.Is(err, ErrNotAllReady):
			case errors.As(err, &short):
				log.WithField("players", short.Players).Info("start blocked by insufficient funds")
			default:
				log.WithError(err).Warn("automatic start failed")
			}
		}) {
			log.Debug("start countdown armed")
		}
	} else if c.startCountdown.Cancel() {
		log.Debug("start countdown canceled")
	}

	rematchReady := sess.GameOver && sess.HasPlayer(name) && sess.AllVoted(sess.RematchVotes)
	if rematchReady {
		if c.rematchCountdown.Start(c.svc.countdown, func() {
			err := c.svc.StartRematch(ctx, c.gameID, c.user)
			var short *economy.InsufficientFundsError
			switch {
			case err == nil, errors.Is(err, ErrGameNotOver), errors.Is(err, ErrNotAllReady):
			case errors.As(err, &short):
				log.WithField("players", short.Players).Info("rematch blocked by insufficient funds")
			default:
				log.WithError(err).Warn("automatic rematch failed")
			}
		}) {
			log.Debug("rematch countdown armed")
		}
	} else if c.rematchCountdown.Cancel() {
		log.Debug("rematch countdown canceled")
	}
}
