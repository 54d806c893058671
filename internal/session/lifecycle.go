// internal/session/lifecycle.go
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jason-s-yu/kniraffel/internal/economy"
	"github.com/jason-s-yu/kniraffel/internal/game"
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
	"github.com/jason-s-yu/kniraffel/internal/store"
	"github.com/sirupsen/logrus"
)

// outcomeFields are the fields written together with gameOver.
func outcomeFields(o economy.Outcome) models.Fields {
	f := models.Fields{
		models.FieldGameOver:    models.FormatBool(true),
		models.FieldWinners:     models.EncodeList(o.Winners),
		models.FieldWinnerScore: models.FormatInt(int64(o.WinnerScore)),
	}
	if len(o.Winners) > 0 {
		f[models.FieldWinner] = o.Winners[0]
	}
	for p, coins := range o.Distribution {
		f[models.MapKey(models.FieldCoinDistribution, p)] = models.FormatInt(coins)
	}
	for p, coins := range o.Bonuses {
		f[models.MapKey(models.FieldScoreBonuses, p)] = models.FormatInt(coins)
	}
	return f
}

// CheckGameOver finishes the game when every current player has filled the
// score sheet. Any number of observers may call it concurrently: the outcome
// is written by a single conditional write and only the writer that flipped
// gameOver settles coins. It reports whether this call finished the game.
func (s *Service) CheckGameOver(ctx context.Context, gameID string) (bool, error) {
	sess, err := s.sessions.GetSession(ctx, gameID)
	if err != nil {
		return false, err
	}
	if sess.GameOver {
		// a settlement that failed earlier is completed by whoever looks next
		if !sess.Settled {
			return false, s.settle(ctx, sess)
		}
		return false, nil
	}
	if !sess.Started {
		return false, nil
	}
	rounds, err := s.sessions.ListRounds(ctx, gameID)
	if err != nil {
		return false, fmt.Errorf("list rounds: %w", err)
	}
	if !game.Completed(sess.Players, rounds, sess.Mode) {
		return false, nil
	}

	log := s.log(gameID).WithField("epoch", sess.Epoch)
	won := false
	var final *models.GameSession
	var outcome economy.Outcome
	err = s.sessions.Update(ctx, gameID, func(cur *models.GameSession) (store.Mutation, error) {
		won = false
		if cur.GameOver || !cur.Started || cur.Epoch != sess.Epoch {
			return store.Mutation{}, nil
		}
		if !game.Completed(cur.Players, rounds, cur.Mode) {
			return store.Mutation{}, nil
		}
		outcome = economy.ComputeOutcome(cur, rounds)
		outcome.Apply(cur)
		final = cur
		won = true
		return store.Mutation{
			Set:    outcomeFields(outcome),
			Delete: []string{models.FieldCoinDistribution, models.FieldScoreBonuses},
		}, nil
	})
	if err != nil {
		log.WithError(err).Error("failed to write game over")
		return false, fmt.Errorf("write game over: %w", err)
	}
	if !won {
		log.Debug("game over already recorded")
		return false, nil
	}

	log.WithFields(logrus.Fields{"winners": outcome.Winners, "score": outcome.WinnerScore}).Info("game over")
	s.record(ctx, final, nil, models.ActionGameOver, map[string]interface{}{
		"winners": outcome.Winners,
		"score":   outcome.WinnerScore,
	})
	if err := s.settleWith(ctx, final, outcome.Totals); err != nil {
		return true, err
	}
	return true, nil
}

// Settle repeats the settlement of a finished game from its persisted
// outcome. Every payout is ledgered, so only the parts that failed before
// take effect.
func (s *Service) Settle(ctx context.Context, gameID string) error {
	sess, err := s.sessions.GetSession(ctx, gameID)
	if err != nil {
		return err
	}
	if !sess.GameOver {
		return ErrGameNotOver
	}
	return s.settle(ctx, sess)
}

func (s *Service) settle(ctx context.Context, sess *models.GameSession) error {
	rounds, err := s.sessions.ListRounds(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("list rounds: %w", err)
	}
	return s.settleWith(ctx, sess, economy.ComputeOutcome(sess, rounds).Totals)
}

// settleWith pays out sess and marks the epoch settled once every step
// succeeded.
func (s *Service) settleWith(ctx context.Context, sess *models.GameSession, totals map[string]int) error {
	if err := s.economy.Settle(ctx, sess, totals); err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	if _, err := s.sessions.SetIfAbsentOrEqual(ctx, sess.ID, models.FieldEpoch, models.FormatInt(sess.Epoch),
		models.Fields{models.FieldSettled: models.FormatBool(true)}); err != nil {
		return fmt.Errorf("mark settled: %w", err)
	}
	return nil
}

// RequestRematch records the caller's rematch vote.
func (s *Service) RequestRematch(ctx context.Context, gameID string, user *models.User, ready bool) error {
	return s.sessions.Update(ctx, gameID, func(cur *models.GameSession) (store.Mutation, error) {
		if !cur.HasPlayer(user.Username) {
			return store.Mutation{}, ErrNotInGame
		}
		if !cur.GameOver {
			return store.Mutation{}, ErrGameNotOver
		}
		return store.Mutation{Set: models.Fields{
			models.MapKey(models.FieldRematchVotes, user.Username): models.FormatBool(ready),
		}}, nil
	})
}

// StartRematch restarts a finished game as a new epoch once every player
// voted for it. Concurrent callers race on the epoch; the losers return nil.
func (s *Service) StartRematch(ctx context.Context, gameID string, actor *models.User) error {
	sess, err := s.sessions.GetSession(ctx, gameID)
	if err != nil {
		return err
	}
	if !sess.GameOver {
		return ErrGameNotOver
	}
	if !sess.AllVoted(sess.RematchVotes) {
		return ErrNotAllReady
	}
	// the payout refs belong to this epoch; pay them before it is reset
	if !sess.Settled {
		if err := s.settle(ctx, sess); err != nil {
			return err
		}
	}
	if err := s.economy.CheckFunds(ctx, sess); err != nil {
		return err
	}

	log := s.log(gameID).WithField("epoch", sess.Epoch+1)
	won := false
	err = s.sessions.Update(ctx, gameID, func(cur *models.GameSession) (store.Mutation, error) {
		won = false
		if !cur.GameOver || cur.Epoch != sess.Epoch || !cur.AllVoted(cur.RematchVotes) {
			return store.Mutation{}, nil
		}
		won = true
		return store.Mutation{
			Set: models.Fields{
				models.FieldEpoch:             models.FormatInt(cur.Epoch + 1),
				models.FieldGameOver:          models.FormatBool(false),
				models.FieldStarted:           models.FormatBool(false),
				models.FieldEntryFeeCollected: models.FormatBool(false),
				models.FieldFeeAttempt:        models.FormatInt(0),
				models.FieldPot:               models.FormatInt(0),
				models.FieldActivePlayer:      cur.Players[0],
			},
			Delete: []string{
				models.FieldWinner,
				models.FieldWinnerScore,
				models.FieldWinners,
				models.FieldCoinDistribution,
				models.FieldScoreBonuses,
				models.FieldRematchVotes,
				models.FieldReadyVotes,
				models.FieldFeePlayers,
				models.FieldSettled,
			},
		}, nil
	})
	if err != nil {
		log.WithError(err).Error("failed to reset session for rematch")
		return fmt.Errorf("reset for rematch: %w", err)
	}
	if !won {
		log.Debug("rematch already started by another client")
		return nil
	}

	if err := s.sessions.DeleteRounds(ctx, gameID); err != nil {
		log.WithError(err).Error("failed to clear rounds for rematch")
		return fmt.Errorf("clear rounds: %w", err)
	}

	next, err := s.sessions.GetSession(ctx, gameID)
	if err != nil {
		return err
	}
	s.record(ctx, next, actor, models.ActionRematch, nil)
	return s.begin(ctx, next, actor)
}

// LeaveGame removes user from the game. A game in progress first records
// the leaver's current score in their history; the roster, votes, active
// player and host are then updated in a single conditional write.
func (s *Service) LeaveGame(ctx context.Context, gameID string, user *models.User) error {
	sess, err := s.sessions.GetSession(ctx, gameID)
	if err != nil {
		return err
	}
	name := user.Username
	if !sess.HasPlayer(name) {
		return ErrNotInGame
	}
	log := s.log(gameID).WithField("player", name)

	if sess.Started && !sess.GameOver {
		s.recordLeaverScore(ctx, sess, user)
	}

	var remaining []string
	err = s.sessions.Update(ctx, gameID, func(cur *models.GameSession) (store.Mutation, error) {
		remaining = nil
		if !cur.HasPlayer(name) {
			return store.Mutation{}, nil
		}
		for _, p := range cur.Players {
			if p != name {
				remaining = append(remaining, p)
			}
		}
		m := store.Mutation{
			Set: models.Fields{models.FieldPlayers: models.EncodeList(remaining)},
			Delete: []string{
				models.MapKey(models.FieldReadyVotes, name),
				models.MapKey(models.FieldRematchVotes, name),
				models.MapKey(models.FieldPlayerIDs, name),
			},
		}
		if cur.ActivePlayer == name {
			if next := game.SuccessorAfterLeave(cur.Players, name, remaining); next != "" {
				m.Set[models.FieldActivePlayer] = next
			} else {
				m.Delete = append(m.Delete, models.FieldActivePlayer)
			}
		}
		if cur.Host == name && len(remaining) > 0 {
			m.Set[models.FieldHost] = remaining[0]
		}
		return m, nil
	})
	if err != nil {
		log.WithError(err).Error("failed to leave game")
		return fmt.Errorf("leave game: %w", err)
	}
	log.Info("player left")
	s.record(ctx, sess, user, models.ActionLeave, nil)

	if len(remaining) == 0 {
		if err := s.sessions.DeleteSession(ctx, gameID); err != nil {
			log.WithError(err).Warn("failed to delete empty session")
		}
		return nil
	}
	if _, err := s.CheckGameOver(ctx, gameID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.WithError(err).Warn("game over check after leave failed")
	}
	return nil
}

// recordLeaverScore stores the leaver's running total, best effort.
func (s *Service) recordLeaverScore(ctx context.Context, sess *models.GameSession, user *models.User) {
	rounds, err := s.sessions.ListRounds(ctx, sess.ID)
	if err != nil {
		s.log(sess.ID).WithError(err).Warn("could not read rounds of leaving player")
		return
	}
	total := scoring.Totals(models.ScoresByPlayer(rounds)[user.Username], sess.Mode).Total
	entry := models.HistoryEntry{
		Key:    models.HistoryKey(sess.ID, sess.Epoch),
		GameID: sess.ID,
		Epoch:  sess.Epoch,
		Date:   s.now().UTC(),
		Score:  total,
		Mode:   sess.Mode,
	}
	if err := s.economy.RecordHistory(ctx, user.ID, entry); err != nil {
		s.log(sess.ID).WithError(err).WithField("player", user.Username).Warn("could not record score of leaving player")
	}
}
