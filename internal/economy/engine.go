// internal/economy/engine.go
package economy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/kniraffel/internal/companion"
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// InsufficientFundsError lists the players who cannot cover the entry fee.
type InsufficientFundsError struct {
	Players []string
}

func (e *InsufficientFundsError) Error() string {
	return "insufficient funds: " + strings.Join(e.Players, ", ")
}

// ErrRosterChanged is returned when players joined or left between the
// balance check and the collection.
var ErrRosterChanged = errors.New("players changed during fee collection")

// Engine moves coins between players and games. Every coin movement carries
// a ledger ref so that retries and racing observers apply it at most once.
type Engine struct {
	sessions  store.SessionStore
	users     store.UserStore
	companion *companion.Service
	logger    logrus.FieldLogger
	now       func() time.Time

	flight singleflight.Group
}

func NewEngine(sessions store.SessionStore, users store.UserStore, pets *companion.Service, logger logrus.FieldLogger) *Engine {
	return &Engine{
		sessions:  sessions,
		users:     users,
		companion: pets,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CollectEntryFee charges every current player the session's entry fee once
// per epoch. Concurrent calls for the same game in this process share one
// collection; calls from other processes are serialized by the
// entryFeeCollected flag.
func (e *Engine) CollectEntryFee(ctx context.Context, gameID string) error {
	_, err, _ := e.flight.Do(gameID, func() (interface{}, error) {
		return nil, e.collect(ctx, gameID)
	})
	return err
}

func (e *Engine) collect(ctx context.Context, gameID string) error {
	sess, err := e.sessions.GetSession(ctx, gameID)
	if err != nil {
		return err
	}
	if sess.EntryFeeCollected || sess.EntryFee <= 0 {
		return nil
	}
	log := e.logger.WithFields(logrus.Fields{"game_id": gameID, "epoch": sess.Epoch, "fee": sess.EntryFee})

	short, err := e.shortPlayers(ctx, sess)
	if err != nil {
		return err
	}
	if len(short) > 0 {
		log.WithField("players", short).Info("entry fee blocked by insufficient funds")
		return &InsufficientFundsError{Players: short}
	}

	// The flag flip is the compare-and-swap: only its winner moves coins.
	won := false
	var attempt int64
	err = e.sessions.Update(ctx, gameID, func(cur *models.GameSession) (store.Mutation, error) {
		won = false
		if cur.EntryFeeCollected || cur.Epoch != sess.Epoch {
			return store.Mutation{}, nil
		}
		if !slices.Equal(cur.Players, sess.Players) {
			return store.Mutation{}, ErrRosterChanged
		}
		won = true
		attempt = cur.FeeAttempt + 1
		return store.Mutation{Set: models.Fields{
			models.FieldEntryFeeCollected: models.FormatBool(true),
			models.FieldFeeAttempt:        models.FormatInt(attempt),
			models.FieldFeePlayers:        models.EncodeList(sess.Players),
		}}, nil
	})
	if errors.Is(err, ErrRosterChanged) {
		log.Info("roster changed before the fee was collected")
		return err
	}
	if err != nil {
		return fmt.Errorf("flag fee collection of %s: %w", gameID, err)
	}
	if !won {
		log.Debug("fee collection already claimed")
		return nil
	}

	ref := fmt.Sprintf("fee:%s:%d:%d", gameID, sess.Epoch, attempt)
	var charged []uuid.UUID
	for _, p := range sess.Players {
		id := sess.PlayerIDs[p]
		if _, err := e.users.IncrementCoins(ctx, id, -sess.EntryFee, ref); err != nil {
			log.WithError(err).WithField("player", p).Error("entry fee debit failed, rolling back")
			return errors.Join(fmt.Errorf("debit %s: %w", p, err), e.rollbackFee(ctx, sess, attempt, charged))
		}
		charged = append(charged, id)
	}

	pot := sess.EntryFee * int64(len(charged))
	if _, err := e.sessions.SetIfAbsentOrEqual(ctx, gameID, models.FieldEpoch, models.FormatInt(sess.Epoch),
		models.Fields{models.FieldPot: models.FormatInt(pot)}); err != nil {
		return fmt.Errorf("write pot of %s: %w", gameID, err)
	}
	log.WithField("pot", pot).Info("entry fee collected")
	return nil
}

// shortPlayers reads every balance in parallel and returns, in turn order,
// the players that are unknown or cannot pay.
func (e *Engine) shortPlayers(ctx context.Context, sess *models.GameSession) ([]string, error) {
	var mu sync.Mutex
	short := make(map[string]bool)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range sess.Players {
		p := p
		id, ok := sess.PlayerIDs[p]
		if !ok {
			short[p] = true
			continue
		}
		g.Go(func() error {
			u, err := e.users.GetUser(gctx, id)
			if errors.Is(err, store.ErrNotFound) || (err == nil && u.Coins < sess.EntryFee) {
				mu.Lock()
				short[p] = true
				mu.Unlock()
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("read balances of %s: %w", sess.ID, err)
	}

	var out []string
	for _, p := range sess.Players {
		if short[p] {
			out = append(out, p)
		}
	}
	return out, nil
}

// rollbackFee refunds the players already charged and reopens collection.
func (e *Engine) rollbackFee(ctx context.Context, sess *models.GameSession, attempt int64, charged []uuid.UUID) error {
	var errs []error
	ref := fmt.Sprintf("fee-refund:%s:%d:%d", sess.ID, sess.Epoch, attempt)
	for _, id := range charged {
		if _, err := e.users.IncrementCoins(ctx, id, sess.EntryFee, ref); err != nil {
			errs = append(errs, fmt.Errorf("refund %s: %w", id, err))
		}
	}
	if _, err := e.sessions.SetIfAbsentOrEqual(ctx, sess.ID, models.FieldEpoch, models.FormatInt(sess.Epoch),
		models.Fields{models.FieldEntryFeeCollected: models.FormatBool(false)}, models.FieldFeePlayers); err != nil {
		errs = append(errs, fmt.Errorf("reset fee flag: %w", err))
	}
	return errors.Join(errs...)
}

// CheckFunds reports the players of sess that cannot pay its entry fee
// without touching any balance.
func (e *Engine) CheckFunds(ctx context.Context, sess *models.GameSession) error {
	if sess.EntryFee <= 0 {
		return nil
	}
	short, err := e.shortPlayers(ctx, sess)
	if err != nil {
		return err
	}
	if len(short) > 0 {
		return &InsufficientFundsError{Players: short}
	}
	return nil
}

// Settle pays pot shares and score bonuses, records history and highscores
// for a finished epoch. Every step is idempotent, so a repeated call after a
// partial failure completes the settlement without paying twice. Failures
// are collected and returned after every player was attempted.
func (e *Engine) Settle(ctx context.Context, sess *models.GameSession, totals map[string]int) error {
	log := e.logger.WithFields(logrus.Fields{"game_id": sess.ID, "epoch": sess.Epoch})
	payoutRef := fmt.Sprintf("payout:%s:%d", sess.ID, sess.Epoch)
	now := e.now().UTC()

	var errs []error
	for _, p := range sess.Players {
		id, ok := sess.PlayerIDs[p]
		if !ok {
			errs = append(errs, fmt.Errorf("no account for player %s", p))
			continue
		}
		if amount := sess.CoinDistribution[p] + sess.ScoreBonuses[p]; amount > 0 {
			applied, err := e.users.IncrementCoins(ctx, id, amount, payoutRef)
			if err != nil {
				errs = append(errs, fmt.Errorf("pay %s: %w", p, err))
			} else if applied {
				log.WithFields(logrus.Fields{"player": p, "coins": amount}).Info("payout applied")
			}
		}

		entry := models.HistoryEntry{
			Key:    models.HistoryKey(sess.ID, sess.Epoch),
			GameID: sess.ID,
			Epoch:  sess.Epoch,
			Date:   now,
			Score:  totals[p],
			Mode:   sess.Mode,
		}
		if err := e.RecordHistory(ctx, id, entry); err != nil {
			errs = append(errs, fmt.Errorf("history of %s: %w", p, err))
		}
	}

	if len(sess.Winners) == 1 {
		w := sess.Winners[0]
		_, err := e.users.AddHighscore(ctx, models.Highscore{
			GameID:     sess.ID,
			Epoch:      sess.Epoch,
			PlayerName: w,
			Score:      totals[w],
			Mode:       sess.Mode,
			Timestamp:  now,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("highscore: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		log.WithError(err).Error("settlement incomplete")
		return err
	}
	return nil
}

// RecordHistory appends entry to the user's history unless an entry with the
// same key exists. Entries with a score below 1 are not recorded. A newly
// recorded game feeds the companion.
func (e *Engine) RecordHistory(ctx context.Context, userID uuid.UUID, entry models.HistoryEntry) error {
	if entry.Score < 1 {
		return nil
	}
	appended, err := e.users.AppendHistory(ctx, userID, entry)
	if err != nil {
		return err
	}
	if !appended || e.companion == nil {
		return nil
	}
	if _, err := e.companion.RecordPlay(ctx, userID); err != nil {
		e.logger.WithError(err).WithField("user_id", userID).Warn("companion update failed")
	}
	return nil
}
