// internal/companion/companion.go
package companion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/store"
	"github.com/sirupsen/logrus"
)

// Thresholds holds the XP needed to leave each level, starting at level 1.
// A companion at the last listed level no longer levels up.
var Thresholds = []int{50, 65, 84, 109, 142, 185, 241, 313, 407, 530, 689, 896, 1164, 1514, 1968, 2559, 3327, 4325, 5622, 7309}

const (
	// LevelReward is paid in coins for every level gained.
	LevelReward = 10
	// PlayBonusXP is granted once per calendar day after PlayBonusGames games
	// within 24 hours.
	PlayBonusXP    = 20
	PlayBonusGames = 5

	happinessPerGame = 20
	maxHappiness     = 100
)

// GainXP adds xp and applies every level-up it pays for. It returns the
// levels reached, in order.
func GainXP(c *models.Companion, xp int) []int {
	if c.Level < 1 {
		c.Level = 1
	}
	c.XP += xp
	var reached []int
	for c.Level-1 < len(Thresholds) && c.XP >= Thresholds[c.Level-1] {
		c.XP -= Thresholds[c.Level-1]
		c.Level++
		reached = append(reached, c.Level)
	}
	return reached
}

// NextThreshold is the XP the companion needs to leave its current level, or
// 0 at the maximum level.
func NextThreshold(c *models.Companion) int {
	if c.Level < 1 || c.Level-1 >= len(Thresholds) {
		return 0
	}
	return Thresholds[c.Level-1]
}

// RecentGames counts history entries dated within the 24 hours before now.
func RecentGames(history []models.HistoryEntry, now time.Time) int {
	n := 0
	cutoff := now.Add(-24 * time.Hour)
	for _, e := range history {
		if !e.Date.Before(cutoff) {
			n++
		}
	}
	return n
}

// Happiness sums a linearly decaying contribution of every game played in the
// last 24 hours, capped at 100.
func Happiness(history []models.HistoryEntry, now time.Time) int {
	total := 0
	cutoff := now.Add(-24 * time.Hour)
	for _, e := range history {
		if e.Date.Before(cutoff) {
			continue
		}
		hoursAgo := now.Sub(e.Date).Hours()
		decay := 1 - hoursAgo/24
		if decay < 0 {
			decay = 0
		}
		total += int(happinessPerGame * decay)
	}
	if total > maxHappiness {
		total = maxHappiness
	}
	return total
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// Service applies XP, level rewards and play bonuses to stored companions.
type Service struct {
	users  store.UserStore
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewService(users store.UserStore, logger logrus.FieldLogger) *Service {
	return &Service{users: users, logger: logger, now: time.Now}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RecordPlay refreshes happiness after a game was added to the user's
// history and grants the daily play bonus when it is due.
func (s *Service) RecordPlay(ctx context.Context, userID uuid.UUID) (*models.Companion, error) {
	history, err := s.users.ListHistory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list history of %s: %w", userID, err)
	}
	now := s.now()
	recent := RecentGames(history, now)
	happiness := Happiness(history, now)

	var reached []int
	c, err := s.users.UpdateCompanion(ctx, userID, func(c *models.Companion) error {
		c.Happiness = happiness
		if recent < PlayBonusGames {
			return nil
		}
		if c.LastXPBonusAt != nil && sameDay(*c.LastXPBonusAt, now) {
			return nil
		}
		reached = GainXP(c, PlayBonusXP)
		at := now.UTC()
		c.LastXPBonusAt = &at
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update companion of %s: %w", userID, err)
	}
	return c, s.payLevels(ctx, userID, reached)
}

func (s *Service) payLevels(ctx context.Context, userID uuid.UUID, levels []int) error {
	for _, lvl := range levels {
		ref := fmt.Sprintf("companion-level:%s:%d", userID, lvl)
		if _, err := s.users.IncrementCoins(ctx, userID, LevelReward, ref); err != nil {
			return fmt.Errorf("pay level %d reward to %s: %w", lvl, userID, err)
		}
		s.logger.WithFields(logrus.Fields{"user_id": userID, "level": lvl}).Info("companion leveled up")
	}
	return nil
}
