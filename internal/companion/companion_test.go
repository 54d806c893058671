package companion

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/store/memstore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestGainXP(t *testing.T) {
	c := models.NewCompanion()
	assert.Empty(t, GainXP(c, 49))
	assert.Equal(t, 1, c.Level)

	assert.Equal(t, []int{2}, GainXP(c, 1))
	assert.Equal(t, 0, c.XP)

	// 65 + 84 leaves level 2 and 3, 10 XP remain
	assert.Equal(t, []int{3, 4}, GainXP(c, 159))
	assert.Equal(t, 10, c.XP)
	assert.Equal(t, 109, NextThreshold(c))
}

func TestGainXPStopsAtMaxLevel(t *testing.T) {
	c := &models.Companion{Level: len(Thresholds) + 1}
	assert.Empty(t, GainXP(c, 100000))
	assert.Equal(t, 0, NextThreshold(c))
}

func TestHappiness(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	history := []models.HistoryEntry{
		{Date: now},
		{Date: now.Add(-12 * time.Hour)},
		{Date: now.Add(-30 * time.Hour)},
	}
	assert.Equal(t, 30, Happiness(history, now))
	assert.Equal(t, 2, RecentGames(history, now))

	var many []models.HistoryEntry
	for i := 0; i < 8; i++ {
		many = append(many, models.HistoryEntry{Date: now})
	}
	assert.Equal(t, 100, Happiness(many, now))
}

func TestLevelRewardPaidOnce(t *testing.T) {
	ctx := context.Background()
	users := memstore.New()
	u := &models.User{Username: "alice"}
	require.NoError(t, users.CreateUser(ctx, u))

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(users, quietLogger()).WithClock(func() time.Time { return now })
	_, err := users.UpdateCompanion(ctx, u.ID, func(c *models.Companion) error {
		c.Level, c.XP = 1, Thresholds[0]-PlayBonusXP
		return nil
	})
	require.NoError(t, err)
	for i := 0; i < PlayBonusGames; i++ {
		_, err := users.AppendHistory(ctx, u.ID, models.HistoryEntry{Key: models.HistoryKey("G", int64(i)), Date: now})
		require.NoError(t, err)
	}

	c, err := svc.RecordPlay(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Level)
	assert.Equal(t, 0, c.XP)

	got, _ := users.GetUser(ctx, u.ID)
	assert.Equal(t, int64(LevelReward), got.Coins)

	// re-paying the same level is a no-op thanks to the ledger ref
	require.NoError(t, svc.payLevels(ctx, u.ID, []int{2}))
	got, _ = users.GetUser(ctx, u.ID)
	assert.Equal(t, int64(LevelReward), got.Coins)
}

func TestPlayBonusOncePerDay(t *testing.T) {
	ctx := context.Background()
	users := memstore.New()
	u := &models.User{Username: "alice"}
	require.NoError(t, users.CreateUser(ctx, u))

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(users, quietLogger()).WithClock(func() time.Time { return now })

	for i := 0; i < 4; i++ {
		_, err := users.AppendHistory(ctx, u.ID, models.HistoryEntry{Key: models.HistoryKey("G", int64(i)), Date: now})
		require.NoError(t, err)
	}
	c, err := svc.RecordPlay(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, c.XP, "four games are not enough")
	assert.Equal(t, 80, c.Happiness)

	_, err = users.AppendHistory(ctx, u.ID, models.HistoryEntry{Key: models.HistoryKey("G", 4), Date: now})
	require.NoError(t, err)
	c, err = svc.RecordPlay(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, PlayBonusXP, c.XP)
	require.NotNil(t, c.LastXPBonusAt)

	c, err = svc.RecordPlay(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, PlayBonusXP, c.XP, "bonus granted once per day")
}
