package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
	"github.com/jason-s-yu/kniraffel/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(id string) *models.GameSession {
	return &models.GameSession{
		ID:           id,
		Players:      []string{"alice"},
		Host:         "alice",
		Mode:         scoring.ModeStandard,
		ReadyVotes:   map[string]bool{},
		RematchVotes: map[string]bool{},
		PlayerIDs:    map[string]uuid.UUID{},
		CreatedAt:    time.Now().UTC(),
	}
}

func TestCreateAndGetSession(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateSession(ctx, newSession("AAAAA")))
	assert.ErrorIs(t, s.CreateSession(ctx, newSession("AAAAA")), store.ErrSessionExists)

	got, err := s.GetSession(ctx, "AAAAA")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, got.Players)

	_, err = s.GetSession(ctx, "ZZZZZ")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetIfAbsentOrEqualOnlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateSession(ctx, newSession("AAAAA")))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.SetIfAbsentOrEqual(ctx, "AAAAA", models.FieldGameOver, "false",
				models.Fields{models.FieldGameOver: "true"})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestDeleteFieldsRemovesFlattenedEntries(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateSession(ctx, newSession("AAAAA")))
	require.NoError(t, s.UpdateFields(ctx, "AAAAA", models.Fields{
		models.MapKey(models.FieldReadyVotes, "alice"): "true",
		models.MapKey(models.FieldReadyVotes, "bob"):   "true",
	}))
	require.NoError(t, s.DeleteFields(ctx, "AAAAA", models.FieldReadyVotes))

	got, err := s.GetSession(ctx, "AAAAA")
	require.NoError(t, err)
	assert.Empty(t, got.ReadyVotes)
}

func TestAppendToArrayUnique(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateSession(ctx, newSession("AAAAA")))

	ok, err := s.AppendToArrayUnique(ctx, "AAAAA", models.FieldPlayers, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AppendToArrayUnique(ctx, "AAAAA", models.FieldPlayers, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := s.GetSession(ctx, "AAAAA")
	assert.Equal(t, []string{"alice", "bob"}, got.Players)
}

func TestRoundsAreUniquePerCategory(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateSession(ctx, newSession("AAAAA")))

	r := models.Round{Player: "alice", Category: scoring.Chance, Score: 20, Dice: []int{4, 4, 4, 4, 4}}
	require.NoError(t, s.AddRound(ctx, "AAAAA", r))
	assert.ErrorIs(t, s.AddRound(ctx, "AAAAA", r), store.ErrRoundExists)

	rounds, err := s.ListRounds(ctx, "AAAAA")
	require.NoError(t, err)
	assert.Len(t, rounds, 1)

	require.NoError(t, s.DeleteRounds(ctx, "AAAAA"))
	rounds, _ = s.ListRounds(ctx, "AAAAA")
	assert.Empty(t, rounds)
}

func TestSubscribeReceivesChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New()
	require.NoError(t, s.CreateSession(ctx, newSession("AAAAA")))

	got := make(chan store.Change, 4)
	sub, err := s.Subscribe(ctx, "AAAAA", func(c store.Change) { got <- c })
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.AddRound(ctx, "AAAAA", models.Round{Player: "alice", Category: scoring.Ones}))
	select {
	case c := <-got:
		assert.Equal(t, store.ChangeRounds, c.Kind)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
}

func TestDeleteReachesSlowSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New()
	require.NoError(t, s.CreateSession(ctx, newSession("AAAAA")))

	release := make(chan struct{})
	gotDelete := make(chan struct{})
	_, err := s.Subscribe(ctx, "AAAAA", func(c store.Change) {
		<-release
		if c.Kind == store.ChangeDeleted {
			close(gotDelete)
		}
	})
	require.NoError(t, err)

	// overflow the change buffer while the subscriber is stuck
	for i := 0; i < 40; i++ {
		require.NoError(t, s.UpdateFields(ctx, "AAAAA", models.Fields{models.FieldHost: "alice"}))
	}
	require.NoError(t, s.DeleteSession(ctx, "AAAAA"))
	close(release)

	select {
	case <-gotDelete:
	case <-time.After(2 * time.Second):
		t.Fatal("deletion was not delivered")
	}
}

func TestSessionsCreatedBefore(t *testing.T) {
	ctx := context.Background()
	s := New()
	old := newSession("OLD01")
	old.CreatedAt = time.Now().Add(-25 * time.Hour)
	require.NoError(t, s.CreateSession(ctx, old))
	require.NoError(t, s.CreateSession(ctx, newSession("NEW01")))

	ids, err := s.SessionsCreatedBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"OLD01"}, ids)
}

func TestIncrementCoinsLedger(t *testing.T) {
	ctx := context.Background()
	s := New()
	u := &models.User{Username: "alice", Coins: 10}
	require.NoError(t, s.CreateUser(ctx, u))

	applied, err := s.IncrementCoins(ctx, u.ID, -4, "fee:AAAAA:0")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.IncrementCoins(ctx, u.ID, -4, "fee:AAAAA:0")
	require.NoError(t, err)
	assert.False(t, applied, "same ref applies once")

	_, err = s.IncrementCoins(ctx, u.ID, -100, "fee:BBBBB:0")
	assert.ErrorIs(t, err, store.ErrInsufficientCoins)

	got, _ := s.GetUser(ctx, u.ID)
	assert.Equal(t, int64(6), got.Coins)
}

func TestAppendHistoryDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := New()
	u := &models.User{Username: "alice"}
	require.NoError(t, s.CreateUser(ctx, u))

	e := models.HistoryEntry{Key: models.HistoryKey("AAAAA", 0), GameID: "AAAAA", Score: 120}
	ok, err := s.AppendHistory(ctx, u.ID, e)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AppendHistory(ctx, u.ID, e)
	require.NoError(t, err)
	assert.False(t, ok)

	list, _ := s.ListHistory(ctx, u.ID)
	assert.Len(t, list, 1)
}

func TestCreateUserRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateUser(ctx, &models.User{Username: "alice"}))
	assert.ErrorIs(t, s.CreateUser(ctx, &models.User{Username: "alice"}), store.ErrUserExists)
}
