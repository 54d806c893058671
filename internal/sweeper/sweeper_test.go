package sweeper

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/store"
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

func seed(t *testing.T, st *memstore.Store, id string, created time.Time) {
	t.Helper()
	require.NoError(t, st.CreateSession(context.Background(), &models.GameSession{
		ID:        id,
		Players:   []string{"alice"},
		Host:      "alice",
		CreatedAt: created,
	}))
}

func TestSweepRemovesOnlyStaleSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	st := memstore.New()
	seed(t, st, "OLD01", now.Add(-25*time.Hour))
	seed(t, st, "OLD02", now.Add(-48*time.Hour))
	seed(t, st, "NEW01", now.Add(-23*time.Hour))

	sw := New(st, quietLogger(), time.Hour, 24*time.Hour).WithClock(func() time.Time { return now })
	removed, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = st.GetSession(ctx, "OLD01")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetSession(ctx, "NEW01")
	assert.NoError(t, err)

	removed, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestStartRunsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := memstore.New()
	seed(t, st, "OLD01", time.Now().Add(-30*time.Hour))

	sw := New(st, quietLogger(), time.Hour, 0)
	require.NoError(t, sw.Start(ctx))
	defer sw.Stop()

	assert.Eventually(t, func() bool {
		_, err := st.GetSession(context.Background(), "OLD01")
		return err == store.ErrNotFound
	}, 2*time.Second, 10*time.Millisecond)
}
