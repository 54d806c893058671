// internal/store/store.go
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/kniraffel/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrSessionExists = errors.New("session already exists")
	ErrRoundExists   = errors.New("round already recorded for this category")
	ErrUserExists    = errors.New("username already taken")
	// ErrTxConflict is returned by Update when the document kept changing
	// under the optimistic transaction.
	ErrTxConflict = errors.New("session changed concurrently")
)

// Mutation describes the writes produced by an Update callback. Delete names
// remove the field and every flattened "<name>.*" entry.
type Mutation struct {
	Set    models.Fields
	Delete []string
}

// Empty reports whether applying the mutation would change nothing.
func (m Mutation) Empty() bool {
	return len(m.Set) == 0 && len(m.Delete) == 0
}

// ChangeKind tells subscribers which part of a session changed.
type ChangeKind string

const (
	ChangeSession ChangeKind = "session"
	ChangeRounds  ChangeKind = "rounds"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is delivered to subscribers after every successful write.
type Change struct {
	SessionID string     `json:"session_id"`
	Kind      ChangeKind `json:"kind"`
}

// Subscription is a live change feed. Close stops delivery.
type Subscription interface {
	Close() error
}

// SessionStore persists the shared session document and its rounds.
// Every method is safe for concurrent use by many writers.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.GameSession) error
	GetSession(ctx context.Context, id string) (*models.GameSession, error)
	UpdateFields(ctx context.Context, id string, fields models.Fields) error
	DeleteFields(ctx context.Context, id string, names ...string) error

	// SetIfAbsentOrEqual applies fields and deletes only when the guard field
	// is absent or currently equals expected. It reports whether it wrote.
	SetIfAbsentOrEqual(ctx context.Context, id, guard, expected string, fields models.Fields, deletes ...string) (bool, error)

	IncrementField(ctx context.Context, id, field string, delta int64) (int64, error)

	// AppendToArrayUnique appends value to a list field unless present and
	// reports whether it was appended.
	AppendToArrayUnique(ctx context.Context, id, field, value string) (bool, error)

	// Update reads the session, calls fn and applies its mutation atomically
	// with respect to other writers.
	Update(ctx context.Context, id string, fn func(*models.GameSession) (Mutation, error)) error

	AddRound(ctx context.Context, id string, r models.Round) error
	ListRounds(ctx context.Context, id string) ([]models.Round, error)
	DeleteRounds(ctx context.Context, id string) error

	Subscribe(ctx context.Context, id string, fn func(Change)) (Subscription, error)

	SessionsCreatedBefore(ctx context.Context, t time.Time) ([]string, error)
	DeleteSession(ctx context.Context, id string) error
}

// UserStore persists accounts, coins, history, companions and highscores.
type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	UpdateUsername(ctx context.Context, id uuid.UUID, username string) error

	// IncrementCoins adjusts the balance by delta at most once per ref. It
	// reports false when ref was already applied. A debit that would make the
	// balance negative fails with ErrInsufficientCoins.
	IncrementCoins(ctx context.Context, id uuid.UUID, delta int64, ref string) (bool, error)
	IncrementUserField(ctx context.Context, id uuid.UUID, field string, delta int64) error

	// AppendHistory stores the entry unless its key already exists.
	AppendHistory(ctx context.Context, id uuid.UUID, e models.HistoryEntry) (bool, error)
	ListHistory(ctx context.Context, id uuid.UUID) ([]models.HistoryEntry, error)

	UpdateCompanion(ctx context.Context, id uuid.UUID, fn func(*models.Companion) error) (*models.Companion, error)
	AddHighscore(ctx context.Context, h models.Highscore) (bool, error)
}

// ErrInsufficientCoins is returned by IncrementCoins for an uncovered debit.
var ErrInsufficientCoins = errors.New("insufficient coins")

// ErrUnknownField is returned for counters IncrementUserField does not know.
var ErrUnknownField = errors.New("unknown user field")

// ActionLog receives game events for the historian.
type ActionLog interface {
	Publish(ctx context.Context, rec models.ActionRecord) error
}

// NopActionLog discards every record.
type NopActionLog struct{}

func (NopActionLog) Publish(context.Context, models.ActionRecord) error { return nil }
