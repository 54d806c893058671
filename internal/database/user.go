package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
	"github.com/jason-s-yu/kniraffel/internal/store"
)

// UserStore implements store.UserStore on Postgres.
type UserStore struct {
	db *pgxpool.Pool
}

var _ store.UserStore = (*UserStore)(nil)

func NewUserStore(db *pgxpool.Pool) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("failed to generate user id: %w", err)
		}
		user.ID = id
	}
	if user.Companion == nil {
		user.Companion = models.NewCompanion()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, username, coins, total_score_standard, total_score_extended, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			user.ID, user.Username, user.Coins,
			user.TotalScoreStandard, user.TotalScoreExtended, user.CreatedAt,
		)
		if err != nil {
			return err
		}
		c := user.Companion
		_, err = tx.Exec(ctx, `
			INSERT INTO companions (user_id, level, xp, hunger, energy, happiness, last_xp_bonus_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			user.ID, c.Level, c.XP, c.Hunger, c.Energy, c.Happiness, c.LastXPBonusAt,
		)
		return err
	})
	if isUniqueViolation(err) {
		return store.ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

const selectUser = `
	SELECT u.id, u.username, u.coins, u.total_score_standard, u.total_score_extended, u.created_at,
	       c.level, c.xp, c.hunger, c.energy, c.happiness, c.last_xp_bonus_at
	FROM users u
	LEFT JOIN companions c ON c.user_id = u.id
`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var level, xp, hunger, energy, happy *int
	var lastBonus *time.Time
	err := row.Scan(
		&u.ID, &u.Username, &u.Coins, &u.TotalScoreStandard, &u.TotalScoreExtended, &u.CreatedAt,
		&level, &xp, &hunger, &energy, &happy, &lastBonus,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if level != nil {
		u.Companion = &models.Companion{
			Level:         *level,
			XP:            *xp,
			Hunger:        *hunger,
			Energy:        *energy,
			Happiness:     *happy,
			LastXPBonusAt: lastBonus,
		}
	}
	return &u, nil
}

func (s *UserStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(s.db.QueryRow(ctx, selectUser+` WHERE u.id = $1`, id))
}

func (s *UserStore) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return scanUser(s.db.QueryRow(ctx, selectUser+` WHERE u.username = $1`, username))
}

func (s *UserStore) UpdateUsername(ctx context.Context, id uuid.UUID, username string) error {
	tag, err := s.db.Exec(ctx, `UPDATE users SET username = $1 WHERE id = $2`, username, id)
	if isUniqueViolation(err) {
		return store.ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("failed to update username: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// IncrementCoins records ref in the ledger and adjusts the balance in one
// transaction. A ref already in the ledger leaves the balance untouched.
func (s *UserStore) IncrementCoins(ctx context.Context, id uuid.UUID, delta int64, ref string) (bool, error) {
	applied := false
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO coin_ledger (user_id, ref, delta) VALUES ($1, $2, $3)
			ON CONFLICT (user_id, ref) DO NOTHING`, id, ref, delta)
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		tag, err = tx.Exec(ctx, `
			UPDATE users SET coins = coins + $1
			WHERE id = $2 AND coins + $1 >= 0`, delta, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrInsufficientCoins
		}
		applied = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInsufficientCoins) {
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("failed to adjust coins of %s: %w", id, err)
	}
	return applied, nil
}

func (s *UserStore) IncrementUserField(ctx context.Context, id uuid.UUID, field string, delta int64) error {
	var q string
	switch field {
	case models.UserFieldTotalScoreStandard:
		q = `UPDATE users SET total_score_standard = total_score_standard + $1 WHERE id = $2`
	case models.UserFieldTotalScoreExtended:
		q = `UPDATE users SET total_score_extended = total_score_extended + $1 WHERE id = $2`
	default:
		return fmt.Errorf("%w: %s", store.ErrUnknownField, field)
	}
	tag, err := s.db.Exec(ctx, q, delta, id)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", field, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *UserStore) AppendHistory(ctx context.Context, id uuid.UUID, e models.HistoryEntry) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO history (user_id, key, game_id, epoch, played_at, score, mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, key) DO NOTHING`,
		id, e.Key, e.GameID, e.Epoch, e.Date, e.Score, string(e.Mode),
	)
	if err != nil {
		return false, fmt.Errorf("failed to append history: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *UserStore) ListHistory(ctx context.Context, id uuid.UUID) ([]models.HistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT key, game_id, epoch, played_at, score, mode
		FROM history WHERE user_id = $1 ORDER BY played_at`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []models.HistoryEntry
	for rows.Next() {
		var (
			e    models.HistoryEntry
			mode string
		)
		if err := rows.Scan(&e.Key, &e.GameID, &e.Epoch, &e.Date, &e.Score, &mode); err != nil {
			return nil, err
		}
		e.Mode = scoring.Mode(mode)
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateCompanion locks the companion row, applies fn and writes it back.
func (s *UserStore) UpdateCompanion(ctx context.Context, id uuid.UUID, fn func(*models.Companion) error) (*models.Companion, error) {
	var out *models.Companion
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		c := models.NewCompanion()
		err := tx.QueryRow(ctx, `
			SELECT level, xp, hunger, energy, happiness, last_xp_bonus_at
			FROM companions WHERE user_id = $1 FOR UPDATE`, id,
		).Scan(&c.Level, &c.XP, &c.Hunger, &c.Energy, &c.Happiness, &c.LastXPBonusAt)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO companions (user_id, level, xp, hunger, energy, happiness, last_xp_bonus_at)
			SELECT $1, $2, $3, $4, $5, $6, $7 WHERE EXISTS (SELECT 1 FROM users WHERE id = $1)
			ON CONFLICT (user_id) DO UPDATE SET
				level = EXCLUDED.level, xp = EXCLUDED.xp, hunger = EXCLUDED.hunger,
				energy = EXCLUDED.energy, happiness = EXCLUDED.happiness,
				last_xp_bonus_at = EXCLUDED.last_xp_bonus_at`,
			id, c.Level, c.XP, c.Hunger, c.Energy, c.Happiness, c.LastXPBonusAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *UserStore) AddHighscore(ctx context.Context, h models.Highscore) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO highscores (game_id, epoch, player_name, score, mode, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (game_id, epoch) DO NOTHING`,
		h.GameID, h.Epoch, h.PlayerName, h.Score, string(h.Mode), h.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("failed to add highscore: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
