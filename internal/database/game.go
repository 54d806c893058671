// internal/database/game.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
)

// ActionSink persists historian batches and serves game read models.
type ActionSink struct {
	db *pgxpool.Pool
}

func NewActionSink(db *pgxpool.Pool) *ActionSink {
	return &ActionSink{db: db}
}

// InsertActions writes a batch of action records in a single transaction.
func (s *ActionSink) InsertActions(ctx context.Context, batch []models.ActionRecord) error {
	if len(batch) == 0 {
		return nil
	}
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range batch {
			payload, err := json.Marshal(rec.ActionPayload)
			if err != nil {
				return err
			}
			var actor interface{}
			if rec.ActorUserID != uuid.Nil {
				actor = rec.ActorUserID
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO game_actions (game_id, epoch, actor_user_id, actor_name, action_type, action_payload, recorded_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				rec.GameID, rec.Epoch, actor, rec.ActorName, rec.ActionType, payload,
				time.UnixMilli(rec.Timestamp).UTC(),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tx insert game actions: %w", err)
	}
	return nil
}

// ListActions returns the recorded actions of one game epoch in order.
func (s *ActionSink) ListActions(ctx context.Context, gameID string, epoch int64) ([]models.ActionRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT game_id, epoch, COALESCE(actor_user_id, '00000000-0000-0000-0000-000000000000'),
		       actor_name, action_type, action_payload, recorded_at
		FROM game_actions WHERE game_id = $1 AND epoch = $2 ORDER BY id`, gameID, epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var out []models.ActionRecord
	for rows.Next() {
		var (
			rec     models.ActionRecord
			payload []byte
			at      time.Time
		)
		if err := rows.Scan(&rec.GameID, &rec.Epoch, &rec.ActorUserID, &rec.ActorName, &rec.ActionType, &payload, &at); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.ActionPayload); err != nil {
				return nil, err
			}
		}
		rec.Timestamp = at.UnixMilli()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TopHighscores returns the best sole-winner scores of a mode.
func (s *ActionSink) TopHighscores(ctx context.Context, mode scoring.Mode, limit int) ([]models.Highscore, error) {
	rows, err := s.db.Query(ctx, `
		SELECT game_id, epoch, player_name, score, mode, recorded_at
		FROM highscores WHERE mode = $1 ORDER BY score DESC, recorded_at LIMIT $2`, string(mode), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list highscores: %w", err)
	}
	defer rows.Close()

	var out []models.Highscore
	for rows.Next() {
		var (
			h    models.Highscore
			mode string
		)
		if err := rows.Scan(&h.GameID, &h.Epoch, &h.PlayerName, &h.Score, &mode, &h.Timestamp); err != nil {
			return nil, err
		}
		h.Mode = scoring.Mode(mode)
		out = append(out, h)
	}
	return out, rows.Err()
}
