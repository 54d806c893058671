package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
)

// User is a player account with its coin balance and running score totals.
type User struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Coins    int64     `json:"coins"`

	TotalScoreStandard int64 `json:"total_score_standard"`
	TotalScoreExtended int64 `json:"total_score_extended"`

	CreatedAt time.Time  `json:"created_at"`
	Companion *Companion `json:"companion,omitempty"`
}

// User counter fields that may be incremented through IncrementUserField.
const (
	UserFieldTotalScoreStandard = "total_score_standard"
	UserFieldTotalScoreExtended = "total_score_extended"
)

// TotalScoreField returns the running-total field of the mode.
func TotalScoreField(m scoring.Mode) string {
	if m == scoring.ModeExtended {
		return UserFieldTotalScoreExtended
	}
	return UserFieldTotalScoreStandard
}

// HistoryEntry is one finished (or abandoned) game in a user's history.
// Key is unique per user and equals HistoryKey(GameID, Epoch).
type HistoryEntry struct {
	Key    string       `json:"key"`
	GameID string       `json:"game_id"`
	Epoch  int64        `json:"epoch"`
	Date   time.Time    `json:"date"`
	Score  int          `json:"score"`
	Mode   scoring.Mode `json:"mode"`
}

// HistoryKey builds the per-user dedupe key of a game epoch.
func HistoryKey(gameID string, epoch int64) string {
	return gameID + ":" + FormatInt(epoch)
}

// Companion is the user's pet.
type Companion struct {
	Level         int        `json:"level"`
	XP            int        `json:"xp"`
	Hunger        int        `json:"hunger"`
	Energy        int        `json:"energy"`
	Happiness     int        `json:"happiness"`
	LastXPBonusAt *time.Time `json:"last_xp_bonus_at,omitempty"`
}

// NewCompanion returns the companion every account starts with.
func NewCompanion() *Companion {
	return &Companion{Level: 1, Hunger: 100, Energy: 100}
}

// Highscore records the sole winner of one game epoch.
type Highscore struct {
	GameID     string       `json:"game_id"`
	Epoch      int64        `json:"epoch"`
	PlayerName string       `json:"player_name"`
	Score      int          `json:"score"`
	Mode       scoring.Mode `json:"mode"`
	Timestamp  time.Time    `json:"timestamp"`
}
