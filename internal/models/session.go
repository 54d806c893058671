// internal/models/session.go
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
)

// Persisted field names of a GameSession document. Map-valued fields are
// flattened to "<field>.<key>" entries so that two writers touching different
// keys never overwrite each other.
const (
	FieldID                = "id"
	FieldPlayers           = "players"
	FieldPlayerIDs         = "playerIds"
	FieldHost              = "host"
	FieldMode              = "mode"
	FieldEntryFee          = "entryFee"
	FieldEntryFeeCollected = "entryFeeCollected"
	FieldFeeAttempt        = "feeAttempt"
	FieldFeePlayers        = "feePlayers"
	FieldPot               = "pot"
	FieldEpoch             = "epoch"
	FieldStarted           = "started"
	FieldReadyVotes        = "readyVotes"
	FieldActivePlayer      = "activePlayer"
	FieldGameOver          = "gameOver"
	FieldWinner            = "winner"
	FieldWinnerScore       = "winnerScore"
	FieldWinners           = "winners"
	FieldCoinDistribution  = "coinDistribution"
	FieldScoreBonuses      = "scoreBonuses"
	FieldSettled           = "settled"
	FieldRematchVotes      = "rematchVotes"
	FieldCreatedAt         = "createdAt"
)

// Fields is the flattened, string-encoded form of a session document.
type Fields map[string]string

// Phase is the lifecycle state derived from the persisted flags.
type Phase string

const (
	PhaseLobby          Phase = "lobby"
	PhaseInProgress     Phase = "in_progress"
	PhaseGameOver       Phase = "game_over"
	PhaseRematchPending Phase = "rematch_pending"
)

// GameSession is the shared, multi-writer document of one match.
type GameSession struct {
	ID                string               `json:"id"`
	Players           []string             `json:"players"`
	PlayerIDs         map[string]uuid.UUID `json:"playerIds"`
	Host              string               `json:"host"`
	Mode              scoring.Mode         `json:"mode"`
	EntryFee          int64                `json:"entryFee"`
	EntryFeeCollected bool                 `json:"entryFeeCollected"`
	FeeAttempt        int64                `json:"feeAttempt"`
	FeePlayers        []string             `json:"feePlayers,omitempty"`
	Pot               int64                `json:"pot"`
	Epoch             int64                `json:"epoch"`
	Started           bool                 `json:"started"`
	ReadyVotes        map[string]bool      `json:"readyVotes"`
	ActivePlayer      string               `json:"activePlayer,omitempty"`
	GameOver          bool                 `json:"gameOver"`
	Winner            string               `json:"winner,omitempty"`
	WinnerScore       int                  `json:"winnerScore,omitempty"`
	Winners           []string             `json:"winners,omitempty"`
	CoinDistribution  map[string]int64     `json:"coinDistribution,omitempty"`
	ScoreBonuses      map[string]int64     `json:"scoreBonuses,omitempty"`
	Settled           bool                 `json:"settled"`
	RematchVotes      map[string]bool      `json:"rematchVotes"`
	CreatedAt         time.Time            `json:"createdAt"`
}

// MapKey builds the flattened field name of one map entry.
func MapKey(field, key string) string {
	return field + "." + key
}

// MatchesField reports whether the stored field name is name itself or one
// of its flattened map entries.
func MatchesField(stored, name string) bool {
	return stored == name || strings.HasPrefix(stored, name+".")
}

// FormatBool encodes a boolean field value.
func FormatBool(b bool) string {
	return strconv.FormatBool(b)
}

// FormatInt encodes an integer field value.
func FormatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

// EncodeList encodes a list-valued field.
func EncodeList(values []string) string {
	if values == nil {
		values = []string{}
	}
	b, _ := json.Marshal(values)
	return string(b)
}

// DecodeList decodes a list-valued field. An empty string is an empty list.
func DecodeList(s string) ([]string, error) {
	if s == "" {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Phase derives the lifecycle state.
func (s *GameSession) Phase() Phase {
	switch {
	case s.GameOver && len(s.RematchVotes) > 0:
		return PhaseRematchPending
	case s.GameOver:
		return PhaseGameOver
	case s.Started:
		return PhaseInProgress
	default:
		return PhaseLobby
	}
}

// HasPlayer reports whether name is a current member of the roster.
func (s *GameSession) HasPlayer(name string) bool {
	return indexOf(s.Players, name) >= 0
}

// AllVoted reports whether every current player has a true vote in votes.
// An empty roster never counts as unanimous.
func (s *GameSession) AllVoted(votes map[string]bool) bool {
	if len(s.Players) == 0 {
		return false
	}
	for _, p := range s.Players {
		if !votes[p] {
			return false
		}
	}
	return true
}

// FeeCovers reports whether every current player paid the collected entry
// fee of this epoch.
func (s *GameSession) FeeCovers() bool {
	for _, p := range s.Players {
		if indexOf(s.FeePlayers, p) < 0 {
			return false
		}
	}
	return true
}

// Fields flattens the session into its persisted form.
func (s *GameSession) Fields() Fields {
	f := Fields{
		FieldID:                s.ID,
		FieldPlayers:           EncodeList(s.Players),
		FieldHost:              s.Host,
		FieldMode:              string(s.Mode),
		FieldEntryFee:          FormatInt(s.EntryFee),
		FieldEntryFeeCollected: FormatBool(s.EntryFeeCollected),
		FieldFeeAttempt:        FormatInt(s.FeeAttempt),
		FieldPot:               FormatInt(s.Pot),
		FieldEpoch:             FormatInt(s.Epoch),
		FieldStarted:           FormatBool(s.Started),
		FieldGameOver:          FormatBool(s.GameOver),
		FieldSettled:           FormatBool(s.Settled),
		FieldCreatedAt:         FormatInt(s.CreatedAt.Unix()),
	}
	if s.ActivePlayer != "" {
		f[FieldActivePlayer] = s.ActivePlayer
	}
	if len(s.FeePlayers) > 0 {
		f[FieldFeePlayers] = EncodeList(s.FeePlayers)
	}
	if s.GameOver {
		f[FieldWinner] = s.Winner
		f[FieldWinnerScore] = FormatInt(int64(s.WinnerScore))
		f[FieldWinners] = EncodeList(s.Winners)
	}
	for name, id := range s.PlayerIDs {
		f[MapKey(FieldPlayerIDs, name)] = id.String()
	}
	for name, v := range s.ReadyVotes {
		f[MapKey(FieldReadyVotes, name)] = FormatBool(v)
	}
	for name, v := range s.RematchVotes {
		f[MapKey(FieldRematchVotes, name)] = FormatBool(v)
	}
	for name, v := range s.CoinDistribution {
		f[MapKey(FieldCoinDistribution, name)] = FormatInt(v)
	}
	for name, v := range s.ScoreBonuses {
		f[MapKey(FieldScoreBonuses, name)] = FormatInt(v)
	}
	return f
}

// SessionFromFields rebuilds a session from its persisted form.
func SessionFromFields(f Fields) (*GameSession, error) {
	s := &GameSession{
		ID:           f[FieldID],
		Host:         f[FieldHost],
		ActivePlayer: f[FieldActivePlayer],
		Winner:       f[FieldWinner],
		PlayerIDs:    map[string]uuid.UUID{},
		ReadyVotes:   map[string]bool{},
		RematchVotes: map[string]bool{},
	}
	if s.ID == "" {
		return nil, fmt.Errorf("session document has no id")
	}

	var err error
	if s.Players, err = DecodeList(f[FieldPlayers]); err != nil {
		return nil, fmt.Errorf("decode players of %s: %w", s.ID, err)
	}
	if s.Winners, err = DecodeList(f[FieldWinners]); err != nil {
		return nil, fmt.Errorf("decode winners of %s: %w", s.ID, err)
	}
	if len(s.Winners) == 0 {
		s.Winners = nil
	}
	if s.FeePlayers, err = DecodeList(f[FieldFeePlayers]); err != nil {
		return nil, fmt.Errorf("decode fee players of %s: %w", s.ID, err)
	}
	if len(s.FeePlayers) == 0 {
		s.FeePlayers = nil
	}

	mode := f[FieldMode]
	if mode == "" {
		mode = string(scoring.ModeStandard)
	}
	if s.Mode, err = scoring.ParseMode(mode); err != nil {
		return nil, err
	}

	s.EntryFee = parseInt(f[FieldEntryFee])
	s.FeeAttempt = parseInt(f[FieldFeeAttempt])
	s.Pot = parseInt(f[FieldPot])
	s.Epoch = parseInt(f[FieldEpoch])
	s.WinnerScore = int(parseInt(f[FieldWinnerScore]))
	s.EntryFeeCollected = parseBool(f[FieldEntryFeeCollected])
	s.Started = parseBool(f[FieldStarted])
	s.GameOver = parseBool(f[FieldGameOver])
	s.Settled = parseBool(f[FieldSettled])
	if ts := parseInt(f[FieldCreatedAt]); ts > 0 {
		s.CreatedAt = time.Unix(ts, 0).UTC()
	}

	for name, value := range f {
		field, key, ok := strings.Cut(name, ".")
		if !ok {
			continue
		}
		switch field {
		case FieldPlayerIDs:
			if id, err := uuid.Parse(value); err == nil {
				s.PlayerIDs[key] = id
			}
		case FieldReadyVotes:
			s.ReadyVotes[key] = parseBool(value)
		case FieldRematchVotes:
			s.RematchVotes[key] = parseBool(value)
		case FieldCoinDistribution:
			if s.CoinDistribution == nil {
				s.CoinDistribution = map[string]int64{}
			}
			s.CoinDistribution[key] = parseInt(value)
		case FieldScoreBonuses:
			if s.ScoreBonuses == nil {
				s.ScoreBonuses = map[string]int64{}
			}
			s.ScoreBonuses[key] = parseInt(value)
		}
	}
	return s, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func indexOf(list []string, v string) int {
	for i, x := range list {
		if x == v {
			return i
		}
	}
	return -1
}
