// internal/game/turn.go
package game

import (
	"errors"
	"time"

	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
)

// RollsPerTurn is the number of rolls a player gets before submitting.
const RollsPerTurn = 3

var (
	ErrNoRollsLeft     = errors.New("no rolls left this turn")
	ErrHoldBeforeRoll  = errors.New("dice can only be held after the first roll")
	ErrDieIndex        = errors.New("die index out of range")
	ErrNoRollYet       = errors.New("roll the dice before submitting")
	ErrUnknownCategory = errors.New("category is not offered in this mode")
	ErrCategoryUsed    = errors.New("category already used")
)

// Turn is the local roll state of one player within one game epoch, together
// with the categories that player has already filled.
type Turn struct {
	Player string
	Mode   scoring.Mode

	Dice          []int
	Held          []bool
	RollsLeft     int
	FirstRollDone bool

	used   map[scoring.Category]bool
	scores map[scoring.Category]int
}

// NewTurn returns a fresh turn for player with no dice rolled yet.
func NewTurn(player string, mode scoring.Mode) *Turn {
	n := mode.DiceCount()
	return &Turn{
		Player:    player,
		Mode:      mode,
		Dice:      make([]int, n),
		Held:      make([]bool, n),
		RollsLeft: RollsPerTurn,
		used:      make(map[scoring.Category]bool),
		scores:    make(map[scoring.Category]int),
	}
}

// Roll rerolls every die that is not held. A roll that leaves every value
// unchanged does not consume a roll.
func (t *Turn) Roll(src Source) error {
	if t.RollsLeft <= 0 {
		return ErrNoRollsLeft
	}
	changed := false
	for i := range t.Dice {
		if t.Held[i] {
			continue
		}
		v := rollDie(src)
		if v != t.Dice[i] {
			changed = true
		}
		t.Dice[i] = v
	}
	if changed {
		t.RollsLeft--
		t.FirstRollDone = true
	}
	return nil
}

// ToggleHold flips the hold flag of die i.
func (t *Turn) ToggleHold(i int) error {
	if !t.FirstRollDone {
		return ErrHoldBeforeRoll
	}
	if i < 0 || i >= len(t.Held) {
		return ErrDieIndex
	}
	t.Held[i] = !t.Held[i]
	return nil
}

// PrepareSubmit validates the category and scores the current dice. The
// turn is not changed until Commit.
func (t *Turn) PrepareSubmit(c scoring.Category, now time.Time) (models.Round, error) {
	if !t.FirstRollDone {
		return models.Round{}, ErrNoRollYet
	}
	if !scoring.Offered(c, t.Mode) {
		return models.Round{}, ErrUnknownCategory
	}
	if t.used[c] {
		return models.Round{}, ErrCategoryUsed
	}
	return models.Round{
		Player:    t.Player,
		Category:  c,
		Score:     scoring.Score(c, t.Dice, t.Mode),
		Dice:      append([]int(nil), t.Dice...),
		Timestamp: now,
	}, nil
}

// Commit records a persisted round and resets the dice for the next turn.
func (t *Turn) Commit(r models.Round) {
	t.used[r.Category] = true
	t.scores[r.Category] = r.Score
	t.Reset()
}

// Reset clears dice, holds and the roll counter.
func (t *Turn) Reset() {
	for i := range t.Dice {
		t.Dice[i] = 0
		t.Held[i] = false
	}
	t.RollsLeft = RollsPerTurn
	t.FirstRollDone = false
}

// Restore rebuilds used categories from the persisted rounds of this epoch,
// e.g. after a reconnect or a rematch.
func (t *Turn) Restore(rounds []models.Round) {
	t.used = make(map[scoring.Category]bool)
	t.scores = make(map[scoring.Category]int)
	for _, r := range rounds {
		if r.Player != t.Player {
			continue
		}
		t.used[r.Category] = true
		t.scores[r.Category] = r.Score
	}
}

// Used reports whether the category is already filled.
func (t *Turn) Used(c scoring.Category) bool {
	return t.used[c]
}

// Scores returns a copy of the filled categories.
func (t *Turn) Scores() map[scoring.Category]int {
	out := make(map[scoring.Category]int, len(t.scores))
	for c, s := range t.scores {
		out[c] = s
	}
	return out
}

// NextPlayer returns the player after current in turn order, wrapping
// around. A current player that is no longer listed yields players[0].
func NextPlayer(players []string, current string) string {
	if len(players) == 0 {
		return ""
	}
	for i, p := range players {
		if p == current {
			return players[(i+1)%len(players)]
		}
	}
	return players[0]
}

// SuccessorAfterLeave picks the next active player when leaving leaves the
// game: the player after leaving in the old order that is still present.
func SuccessorAfterLeave(oldPlayers []string, leaving string, remaining []string) string {
	if len(remaining) == 0 {
		return ""
	}
	present := make(map[string]bool, len(remaining))
	for _, p := range remaining {
		present[p] = true
	}
	start := -1
	for i, p := range oldPlayers {
		if p == leaving {
			start = i
			break
		}
	}
	if start < 0 {
		return remaining[0]
	}
	for k := 1; k <= len(oldPlayers); k++ {
		p := oldPlayers[(start+k)%len(oldPlayers)]
		if present[p] {
			return p
		}
	}
	return remaining[0]
}

// Completed reports whether every current player has filled every category
// of the mode. An empty roster is never complete.
func Completed(players []string, rounds []models.Round, mode scoring.Mode) bool {
	if len(players) == 0 {
		return false
	}
	need := len(scoring.Categories(mode))
	counts := make(map[string]int, len(players))
	for _, r := range rounds {
		counts[r.Player]++
	}
	for _, p := range players {
		if counts[p] < need {
			return false
		}
	}
	return true
}
