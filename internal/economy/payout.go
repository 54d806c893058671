// internal/economy/payout.go
package economy

import (
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
)

type bonusTier struct {
	above int
	coins int64
}

var bonusTiers = map[scoring.Mode][]bonusTier{
	scoring.ModeStandard: {{300, 8}, {250, 4}, {200, 2}, {150, 1}},
	scoring.ModeExtended: {{350, 8}, {300, 4}, {250, 2}, {200, 1}},
}

// ScoreBonus returns the coin bonus of the highest threshold the total
// strictly exceeds.
func ScoreBonus(total int, mode scoring.Mode) int64 {
	for _, tier := range bonusTiers[mode] {
		if total > tier.above {
			return tier.coins
		}
	}
	return 0
}

// SplitPot divides the pot among the winners. Each gets the floor share and
// the remainder is handed out one coin at a time in winner order, so the
// shares always add up to the pot.
func SplitPot(pot int64, winners []string) map[string]int64 {
	shares := make(map[string]int64, len(winners))
	if len(winners) == 0 || pot <= 0 {
		return shares
	}
	n := int64(len(winners))
	share, rem := pot/n, pot%n
	for i, w := range winners {
		shares[w] = share
		if int64(i) < rem {
			shares[w]++
		}
	}
	return shares
}

// Outcome is everything written together with gameOver.
type Outcome struct {
	Totals       map[string]int
	Winners      []string
	WinnerScore  int
	Distribution map[string]int64
	Bonuses      map[string]int64
}

// ComputeOutcome totals every current player's sheet and derives winners,
// pot shares and score bonuses. Winners keep turn order.
func ComputeOutcome(sess *models.GameSession, rounds []models.Round) Outcome {
	byPlayer := models.ScoresByPlayer(rounds)
	out := Outcome{
		Totals:       make(map[string]int, len(sess.Players)),
		Distribution: make(map[string]int64, len(sess.Players)),
		Bonuses:      make(map[string]int64, len(sess.Players)),
	}

	best := -1
	for _, p := range sess.Players {
		total := scoring.Totals(byPlayer[p], sess.Mode).Total
		out.Totals[p] = total
		out.Bonuses[p] = ScoreBonus(total, sess.Mode)
		switch {
		case total > best:
			best = total
			out.Winners = []string{p}
		case total == best:
			out.Winners = append(out.Winners, p)
		}
	}
	if best > 0 {
		out.WinnerScore = best
	}

	shares := SplitPot(sess.Pot, out.Winners)
	for _, p := range sess.Players {
		out.Distribution[p] = shares[p]
	}
	return out
}

// Apply copies the outcome onto the session fields written with gameOver.
func (o Outcome) Apply(sess *models.GameSession) {
	sess.GameOver = true
	sess.Winners = append([]string(nil), o.Winners...)
	if len(o.Winners) > 0 {
		sess.Winner = o.Winners[0]
	}
	sess.WinnerScore = o.WinnerScore
	sess.CoinDistribution = o.Distribution
	sess.ScoreBonuses = o.Bonuses
}
