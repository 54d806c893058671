package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jason-s-yu/kniraffel/internal/scoring"
)

// Round is one scored category of one player.
type Round struct {
	Player    string           `json:"player"`
	Category  scoring.Category `json:"category"`
	Score     int              `json:"score"`
	Dice      []int            `json:"dice"`
	Timestamp time.Time        `json:"timestamp"`
}

// EncodeDice stores dice as a comma separated list.
func EncodeDice(dice []int) string {
	parts := make([]string, len(dice))
	for i, d := range dice {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// DecodeDice parses a comma separated dice list.
func DecodeDice(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	dice := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid die %q: %w", p, err)
		}
		dice[i] = d
	}
	return dice, nil
}

// ScoresByPlayer groups category scores per player.
func ScoresByPlayer(rounds []Round) map[string]map[scoring.Category]int {
	out := make(map[string]map[scoring.Category]int)
	for _, r := range rounds {
		m, ok := out[r.Player]
		if !ok {
			m = make(map[scoring.Category]int)
			out[r.Player] = m
		}
		m[r.Category] = r.Score
	}
	return out
}
