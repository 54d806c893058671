// internal/stats/stats.go
package stats

import (
	"sort"
	"time"

	"github.com/jason-s-yu/kniraffel/internal/companion"
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
)

// ModeStats aggregates the recorded games of one mode.
type ModeStats struct {
	Games   int     `json:"games"`
	Total   int64   `json:"total"`
	Best    int     `json:"best"`
	Average float64 `json:"average"`
}

// Summary is the statistics view of one user.
type Summary struct {
	Username    string                     `json:"username"`
	Coins       int64                      `json:"coins"`
	Modes       map[scoring.Mode]ModeStats `json:"modes"`
	GamesToday  int                        `json:"games_last_24h"`
	Happiness   int                        `json:"happiness"`
	Level       int                        `json:"level"`
	XP          int                        `json:"xp"`
	NextLevelXP int                        `json:"next_level_xp"`
	LastPlayed  *time.Time                 `json:"last_played,omitempty"`
}

// Summarize builds a Summary from a user and their game history.
func Summarize(u *models.User, history []models.HistoryEntry, now time.Time) Summary {
	s := Summary{
		Username: u.Username,
		Coins:    u.Coins,
		Modes: map[scoring.Mode]ModeStats{
			scoring.ModeStandard: {},
			scoring.ModeExtended: {},
		},
		GamesToday: companion.RecentGames(history, now),
		Happiness:  companion.Happiness(history, now),
	}
	for _, e := range history {
		m := s.Modes[e.Mode]
		m.Games++
		m.Total += int64(e.Score)
		if e.Score > m.Best {
			m.Best = e.Score
		}
		s.Modes[e.Mode] = m
		if s.LastPlayed == nil || e.Date.After(*s.LastPlayed) {
			d := e.Date
			s.LastPlayed = &d
		}
	}
	for mode, m := range s.Modes {
		if m.Games > 0 {
			m.Average = float64(m.Total) / float64(m.Games)
			s.Modes[mode] = m
		}
	}
	if u.Companion != nil {
		s.Level = u.Companion.Level
		s.XP = u.Companion.XP
		s.NextLevelXP = companion.NextThreshold(u.Companion)
	}
	return s
}

// Standing is one player's place in a finished or running game.
type Standing struct {
	Player string `json:"player"`
	Score  int    `json:"score"`
	// Place is 1 for the leader; tied players share a place.
	Place int `json:"place"`
	// Fraction is 1 for the leader and 0 for the last player; ties share the
	// average of their positions.
	Fraction float64 `json:"fraction"`
}

// Standings ranks players by score, highest first. Players with equal scores
// keep their turn order.
func Standings(players []string, totals map[string]int) []Standing {
	out := make([]Standing, len(players))
	for i, p := range players {
		out[i] = Standing{Player: p, Score: totals[p]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})

	i := 0
	for i < len(out) {
		j := i + 1
		for j < len(out) && out[j].Score == out[i].Score {
			j++
		}
		// players i..j-1 are tied
		frac := 1.0
		if len(out) > 1 {
			avg := float64(i+(j-1)) / 2
			frac = 1.0 - avg/float64(len(out)-1)
		}
		for k := i; k < j; k++ {
			out[k].Place = i + 1
			out[k].Fraction = frac
		}
		i = j
	}
	return out
}
