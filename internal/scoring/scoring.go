// internal/scoring/scoring.go
package scoring

import (
	"errors"
	"fmt"
	"sort"
)

// Mode selects the rule set: five dice (standard) or six dice (extended).
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeExtended Mode = "extended"
)

// Category is a scoring box on the score sheet.
type Category string

const (
	Ones          Category = "ones"
	Twos          Category = "twos"
	Threes        Category = "threes"
	Fours         Category = "fours"
	Fives         Category = "fives"
	Sixes         Category = "sixes"
	ThreeOfAKind  Category = "three_of_a_kind"
	FourOfAKind   Category = "four_of_a_kind"
	FullHouse     Category = "full_house"
	SmallStraight Category = "small_straight"
	LargeStraight Category = "large_straight"
	OnePair       Category = "one_pair"
	TwoPairs      Category = "two_pairs"
	ThreePairs    Category = "three_pairs"
	TwoTriples    Category = "two_triples"
	Chance        Category = "chance"
	Kniraffel     Category = "kniraffel"
)

// UpperBonus is awarded once the upper section reaches the mode's threshold.
const UpperBonus = 35

var (
	ErrUnknownMode     = errors.New("unknown game mode")
	ErrUnknownCategory = errors.New("unknown scoring category")
)

var upperSection = []Category{Ones, Twos, Threes, Fours, Fives, Sixes}

var upperFace = map[Category]int{
	Ones: 1, Twos: 2, Threes: 3, Fours: 4, Fives: 5, Sixes: 6,
}

var extendedOnly = []Category{OnePair, TwoPairs, ThreePairs, TwoTriples}

// ParseMode validates a persisted or user supplied mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStandard, ModeExtended:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// DiceCount returns how many dice are rolled in the mode.
func (m Mode) DiceCount() int {
	if m == ModeExtended {
		return 6
	}
	return 5
}

// UpperThreshold is the upper-section sum that earns the bonus.
func (m Mode) UpperThreshold() int {
	if m == ModeExtended {
		return 84
	}
	return 63
}

// UpperSection lists the number categories in sheet order.
func UpperSection() []Category {
	return append([]Category(nil), upperSection...)
}

// LowerSection lists the lower categories offered in the mode, in sheet order.
func LowerSection(m Mode) []Category {
	lower := []Category{ThreeOfAKind, FourOfAKind, FullHouse, SmallStraight, LargeStraight}
	if m == ModeExtended {
		lower = append(lower, extendedOnly...)
	}
	return append(lower, Chance, Kniraffel)
}

// Categories lists every category a player must fill in the mode.
func Categories(m Mode) []Category {
	return append(UpperSection(), LowerSection(m)...)
}

// Offered reports whether the category exists on the mode's score sheet.
func Offered(c Category, m Mode) bool {
	for _, cat := range Categories(m) {
		if cat == c {
			return true
		}
	}
	return false
}

// ParseCategory validates a category name against the mode's score sheet.
func ParseCategory(s string, m Mode) (Category, error) {
	c := Category(s)
	if !Offered(c, m) {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
	return c, nil
}

// Score returns the points the dice earn in the category. It never fails:
// unknown categories, a wrong number of dice or faces outside 1..6 score 0.
func Score(c Category, dice []int, m Mode) int {
	if len(dice) != m.DiceCount() {
		return 0
	}
	counts := make(map[int]int, 6)
	total := 0
	for _, d := range dice {
		if d < 1 || d > 6 {
			return 0
		}
		counts[d]++
		total += d
	}

	if face, ok := upperFace[c]; ok {
		return face * counts[face]
	}

	switch c {
	case ThreeOfAKind:
		if maxCount(counts) >= 3 {
			return total
		}
	case FourOfAKind:
		if maxCount(counts) >= 4 {
			return total
		}
	case FullHouse:
		shape := countShape(counts)
		if m == ModeExtended {
			if equalInts(shape, []int{2, 4}) {
				return 35
			}
		} else if equalInts(shape, []int{2, 3}) {
			return 25
		}
	case SmallStraight:
		if m == ModeExtended {
			if longestRun(counts) >= 5 {
				return 35
			}
		} else if longestRun(counts) >= 4 {
			return 30
		}
	case LargeStraight:
		if m == ModeExtended {
			if longestRun(counts) == 6 {
				return 45
			}
		} else if longestRun(counts) >= 5 {
			return 40
		}
	case Kniraffel:
		if maxCount(counts) == m.DiceCount() {
			if m == ModeExtended {
				return 60
			}
			return 50
		}
	case Chance:
		return total
	case OnePair, TwoPairs, ThreePairs:
		if m != ModeExtended {
			return 0
		}
		need := map[Category]int{OnePair: 1, TwoPairs: 2, ThreePairs: 3}[c]
		faces := facesWithAtLeast(counts, 2)
		if len(faces) < need {
			return 0
		}
		sum := 0
		for _, f := range faces[:need] {
			sum += f * 2
		}
		return sum
	case TwoTriples:
		if m != ModeExtended {
			return 0
		}
		faces := facesWithAtLeast(counts, 3)
		if len(faces) < 2 {
			return 0
		}
		return faces[0]*3 + faces[1]*3
	}
	return 0
}

// Sheet holds the final figures of one player's score sheet.
type Sheet struct {
	Upper int `json:"upper"`
	Bonus int `json:"bonus"`
	Lower int `json:"lower"`
	Total int `json:"total"`
}

// Totals sums a player's category scores. Categories not offered in the mode
// are ignored.
func Totals(scores map[Category]int, m Mode) Sheet {
	var s Sheet
	for _, c := range UpperSection() {
		s.Upper += scores[c]
	}
	for _, c := range LowerSection(m) {
		s.Lower += scores[c]
	}
	if s.Upper >= m.UpperThreshold() {
		s.Bonus = UpperBonus
	}
	s.Total = s.Upper + s.Bonus + s.Lower
	return s
}

func maxCount(counts map[int]int) int {
	best := 0
	for _, n := range counts {
		if n > best {
			best = n
		}
	}
	return best
}

// countShape returns the sorted multiset of face counts, e.g. [2 3] for a full house.
func countShape(counts map[int]int) []int {
	shape := make([]int, 0, len(counts))
	for _, n := range counts {
		shape = append(shape, n)
	}
	sort.Ints(shape)
	return shape
}

// longestRun measures the longest sequence of consecutive unique faces.
// Duplicates collapse because counts is keyed by face.
func longestRun(counts map[int]int) int {
	best, run := 0, 0
	for face := 1; face <= 6; face++ {
		if counts[face] > 0 {
			run++
			if run > best {
				best = run
			}
		} else {
			run = 0
		}
	}
	return best
}

// facesWithAtLeast returns the faces appearing at least n times, highest first.
func facesWithAtLeast(counts map[int]int, n int) []int {
	var faces []int
	for face := 6; face >= 1; face-- {
		if counts[face] >= n {
			faces = append(faces, face)
		}
	}
	return faces
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
