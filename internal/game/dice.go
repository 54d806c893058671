// internal/game/dice.go
package game

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Source is the randomness provider for dice rolls. Implementations must be
// safe for concurrent use.
type Source interface {
	// Intn returns a non-negative random int in [0, n).
	Intn(n int) int
}

type randomSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSource returns a Source seeded from the clock.
func NewRandomSource() Source {
	seed := uint64(time.Now().UnixNano())
	return &randomSource{rng: rand.New(rand.NewPCG(seed, rand.Uint64()))}
}

func (r *randomSource) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(n)
}

// ScriptedSource replays fixed die faces (1..6) in order, wrapping around.
type ScriptedSource struct {
	mu    sync.Mutex
	faces []int
	next  int
}

// NewScriptedSource returns a source that yields the given faces.
func NewScriptedSource(faces ...int) *ScriptedSource {
	return &ScriptedSource{faces: faces}
}

// Intn returns the next scripted face minus one, so that rollDie yields the
// face itself.
func (s *ScriptedSource) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.faces) == 0 {
		return 0
	}
	f := s.faces[s.next%len(s.faces)]
	s.next++
	return (f - 1) % n
}

func rollDie(src Source) int {
	return src.Intn(6) + 1
}
