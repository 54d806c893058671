// internal/store/memstore/memstore.go
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
	"github.com/jason-s-yu/kniraffel/internal/store"
)

// Store keeps sessions, users and the action log in process memory. It
// implements store.SessionStore, store.UserStore and store.ActionLog and is
// used by tests and single-process deployments.
type Store struct {
	mu sync.Mutex

	sessions map[string]models.Fields
	rounds   map[string][]models.Round
	subs     map[string]map[int]*subscription
	nextSub  int

	users      map[uuid.UUID]*models.User
	ledger     map[uuid.UUID]map[string]bool
	history    map[uuid.UUID][]models.HistoryEntry
	highscores map[string]models.Highscore
	actions    []models.ActionRecord

	// CoinsHook, when set, runs before every coin adjustment and fails it by
	// returning an error.
	CoinsHook func(id uuid.UUID, delta int64, ref string) error
}

var (
	_ store.SessionStore = (*Store)(nil)
	_ store.UserStore    = (*Store)(nil)
	_ store.ActionLog    = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		sessions:   make(map[string]models.Fields),
		rounds:     make(map[string][]models.Round),
		subs:       make(map[string]map[int]*subscription),
		users:      make(map[uuid.UUID]*models.User),
		ledger:     make(map[uuid.UUID]map[string]bool),
		history:    make(map[uuid.UUID][]models.HistoryEntry),
		highscores: make(map[string]models.Highscore),
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, sess *models.GameSession) error {
	s.mu.Lock()
	if _, ok := s.sessions[sess.ID]; ok {
		s.mu.Unlock()
		return store.ErrSessionExists
	}
	s.sessions[sess.ID] = sess.Fields()
	s.mu.Unlock()
	s.notify(sess.ID, store.ChangeSession)
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.GameSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return models.SessionFromFields(f)
}

func (s *Store) UpdateFields(ctx context.Context, id string, fields models.Fields) error {
	return s.write(id, func(doc models.Fields) (bool, error) {
		applyMutation(doc, store.Mutation{Set: fields})
		return true, nil
	})
}

func (s *Store) DeleteFields(ctx context.Context, id string, names ...string) error {
	return s.write(id, func(doc models.Fields) (bool, error) {
		applyMutation(doc, store.Mutation{Delete: names})
		return true, nil
	})
}

func (s *Store) SetIfAbsentOrEqual(ctx context.Context, id, guard, expected string, fields models.Fields, deletes ...string) (bool, error) {
	applied := false
	err := s.write(id, func(doc models.Fields) (bool, error) {
		if cur, ok := doc[guard]; ok && cur != expected {
			return false, nil
		}
		applyMutation(doc, store.Mutation{Set: fields, Delete: deletes})
		applied = true
		return true, nil
	})
	return applied, err
}

func (s *Store) IncrementField(ctx context.Context, id, field string, delta int64) (int64, error) {
	var next int64
	err := s.write(id, func(doc models.Fields) (bool, error) {
		var cur int64
		if v, ok := doc[field]; ok {
			if _, err := fmt.Sscan(v, &cur); err != nil {
				return false, fmt.Errorf("field %s of %s is not an integer", field, id)
			}
		}
		next = cur + delta
		doc[field] = models.FormatInt(next)
		return true, nil
	})
	return next, err
}

func (s *Store) AppendToArrayUnique(ctx context.Context, id, field, value string) (bool, error) {
	appended := false
	err := s.write(id, func(doc models.Fields) (bool, error) {
		list, err := models.DecodeList(doc[field])
		if err != nil {
			return false, err
		}
		for _, v := range list {
			if v == value {
				return false, nil
			}
		}
		doc[field] = models.EncodeList(append(list, value))
		appended = true
		return true, nil
	})
	return appended, err
}

func (s *Store) Update(ctx context.Context, id string, fn func(*models.GameSession) (store.Mutation, error)) error {
	return s.write(id, func(doc models.Fields) (bool, error) {
		sess, err := models.SessionFromFields(doc)
		if err != nil {
			return false, err
		}
		m, err := fn(sess)
		if err != nil {
			return false, err
		}
		if m.Empty() {
			return false, nil
		}
		applyMutation(doc, m)
		return true, nil
	})
}

// write runs fn against the live document under the lock and notifies
// subscribers when fn reports a change.
func (s *Store) write(id string, fn func(models.Fields) (bool, error)) error {
	s.mu.Lock()
	doc, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	work := make(models.Fields, len(doc))
	for k, v := range doc {
		work[k] = v
	}
	changed, err := fn(work)
	if err != nil || !changed {
		s.mu.Unlock()
		return err
	}
	s.sessions[id] = work
	s.mu.Unlock()
	s.notify(id, store.ChangeSession)
	return nil
}

func applyMutation(doc models.Fields, m store.Mutation) {
	for _, name := range m.Delete {
		for k := range doc {
			if models.MatchesField(k, name) {
				delete(doc, k)
			}
		}
	}
	for k, v := range m.Set {
		doc[k] = v
	}
}

func (s *Store) AddRound(ctx context.Context, id string, r models.Round) error {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	for _, existing := range s.rounds[id] {
		if existing.Player == r.Player && existing.Category == r.Category {
			s.mu.Unlock()
			return store.ErrRoundExists
		}
	}
	r.Dice = append([]int(nil), r.Dice...)
	s.rounds[id] = append(s.rounds[id], r)
	s.mu.Unlock()
	s.notify(id, store.ChangeRounds)
	return nil
}

func (s *Store) ListRounds(ctx context.Context, id string) ([]models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Round, len(s.rounds[id]))
	copy(out, s.rounds[id])
	return out, nil
}

func (s *Store) DeleteRounds(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.rounds, id)
	s.mu.Unlock()
	s.notify(id, store.ChangeRounds)
	return nil
}

func (s *Store) SessionsCreatedBefore(ctx context.Context, t time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, doc := range s.sessions {
		var ts int64
		fmt.Sscan(doc[models.FieldCreatedAt], &ts)
		if ts < t.Unix() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	delete(s.rounds, id)
	s.mu.Unlock()
	s.notify(id, store.ChangeDeleted)
	return nil
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

type subscription struct {
	s      *Store
	id     string
	key    int
	ch     chan store.Change
	done   chan struct{}
	closer sync.Once

	// deleted is closed once the session is gone; it is never coalesced
	// away like ordinary changes.
	deleted   chan struct{}
	deleteOne sync.Once
}

func (sub *subscription) markDeleted() {
	sub.deleteOne.Do(func() { close(sub.deleted) })
}

func (sub *subscription) Close() error {
	sub.closer.Do(func() {
		sub.s.mu.Lock()
		delete(sub.s.subs[sub.id], sub.key)
		sub.s.mu.Unlock()
		close(sub.done)
	})
	return nil
}

// Subscribe delivers changes to fn on a dedicated goroutine. Changes are
// coalesced when fn falls behind; a subscriber always re-reads the session.
func (s *Store) Subscribe(ctx context.Context, id string, fn func(store.Change)) (store.Subscription, error) {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return nil, store.ErrNotFound
	}
	s.nextSub++
	sub := &subscription{
		s:    s,
		id:   id,
		key:  s.nextSub,
		ch:      make(chan store.Change, 16),
		done:    make(chan struct{}),
		deleted: make(chan struct{}),
	}
	if s.subs[id] == nil {
		s.subs[id] = make(map[int]*subscription)
	}
	s.subs[id][sub.key] = sub
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case <-sub.done:
				return
			case <-sub.deleted:
				fn(store.Change{SessionID: id, Kind: store.ChangeDeleted})
				sub.Close()
				return
			case c := <-sub.ch:
				fn(c)
			}
		}
	}()
	return sub, nil
}

func (s *Store) notify(id string, kind store.ChangeKind) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs[id]))
	for _, sub := range s.subs[id] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	c := store.Change{SessionID: id, Kind: kind}
	for _, sub := range subs {
		if kind == store.ChangeDeleted {
			sub.markDeleted()
			continue
		}
		select {
		case sub.ch <- c:
		default:
		}
	}
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func copyUser(u *models.User) *models.User {
	cp := *u
	if u.Companion != nil {
		c := *u.Companion
		cp.Companion = &c
	}
	return &cp
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyUser(u), nil
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return copyUser(u), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return store.ErrUserExists
		}
	}
	if u.Companion == nil {
		u.Companion = models.NewCompanion()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = copyUser(u)
	return nil
}

func (s *Store) UpdateUsername(ctx context.Context, id uuid.UUID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	for otherID, other := range s.users {
		if otherID != id && other.Username == username {
			return store.ErrUserExists
		}
	}
	u.Username = username
	return nil
}

func (s *Store) IncrementCoins(ctx context.Context, id uuid.UUID, delta int64, ref string) (bool, error) {
	if hook := s.CoinsHook; hook != nil {
		if err := hook(id, delta, ref); err != nil {
			return false, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if s.ledger[id][ref] {
		return false, nil
	}
	if u.Coins+delta < 0 {
		return false, store.ErrInsufficientCoins
	}
	u.Coins += delta
	if s.ledger[id] == nil {
		s.ledger[id] = make(map[string]bool)
	}
	s.ledger[id][ref] = true
	return true, nil
}

func (s *Store) IncrementUserField(ctx context.Context, id uuid.UUID, field string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	switch field {
	case models.UserFieldTotalScoreStandard:
		u.TotalScoreStandard += delta
	case models.UserFieldTotalScoreExtended:
		u.TotalScoreExtended += delta
	default:
		return fmt.Errorf("%w: %s", store.ErrUnknownField, field)
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, id uuid.UUID, e models.HistoryEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return false, store.ErrNotFound
	}
	for _, existing := range s.history[id] {
		if existing.Key == e.Key {
			return false, nil
		}
	}
	s.history[id] = append(s.history[id], e)
	return true, nil
}

func (s *Store) ListHistory(ctx context.Context, id uuid.UUID) ([]models.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.HistoryEntry, len(s.history[id]))
	copy(out, s.history[id])
	return out, nil
}

func (s *Store) UpdateCompanion(ctx context.Context, id uuid.UUID, fn func(*models.Companion) error) (*models.Companion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := models.NewCompanion()
	if u.Companion != nil {
		*c = *u.Companion
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	u.Companion = c
	out := *c
	return &out, nil
}

func (s *Store) AddHighscore(ctx context.Context, h models.Highscore) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.HistoryKey(h.GameID, h.Epoch)
	if _, ok := s.highscores[key]; ok {
		return false, nil
	}
	s.highscores[key] = h
	return true, nil
}

// Highscores returns every recorded highscore, best first.
func (s *Store) Highscores() []models.Highscore {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Highscore, 0, len(s.highscores))
	for _, h := range s.highscores {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// TopHighscores returns up to limit highscores of mode, best first.
func (s *Store) TopHighscores(ctx context.Context, mode scoring.Mode, limit int) ([]models.Highscore, error) {
	var out []models.Highscore
	for _, h := range s.Highscores() {
		if h.Mode == mode {
			out = append(out, h)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Action log
// ---------------------------------------------------------------------------

func (s *Store) Publish(ctx context.Context, rec models.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, rec)
	return nil
}

// Actions returns the published records in order.
func (s *Store) Actions() []models.ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ActionRecord(nil), s.actions...)
}
