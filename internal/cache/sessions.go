// internal/cache/sessions.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
	"github.com/jason-s-yu/kniraffel/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// maxTxAttempts bounds the WATCH/MULTI retry loop of one write.
const maxTxAttempts = 16

const (
	createdIndexKey = "sessions:created"
	roundKeySep     = "\x1f"
)

func sessionKey(id string) string { return "session:" + id }
func roundsKey(id string) string  { return "session:" + id + ":rounds" }
func changesKey(id string) string { return "session:" + id + ":changes" }

// SessionStore keeps each session as a Redis hash of flattened fields, its
// rounds in a second hash keyed by player and category, and announces every
// write on a per-session pub/sub channel.
type SessionStore struct {
	rdb    *redis.Client
	logger logrus.FieldLogger
}

var _ store.SessionStore = (*SessionStore)(nil)

// NewSessionStore wraps a connected client.
func NewSessionStore(rdb *redis.Client, logger logrus.FieldLogger) *SessionStore {
	return &SessionStore{rdb: rdb, logger: logger}
}

type storedRound struct {
	Player    string `json:"player"`
	Category  string `json:"category"`
	Score     int    `json:"score"`
	Dice      string `json:"dice"`
	Timestamp int64  `json:"timestamp"`
}

func (s *SessionStore) CreateSession(ctx context.Context, sess *models.GameSession) error {
	key := sessionKey(sess.ID)
	values := make(map[string]interface{})
	for k, v := range sess.Fields() {
		values[k] = v
	}

	created := false
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return store.ErrSessionExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, values)
			pipe.ZAdd(ctx, createdIndexKey, redis.Z{Score: float64(sess.CreatedAt.Unix()), Member: sess.ID})
			return nil
		})
		created = err == nil
		return err
	})
	if err != nil {
		return err
	}
	if created {
		s.publish(ctx, sess.ID, store.ChangeSession)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (*models.GameSession, error) {
	raw, err := s.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, store.ErrNotFound
	}
	return models.SessionFromFields(raw)
}

func (s *SessionStore) UpdateFields(ctx context.Context, id string, fields models.Fields) error {
	_, err := s.mutate(ctx, id, func(doc models.Fields) (store.Mutation, error) {
		return store.Mutation{Set: fields}, nil
	})
	return err
}

func (s *SessionStore) DeleteFields(ctx context.Context, id string, names ...string) error {
	_, err := s.mutate(ctx, id, func(doc models.Fields) (store.Mutation, error) {
		return store.Mutation{Delete: names}, nil
	})
	return err
}

func (s *SessionStore) SetIfAbsentOrEqual(ctx context.Context, id, guard, expected string, fields models.Fields, deletes ...string) (bool, error) {
	return s.mutate(ctx, id, func(doc models.Fields) (store.Mutation, error) {
		if cur, ok := doc[guard]; ok && cur != expected {
			return store.Mutation{}, nil
		}
		return store.Mutation{Set: fields, Delete: deletes}, nil
	})
}

func (s *SessionStore) IncrementField(ctx context.Context, id, field string, delta int64) (int64, error) {
	key := sessionKey(id)
	var next int64
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		var incr *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.HIncrBy(ctx, key, field, delta)
			return nil
		})
		if err != nil {
			return err
		}
		next = incr.Val()
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.publish(ctx, id, store.ChangeSession)
	return next, nil
}

func (s *SessionStore) AppendToArrayUnique(ctx context.Context, id, field, value string) (bool, error) {
	return s.mutate(ctx, id, func(doc models.Fields) (store.Mutation, error) {
		list, err := models.DecodeList(doc[field])
		if err != nil {
			return store.Mutation{}, fmt.Errorf("decode %s of %s: %w", field, id, err)
		}
		for _, v := range list {
			if v == value {
				return store.Mutation{}, nil
			}
		}
		return store.Mutation{Set: models.Fields{field: models.EncodeList(append(list, value))}}, nil
	})
}

func (s *SessionStore) Update(ctx context.Context, id string, fn func(*models.GameSession) (store.Mutation, error)) error {
	_, err := s.mutate(ctx, id, func(doc models.Fields) (store.Mutation, error) {
		sess, err := models.SessionFromFields(doc)
		if err != nil {
			return store.Mutation{}, err
		}
		return fn(sess)
	})
	return err
}

// mutate runs an optimistic transaction over the whole session hash: the
// callback sees the current fields and its mutation is committed only if no
// other writer touched the hash in between. It reports whether it wrote.
func (s *SessionStore) mutate(ctx context.Context, id string, fn func(models.Fields) (store.Mutation, error)) (bool, error) {
	key := sessionKey(id)
	wrote := false
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		wrote = false
		raw, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return store.ErrNotFound
		}
		m, err := fn(raw)
		if err != nil {
			return err
		}
		if m.Empty() {
			return nil
		}

		var drop []string
		for _, name := range m.Delete {
			for k := range raw {
				if models.MatchesField(k, name) {
					if _, overwritten := m.Set[k]; !overwritten {
						drop = append(drop, k)
					}
				}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(drop) > 0 {
				pipe.HDel(ctx, key, drop...)
			}
			if len(m.Set) > 0 {
				values := make(map[string]interface{}, len(m.Set))
				for k, v := range m.Set {
					values[k] = v
				}
				pipe.HSet(ctx, key, values)
			}
			return nil
		})
		if err == nil {
			wrote = true
		}
		return err
	})
	if err != nil {
		return false, err
	}
	if wrote {
		s.publish(ctx, id, store.ChangeSession)
	}
	return wrote, nil
}

// watch retries fn while the watched key changes under it.
func (s *SessionStore) watch(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return store.ErrTxConflict
}

func (s *SessionStore) AddRound(ctx context.Context, id string, r models.Round) error {
	exists, err := s.rdb.Exists(ctx, sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check session %s: %w", id, err)
	}
	if exists == 0 {
		return store.ErrNotFound
	}

	data, err := json.Marshal(storedRound{
		Player:    r.Player,
		Category:  string(r.Category),
		Score:     r.Score,
		Dice:      models.EncodeDice(r.Dice),
		Timestamp: r.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal round: %w", err)
	}
	field := r.Player + roundKeySep + string(r.Category)
	ok, err := s.rdb.HSetNX(ctx, roundsKey(id), field, data).Result()
	if err != nil {
		return fmt.Errorf("add round to %s: %w", id, err)
	}
	if !ok {
		return store.ErrRoundExists
	}
	s.publish(ctx, id, store.ChangeRounds)
	return nil
}

func (s *SessionStore) ListRounds(ctx context.Context, id string) ([]models.Round, error) {
	raw, err := s.rdb.HVals(ctx, roundsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("list rounds of %s: %w", id, err)
	}
	rounds := make([]models.Round, 0, len(raw))
	for _, v := range raw {
		var sr storedRound
		if err := json.Unmarshal([]byte(v), &sr); err != nil {
			s.logger.WithError(err).WithField("game_id", id).Warn("skipping malformed round")
			continue
		}
		dice, err := models.DecodeDice(sr.Dice)
		if err != nil {
			s.logger.WithError(err).WithField("game_id", id).Warn("skipping round with malformed dice")
			continue
		}
		rounds = append(rounds, models.Round{
			Player:    sr.Player,
			Category:  scoring.Category(sr.Category),
			Score:     sr.Score,
			Dice:      dice,
			Timestamp: time.UnixMilli(sr.Timestamp).UTC(),
		})
	}
	return rounds, nil
}

func (s *SessionStore) DeleteRounds(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, roundsKey(id)).Err(); err != nil {
		return fmt.Errorf("delete rounds of %s: %w", id, err)
	}
	s.publish(ctx, id, store.ChangeRounds)
	return nil
}

func (s *SessionStore) SessionsCreatedBefore(ctx context.Context, t time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, createdIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(t.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query created index: %w", err)
	}
	return ids, nil
}

func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id), roundsKey(id))
		pipe.ZRem(ctx, createdIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	s.publish(ctx, id, store.ChangeDeleted)
	return nil
}

// publish announces a change. A lost notification only delays observers, so
// failures are logged and not returned.
func (s *SessionStore) publish(ctx context.Context, id string, kind store.ChangeKind) {
	data, _ := json.Marshal(store.Change{SessionID: id, Kind: kind})
	if err := s.rdb.Publish(ctx, changesKey(id), data).Err(); err != nil {
		s.logger.WithError(err).WithField("game_id", id).Warn("failed to publish session change")
	}
}

type pubsubSubscription struct {
	ps *redis.PubSub
}

func (p pubsubSubscription) Close() error { return p.ps.Close() }

func (s *SessionStore) Subscribe(ctx context.Context, id string, fn func(store.Change)) (store.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, changesKey(id))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", id, err)
	}

	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				ps.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var c store.Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					s.logger.WithError(err).WithField("game_id", id).Warn("ignoring malformed change")
					continue
				}
				fn(c)
			}
		}
	}()
	return pubsubSubscription{ps: ps}, nil
}
