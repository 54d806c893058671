// internal/session/service.go
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/kniraffel/internal/economy"
	"github.com/jason-s-yu/kniraffel/internal/game"
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/scoring"
	"github.com/jason-s-yu/kniraffel/internal/stats"
	"github.com/jason-s-yu/kniraffel/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 5
	codeAttempts = 10

	// DefaultCountdown is the delay between unanimous readiness and the
	// automatic start or rematch.
	DefaultCountdown = 3 * time.Second
)

// Options wires a Service. Actions, Dice, Now and Countdown are optional.
type Options struct {
	Sessions  store.SessionStore
	Users     store.UserStore
	Economy   *economy.Engine
	Actions   store.ActionLog
	Logger    logrus.FieldLogger
	Dice      game.Source
	Now       func() time.Time
	Countdown time.Duration
}

// Service drives the lifecycle of game sessions. It keeps no per-game state
// of its own: every decision is taken against the persisted document and
// guarded by a conditional write, so any number of Service instances may act
// on the same game.
type Service struct {
	sessions  store.SessionStore
	users     store.UserStore
	economy   *economy.Engine
	actions   store.ActionLog
	logger    logrus.FieldLogger
	dice      game.Source
	now       func() time.Time
	countdown time.Duration
}

func NewService(opts Options) *Service {
	s := &Service{
		sessions:  opts.Sessions,
		users:     opts.Users,
		economy:   opts.Economy,
		actions:   opts.Actions,
		logger:    opts.Logger,
		dice:      opts.Dice,
		now:       opts.Now,
		countdown: opts.Countdown,
	}
	if s.actions == nil {
		s.actions = store.NopActionLog{}
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	if s.dice == nil {
		s.dice = game.NewRandomSource()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.countdown <= 0 {
		s.countdown = DefaultCountdown
	}
	return s
}

func newJoinCode() string {
	var b strings.Builder
	for i := 0; i < codeLength; i++ {
		b.WriteByte(codeAlphabet[rand.IntN(len(codeAlphabet))])
	}
	return b.String()
}

// ValidName reports whether name can be used as a player name. Names are
// keys of flattened map fields and may not contain the separators.
func ValidName(name string) bool {
	return name != "" && !strings.ContainsAny(name, ".\x1f")
}

// NormalizeCode trims and upper-cases a join code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *Service) log(gameID string) *logrus.Entry {
	return s.logger.WithField("game_id", gameID)
}

func (s *Service) record(ctx context.Context, sess *models.GameSession, actor *models.User, action string, payload map[string]interface{}) {
	rec := models.ActionRecord{
		GameID:        sess.ID,
		Epoch:         sess.Epoch,
		ActionType:    action,
		ActionPayload: payload,
		Timestamp:     s.now().UnixMilli(),
	}
	if actor != nil {
		rec.ActorUserID = actor.ID
		rec.ActorName = actor.Username
	}
	if err := s.actions.Publish(ctx, rec); err != nil {
		s.log(sess.ID).WithError(err).Warn("failed to publish action")
	}
}

// CreateGame opens a lobby hosted by host under a fresh join code.
func (s *Service) CreateGame(ctx context.Context, host *models.User, mode scoring.Mode, fee int64) (*models.GameSession, error) {
	if !ValidName(host.Username) {
		return nil, ErrInvalidName
	}
	if _, err := scoring.ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if fee < 0 {
		return nil, ErrInvalidFee
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		sess := &models.GameSession{
			ID:           newJoinCode(),
			Players:      []string{host.Username},
			PlayerIDs:    map[string]uuid.UUID{host.Username: host.ID},
			Host:         host.Username,
			Mode:         mode,
			EntryFee:     fee,
			ReadyVotes:   map[string]bool{},
			RematchVotes: map[string]bool{},
			CreatedAt:    s.now().UTC().Truncate(time.Second),
		}
		err := s.sessions.CreateSession(ctx, sess)
		if errors.Is(err, store.ErrSessionExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		s.log(sess.ID).WithFields(logrus.Fields{"host": host.Username, "mode": mode, "fee": fee}).Info("game created")
		s.record(ctx, sess, host, models.ActionCreate, map[string]interface{}{"mode": string(mode), "fee": fee})
		return sess, nil
	}
	return nil, errors.New("could not allocate a free join code")
}

// JoinGame adds user to the lobby behind code. Joining a game the user is
// already part of returns the session unchanged.
func (s *Service) JoinGame(ctx context.Context, code string, user *models.User) (*models.GameSession, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrEmptyJoinCode
	}
	if !ValidName(user.Username) {
		return nil, ErrInvalidName
	}

	name := user.Username
	err := s.sessions.Update(ctx, code, func(cur *models.GameSession) (store.Mutation, error) {
		if cur.HasPlayer(name) {
			if id, ok := cur.PlayerIDs[name]; ok && id != user.ID {
				return store.Mutation{}, ErrDuplicatePlayer
			}
			return store.Mutation{}, nil
		}
		// once the fee is collected the roster is frozen until the game starts
		if cur.Started || cur.GameOver || cur.EntryFeeCollected {
			return store.Mutation{}, ErrGameStarted
		}
		return store.Mutation{Set: models.Fields{
			models.FieldPlayers:                        models.EncodeList(append(cur.Players, name)),
			models.MapKey(models.FieldPlayerIDs, name): user.ID.String(),
		}}, nil
	})
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	s.log(code).WithField("player", name).Info("player joined")
	s.record(ctx, sess, user, models.ActionJoin, nil)
	return sess, nil
}

// Snapshot is a read model of a session with its rounds and score sheets.
type Snapshot struct {
	Session *models.GameSession      `json:"session"`
	Phase   models.Phase             `json:"phase"`
	Rounds  []models.Round           `json:"rounds"`
	Sheets  map[string]scoring.Sheet `json:"sheets"`

	Standings []stats.Standing `json:"standings"`
}

// Snapshot reads the current state of a game.
func (s *Service) Snapshot(ctx context.Context, gameID string) (*Snapshot, error) {
	sess, err := s.sessions.GetSession(ctx, gameID)
	if err != nil {
		return nil, err
	}
	rounds, err := s.sessions.ListRounds(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	byPlayer := models.ScoresByPlayer(rounds)
	sheets := make(map[string]scoring.Sheet, len(sess.Players))
	totals := make(map[string]int, len(sess.Players))
	for _, p := range sess.Players {
		sheets[p] = scoring.Totals(byPlayer[p], sess.Mode)
		totals[p] = sheets[p].Total
	}
	return &Snapshot{
		Session:   sess,
		Phase:     sess.Phase(),
		Rounds:    rounds,
		Sheets:    sheets,
		Standings: stats.Standings(sess.Players, totals),
	}, nil
}

// SetReady records the caller's lobby vote.
func (s *Service) SetReady(ctx context.Context, gameID string, user *models.User, ready bool) error {
	return s.sessions.Update(ctx, gameID, func(cur *models.GameSession) (store.Mutation, error) {
		if !cur.HasPlayer(user.Username) {
			return store.Mutation{}, ErrNotInGame
		}
		if cur.Started {
			return store.Mutation{}, ErrGameStarted
		}
		return store.Mutation{Set: models.Fields{
			models.MapKey(models.FieldReadyVotes, user.Username): models.FormatBool(ready),
		}}, nil
	})
}

// SetMode changes the rule set. Host only, lobby only.
func (s *Service) SetMode(ctx context.Context, gameID string, user *models.User, mode scoring.Mode) error {
	if _, err := scoring.ParseMode(string(mode)); err != nil {
		return err
	}
	return s.sessions.Update(ctx, gameID, func(cur *models.GameSession) (store.Mutation, error) {
		if cur.Host != user.Username {
			return store.Mutation{}, ErrNotHost
		}
		if cur.Started || cur.GameOver {
			return store.Mutation{}, ErrGameStarted
		}
		return store.Mutation{Set: models.Fields{models.FieldMode: string(mode)}}, nil
	})
}

// SetEntryFee changes the fee charged at the next start. Host only, allowed
// in the lobby and after game over before a rematch.
func (s *Service) SetEntryFee(ctx context.Context, gameID string, user *models.User, fee int64) error {
	if fee < 0 {
		return ErrInvalidFee
	}
	return s.sessions.Update(ctx, gameID, func(cur *models.GameSession) (store.Mutation, error) {
		if cur.Host != user.Username {
			return store.Mutation{}, ErrNotHost
		}
		// the collected flag of a finished epoch is reset by the rematch
		if !cur.GameOver && (cur.Started || cur.EntryFeeCollected) {
			return store.Mutation{}, ErrGameStarted
		}
		return store.Mutation{Set: models.Fields{models.FieldEntryFee: models.FormatInt(fee)}}, nil
	})
}

// StartGame starts the lobby once every player is ready, collecting the
// entry fee first. Only the host may start.
func (s *Service) StartGame(ctx context.Context, gameID string, user *models.User) error {
	sess, err := s.sessions.GetSession(ctx, gameID)
	if err != nil {
		return err
	}
	if sess.Host != user.Username {
		return ErrNotHost
	}
	if sess.Started {
		return ErrGameStarted
	}
	if !sess.AllVoted(sess.ReadyVotes) {
		return ErrNotAllReady
	}
	return s.begin(ctx, sess, user)
}

// begin collects the fee of sess's epoch and flips started. Losing the flip
// to another client is not an error.
func (s *Service) begin(ctx context.Context, sess *models.GameSession, actor *models.User) error {
	log := s.log(sess.ID).WithField("epoch", sess.Epoch)
	if err := s.economy.CollectEntryFee(ctx, sess.ID); err != nil {
		log.WithError(err).Warn("game start blocked by fee collection")
		return err
	}

	won := false
	err := s.sessions.Update(ctx, sess.ID, func(cur *models.GameSession) (store.Mutation, error) {
		won = false
		if cur.Started || cur.Epoch != sess.Epoch || len(cur.Players) == 0 {
			return store.Mutation{}, nil
		}
		if cur.EntryFee > 0 && !cur.EntryFeeCollected {
			return store.Mutation{}, nil
		}
		if cur.EntryFeeCollected && !cur.FeeCovers() {
			return store.Mutation{}, ErrRosterChanged
		}
		won = true
		return store.Mutation{Set: models.Fields{
			models.FieldStarted:      models.FormatBool(true),
			models.FieldActivePlayer: cur.Players[0],
		}}, nil
	})
	if errors.Is(err, ErrRosterChanged) {
		log.Warn("roster no longer matches the players who paid")
		return err
	}
	if err != nil {
		log.WithError(err).Error("failed to start game")
		return fmt.Errorf("start game: %w", err)
	}
	if !won {
		log.Debug("start already performed by another client")
		return nil
	}
	log.Info("game started")
	s.record(ctx, sess, actor, models.ActionStart, nil)
	return nil
}
