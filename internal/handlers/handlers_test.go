package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/kniraffel/internal/auth"
	"github.com/jason-s-yu/kniraffel/internal/companion"
	"github.com/jason-s-yu/kniraffel/internal/economy"
	"github.com/jason-s-yu/kniraffel/internal/game"
	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/jason-s-yu/kniraffel/internal/session"
	"github.com/jason-s-yu/kniraffel/internal/store"
	"github.com/jason-s-yu/kniraffel/internal/store/memstore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv    *httptest.Server
	store  *memstore.Store
	server *Server
}

func newTestEnv(t *testing.T, startingCoins int64) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	st := memstore.New()
	issuer, err := auth.NewIssuer(time.Hour)
	require.NoError(t, err)

	games := session.NewService(session.Options{
		Sessions:  st,
		Users:     st,
		Economy:   economy.NewEngine(st, st, companion.NewService(st, logger), logger),
		Actions:   st,
		Logger:    logger,
		Dice:      game.NewScriptedSource(4),
		Countdown: 10 * time.Millisecond,
	})
	s := NewServer(Options{
		Games:         games,
		Users:         st,
		Highscores:    st,
		Issuer:        issuer,
		Logger:        logger,
		StartingCoins: startingCoins,
	})
	env := &testEnv{srv: httptest.NewServer(s.Routes()), store: st, server: s}
	t.Cleanup(env.srv.Close)
	return env
}

// register creates a user and returns its token.
func (e *testEnv) register(t *testing.T, name string) string {
	t.Helper()
	var resp createUserResponse
	status := e.do(t, http.MethodPost, "/users", "", map[string]string{"username": name}, &resp)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil {
		data, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		if len(data) > 0 {
			require.NoError(t, json.Unmarshal(data, out), string(data))
		}
	}
	return res.StatusCode
}

func TestCreateUser(t *testing.T) {
	env := newTestEnv(t, 50)

	res, err := http.Post(env.srv.URL+"/users", "application/json", strings.NewReader(`{"username":"alice"}`))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var cookie *http.Cookie
	for _, c := range res.Cookies() {
		if c.Name == auth.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/users/me", nil)
	req.AddCookie(cookie)
	me, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer me.Body.Close()
	var u models.User
	require.NoError(t, json.NewDecoder(me.Body).Decode(&u))
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, int64(50), u.Coins)

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/users", "", map[string]string{"username": "alice"}, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/users", "", map[string]string{"username": "a.b"}, nil))
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, 0)
	var body errorBody
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/games", "", nil, &body))
	assert.NotEmpty(t, body.Error)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/users/me", "garbage", nil, nil))
}

func TestGameFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, 100)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	var sess models.GameSession
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/games", alice, map[string]interface{}{"mode": "standard", "entry_fee": 10}, &sess))
	id := sess.ID

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/games/NOPE1/join", bob, nil, nil))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/games/"+strings.ToLower(id)+"/join", bob, nil, &sess))
	assert.Equal(t, []string{"alice", "bob"}, sess.Players)

	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/games/"+id+"/start", bob, nil, nil))
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/games/"+id+"/start", alice, nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/games/"+id+"/mode", alice, map[string]string{"mode": "huge"}, nil))

	for _, tok := range []string{alice, bob} {
		require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/games/"+id+"/ready", tok, nil, nil))
	}
	var snap session.Snapshot
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/games/"+id+"/start", alice, nil, &snap))
	assert.Equal(t, models.PhaseInProgress, snap.Phase)
	assert.Equal(t, int64(20), snap.Session.Pot)

	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/games/"+id+"/roll", bob, nil, nil))
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/games/"+id+"/hold", alice, map[string]int{"index": 0}, nil))

	var turn session.TurnState
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/games/"+id+"/roll", alice, nil, &turn))
	assert.Equal(t, []int{4, 4, 4, 4, 4}, turn.Dice)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/games/"+id+"/hold", alice, map[string]int{"index": 2}, &turn))
	assert.True(t, turn.Held[2])
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/games/"+id+"/hold", alice, map[string]int{"index": 9}, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/games/"+id+"/submit", alice, map[string]string{"category": "two_triples"}, nil))

	var submitted struct {
		Round models.Round      `json:"round"`
		Turn  session.TurnState `json:"turn"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/games/"+id+"/submit", alice, map[string]string{"category": "fours"}, &submitted))
	assert.Equal(t, 20, submitted.Round.Score)

	var view struct {
		Session models.GameSession `json:"session"`
		Turn    *session.TurnState `json:"turn"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/games/"+id, alice, nil, &view))
	assert.Equal(t, "bob", view.Session.ActivePlayer)
	require.NotNil(t, view.Turn)
	assert.Equal(t, 20, view.Turn.Scores["fours"])

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/games/"+id+"/rematch", alice, nil, nil))

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/games/"+id+"/leave", bob, nil, nil))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/games/"+id, alice, nil, &view))
	assert.Equal(t, []string{"alice"}, view.Session.Players)
	assert.Equal(t, "alice", view.Session.ActivePlayer)
}

func TestInsufficientFundsIs402(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := env.register(t, "alice")

	var sess models.GameSession
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/games", alice, map[string]interface{}{"entry_fee": 5}, &sess))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/games/"+sess.ID+"/ready", alice, nil, nil))

	var body errorBody
	assert.Equal(t, http.StatusPaymentRequired, env.do(t, http.MethodPost, "/games/"+sess.ID+"/start", alice, nil, &body))
	assert.Equal(t, []string{"alice"}, body.Players)
}

func TestStatsAndHighscores(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := env.register(t, "alice")

	var out map[string]interface{}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/users/me/stats", alice, nil, &out))
	assert.Equal(t, "alice", out["username"])
	assert.Contains(t, out, "modes")

	var scores []models.Highscore
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/highscores?mode=extended", "", nil, &scores))
	assert.Empty(t, scores)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/highscores?mode=weird", "", nil, nil))
}

func TestGameStream(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	var sess models.GameSession
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/games", alice, nil, &sess))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/games/"+sess.ID+"/join", bob, nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/games/" + sess.ID + "/ws"

	_, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{Subprotocols: []string{"game"}})
	require.Error(t, err, "unauthenticated dial must fail")

	c, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{"game"},
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer " + alice}},
	})
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	next := func() streamEvent {
		t.Helper()
		_, data, err := c.Read(ctx)
		require.NoError(t, err)
		var ev streamEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	}

	first := next()
	assert.Equal(t, "snapshot", first.Type)
	require.NotNil(t, first.Snapshot)
	assert.Equal(t, models.PhaseLobby, first.Snapshot.Phase)

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	for ev := next(); ev.Type != "pong"; ev = next() {
	}

	// both ready: the host's stream starts the game after the countdown
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`{"type":"ready"}`)))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/games/"+sess.ID+"/ready", bob, nil, nil))

	for {
		ev := next()
		if ev.Type == "snapshot" && ev.Snapshot.Phase == models.PhaseInProgress {
			break
		}
	}

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`{"type":"roll"}`)))
	for {
		ev := next()
		if ev.Type == "turn" {
			assert.Equal(t, 2, ev.Turn.RollsLeft)
			break
		}
	}
}

func TestSweptGameDropsCachedClient(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := env.register(t, "alice")

	var sess models.GameSession
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/games", alice, nil, &sess))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/games/"+sess.ID+"/ready", alice, nil, nil))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/games/"+sess.ID+"/start", alice, nil, nil))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/games/"+sess.ID+"/roll", alice, nil, nil))

	clients := func() int {
		env.server.mu.Lock()
		defer env.server.mu.Unlock()
		return len(env.server.clients)
	}
	require.Equal(t, 1, clients())

	// the sweeper removes the session behind the server's back
	require.NoError(t, env.store.DeleteSession(context.Background(), sess.ID))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/games/"+sess.ID+"/roll", alice, nil, nil))
	assert.Equal(t, 0, clients())
}

func TestGameStreamRejectsOutsiders(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := env.register(t, "alice")
	carol := env.register(t, "carol")

	var sess models.GameSession
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/games", alice, nil, &sess))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	base := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/games/"

	for name, id := range map[string]string{"not a player": sess.ID, "unknown game": "NOPE1"} {
		t.Run(name, func(t *testing.T) {
			c, _, err := websocket.Dial(ctx, base+id+"/ws", &websocket.DialOptions{
				Subprotocols: []string{"game"},
				HTTPHeader:   http.Header{"Authorization": []string{"Bearer " + carol}},
			})
			require.NoError(t, err)
			defer c.CloseNow()

			_, _, err = c.Read(ctx)
			require.Error(t, err)
			assert.Equal(t, websocket.StatusCode(InvalidGameIDError), websocket.CloseStatus(err))
		})
	}
}

func TestRosterChangeIsConflict(t *testing.T) {
	assert.Equal(t, http.StatusConflict, errorStatus(session.ErrRosterChanged))
	assert.Equal(t, http.StatusConflict, errorStatus(economy.ErrRosterChanged))
	assert.Equal(t, http.StatusNotFound, errorStatus(store.ErrNotFound))
}
