// internal/match/service_test.go
package match

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geovox/geovox/internal/content"
	"github.com/geovox/geovox/internal/models"
)

// fakeStore is an in-memory Store with the same semantics the Postgres
// implementation provides: live-code lookups, duplicate-guess suppression,
// atomic-enough multi-row transitions under its own mutex.
type fakeStore struct {
	mu      sync.Mutex
	matches map[uuid.UUID]*models.Match
	players map[uuid.UUID][]models.MatchPlayer
	rounds  map[uuid.UUID][]models.MatchRound
	guesses map[uuid.UUID][]models.PlayerGuess

	insertMatchErrs []error // consumed one per InsertMatch call
	insertCalls     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		matches: make(map[uuid.UUID]*models.Match),
		players: make(map[uuid.UUID][]models.MatchPlayer),
		rounds:  make(map[uuid.UUID][]models.MatchRound),
		guesses: make(map[uuid.UUID][]models.PlayerGuess),
	}
}

func (f *fakeStore) InsertMatch(_ context.Context, m *models.Match) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if len(f.insertMatchErrs) > 0 {
		err := f.insertMatchErrs[0]
		f.insertMatchErrs = f.insertMatchErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, other := range f.matches {
		if other.Code == m.Code && other.Status != models.MatchFinished {
			return ErrCodeTaken
		}
	}
	cp := *m
	f.matches[m.ID] = &cp
	return nil
}

func (f *fakeStore) GetMatchByCode(_ context.Context, code string) (*models.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.matches {
		if m.Code == code && m.Status != models.MatchFinished {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) GetMatch(_ context.Context, id uuid.UUID) (*models.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) GetMatchDetail(_ context.Context, id uuid.UUID) (*models.MatchDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	detail := &models.MatchDetail{Match: *m}
	detail.Players = append(detail.Players, f.players[id]...)
	for _, r := range f.rounds[id] {
		rd := models.RoundDetail{MatchRound: r}
		rd.Guesses = append(rd.Guesses, f.guesses[r.ID]...)
		detail.Rounds = append(detail.Rounds, rd)
	}
	return detail, nil
}

func (f *fakeStore) ListInProgress(_ context.Context) ([]models.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Match
	for _, m := range f.matches {
		if m.Status == models.MatchInProgress {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertPlayer(_ context.Context, p *models.MatchPlayer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Same constraint the schema's UNIQUE (match_id, order_index) enforces.
	for _, existing := range f.players[p.MatchID] {
		if existing.OrderIndex == p.OrderIndex {
			return fmt.Errorf("order_index %d already taken in match %s", p.OrderIndex, p.MatchID)
		}
	}
	f.players[p.MatchID] = append(f.players[p.MatchID], *p)
	return nil
}

func (f *fakeStore) RemovePlayer(_ context.Context, matchID, playerID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.players[matchID]
	for i, p := range ps {
		if p.ID == playerID {
			f.players[matchID] = append(ps[:i:i], ps[i+1:]...)
			// Cascade: drop the player's guesses.
			for _, r := range f.rounds[matchID] {
				gs := f.guesses[r.ID]
				for j := len(gs) - 1; j >= 0; j-- {
					if gs[j].PlayerID == playerID {
						gs = append(gs[:j], gs[j+1:]...)
					}
				}
				f.guesses[r.ID] = gs
			}
			if m := f.matches[matchID]; m != nil && m.OwnerID != nil && *m.OwnerID == playerID {
				m.OwnerID = nil
			}
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) AssignOwnerIfNone(_ context.Context, matchID, playerID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.matches[matchID]
	if !ok {
		return ErrNotFound
	}
	if m.OwnerID == nil {
		pid := playerID
		m.OwnerID = &pid
	}
	return nil
}

func (f *fakeStore) CountPlayers(_ context.Context, matchID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.players[matchID]), nil
}

func (f *fakeStore) StartMatch(_ context.Context, matchID uuid.UUID, rounds []models.MatchRound, startedAt, phaseEndsAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.matches[matchID]
	if !ok {
		return ErrNotFound
	}
	if m.Status != models.MatchWaiting {
		return ErrMatchNotStartable
	}
	f.rounds[matchID] = append([]models.MatchRound{}, rounds...)
	m.Status = models.MatchInProgress
	m.Phase = models.PhaseGuessing
	m.CurrentRoundIndex = 0
	m.StartedAt = &startedAt
	ends := phaseEndsAt
	m.PhaseEndsAt = &ends
	return nil
}

func (f *fakeStore) InsertGuess(_ context.Context, g *models.PlayerGuess) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.guesses[g.RoundID] {
		if existing.PlayerID == g.PlayerID {
			return false, nil
		}
	}
	f.guesses[g.RoundID] = append(f.guesses[g.RoundID], *g)
	return true, nil
}

func (f *fakeStore) CountGuesses(_ context.Context, roundID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.guesses[roundID]), nil
}

func (f *fakeStore) ResolveRound(_ context.Context, matchID, roundID uuid.UUID, backfill []models.PlayerGuess, endedAt, phaseEndsAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.matches[matchID]
	if !ok {
		return ErrNotFound
	}
	rs := f.rounds[matchID]
	for i := range rs {
		if rs[i].ID == roundID {
			if rs[i].IsResolved {
				return ErrNotFound
			}
			rs[i].IsResolved = true
			ended := endedAt
			rs[i].EndedAt = &ended
		}
	}
	for _, g := range backfill {
		dup := false
		for _, existing := range f.guesses[g.RoundID] {
			if existing.PlayerID == g.PlayerID {
				dup = true
				break
			}
		}
		if !dup {
			f.guesses[g.RoundID] = append(f.guesses[g.RoundID], g)
		}
	}
	m.Phase = models.PhasePostResults
	ends := phaseEndsAt
	m.PhaseEndsAt = &ends
	return nil
}

func (f *fakeStore) AdvanceRound(_ context.Context, matchID uuid.UUID, nextIndex int, phaseEndsAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.matches[matchID]
	if !ok {
		return ErrNotFound
	}
	m.CurrentRoundIndex = nextIndex
	m.Phase = models.PhaseGuessing
	ends := phaseEndsAt
	m.PhaseEndsAt = &ends
	return nil
}

func (f *fakeStore) FinishMatch(_ context.Context, matchID uuid.UUID, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.matches[matchID]
	if !ok {
		return ErrNotFound
	}
	m.Status = models.MatchFinished
	m.Phase = models.PhaseFinished
	m.PhaseEndsAt = nil
	ended := endedAt
	m.EndedAt = &ended
	return nil
}

// stubProvider hands out a fixed content list and records the exclusion it
// was asked for.
type stubProvider struct {
	items      []models.ContentItem
	err        error
	gotExclude *uuid.UUID
}

func (p *stubProvider) SelectRoundContent(_ context.Context, count int, excludeUser *uuid.UUID) ([]models.ContentItem, error) {
	p.gotExclude = excludeUser
	if p.err != nil {
		return nil, p.err
	}
	if len(p.items) < count {
		return nil, content.ErrInsufficientContent
	}
	return p.items[:count], nil
}

// mockBroadcaster collects events instead of sending them over WS.
type mockBroadcaster struct {
	mu     sync.Mutex
	events []models.Event
}

func (mb *mockBroadcaster) Emit(_ uuid.UUID, ev models.Event) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.events = append(mb.events, ev)
}

func (mb *mockBroadcaster) ofType(t models.EventType) []models.Event {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	var out []models.Event
	for _, ev := range mb.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (mb *mockBroadcaster) last() *models.Event {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.events) == 0 {
		return nil
	}
	ev := mb.events[len(mb.events)-1]
	return &ev
}

type testEnv struct {
	svc      *Service
	store    *fakeStore
	provider *stubProvider
	mb       *mockBroadcaster
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	items := make([]models.ContentItem, MaxRounds)
	for i := range items {
		items[i] = models.ContentItem{ClipID: uuid.New(), SpeakerID: uuid.New(), AudioURL: "https://clips.test/clip"}
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store := newFakeStore()
	provider := &stubProvider{items: items}
	mb := &mockBroadcaster{}
	svc := NewService(store, provider, logger)
	svc.Broadcaster = mb
	t.Cleanup(svc.Shutdown)

	return &testEnv{svc: svc, store: store, provider: provider, mb: mb}
}

// joinPlayers creates n players on the given match and returns their ids in
// join order. The first joiner becomes the owner.
func (e *testEnv) joinPlayers(t *testing.T, code string, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		ids[i] = uuid.New()
		_, _, err := e.svc.JoinRoom(context.Background(), code, ids[i], "player", true)
		require.NoError(t, err)
	}
	return ids
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestCreateMatchDefaults(t *testing.T) {
	e := newTestEnv(t)

	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.MatchWaiting, m.Status)
	assert.Equal(t, models.PhaseNone, m.Phase)
	assert.Equal(t, MaxRounds, m.MaxRounds)
	assert.Nil(t, m.PhaseEndsAt)
	assert.Nil(t, m.OwnerID)
	assert.Len(t, m.Code, 6)
}

func TestCreateMatchRetriesOnCodeCollision(t *testing.T) {
	e := newTestEnv(t)
	e.store.insertMatchErrs = []error{ErrCodeTaken, ErrCodeTaken}

	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Equal(t, 3, e.store.insertCalls, "expected two retries before success")
}

func TestJoinAssignsOrderAndOwner(t *testing.T) {
	e := newTestEnv(t)
	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)

	p0, p1, p2 := uuid.New(), uuid.New(), uuid.New()

	detail, isOwner, err := e.svc.JoinRoom(context.Background(), m.Code, p0, "ana", true)
	require.NoError(t, err)
	assert.True(t, isOwner, "first joiner of an ownerless match becomes owner")
	require.NotNil(t, detail.OwnerID)
	assert.Equal(t, p0, *detail.OwnerID)

	_, isOwner, err = e.svc.JoinRoom(context.Background(), m.Code, p1, "bo", true)
	require.NoError(t, err)
	assert.False(t, isOwner)

	detail, isOwner, err = e.svc.JoinRoom(context.Background(), m.Code, p2, "cy", false)
	require.NoError(t, err)
	assert.False(t, isOwner)

	require.Len(t, detail.Players, 3)
	for i, p := range detail.Players {
		assert.Equal(t, i, p.OrderIndex, "orderIndex must be dense join order")
	}
	assert.Equal(t, p0, *detail.OwnerID, "ownership is sticky once assigned")
}

// A leaver's order index is retired for good: the next joiner gets max+1,
// never a live player's index (which the store's unique constraint rejects).
func TestJoinAfterLeaveNeverReusesOrderIndex(t *testing.T) {
	e := newTestEnv(t)
	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)
	players := e.joinPlayers(t, m.Code, 2)

	_, removed, err := e.svc.RemovePlayerFromMatch(context.Background(), m.Code, players[0])
	require.NoError(t, err)
	require.True(t, removed)

	late := uuid.New()
	detail, _, err := e.svc.JoinRoom(context.Background(), m.Code, late, "cy", true)
	require.NoError(t, err)

	seen := make(map[int]bool)
	for _, p := range detail.Players {
		assert.False(t, seen[p.OrderIndex], "orderIndex %d assigned twice", p.OrderIndex)
		seen[p.OrderIndex] = true
	}
	require.NotNil(t, detail.PlayerByID(late))
	assert.Equal(t, 2, detail.PlayerByID(late).OrderIndex)
}

func TestJoinUnknownCode(t *testing.T) {
	e := newTestEnv(t)
	_, _, err := e.svc.JoinRoom(context.Background(), "000000", uuid.New(), "ana", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJoinAfterStartRejected(t *testing.T) {
	e := newTestEnv(t)
	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)
	players := e.joinPlayers(t, m.Code, 1)
	_, err = e.svc.StartMatch(context.Background(), m.Code, players[0])
	require.NoError(t, err)

	_, _, err = e.svc.JoinRoom(context.Background(), m.Code, uuid.New(), "late", true)
	assert.ErrorIs(t, err, ErrMatchNotJoinable)
}

func TestStartMatchMaterializesRounds(t *testing.T) {
	e := newTestEnv(t)
	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)
	players := e.joinPlayers(t, m.Code, 2)

	before := time.Now()
	detail, err := e.svc.StartMatch(context.Background(), m.Code, players[0])
	require.NoError(t, err)

	assert.Equal(t, models.MatchInProgress, detail.Status)
	assert.Equal(t, models.PhaseGuessing, detail.Phase)
	assert.Equal(t, 0, detail.CurrentRoundIndex)
	require.NotNil(t, detail.PhaseEndsAt)
	assert.WithinDuration(t, before.Add(GuessWindow), *detail.PhaseEndsAt, time.Second)

	require.Len(t, detail.Rounds, MaxRounds)
	for i, r := range detail.Rounds {
		assert.Equal(t, i, r.RoundIndex)
		assert.False(t, r.IsResolved)
	}

	assert.True(t, e.svc.Scheduler().Pending(detail.ID), "guessing timer must be armed")

	// Content selection skips clips the owner already heard.
	require.NotNil(t, e.provider.gotExclude)
	assert.Equal(t, players[0], *e.provider.gotExclude)

	events := e.mb.ofType(models.EventNewRound)
	require.Len(t, events, 1)
	assert.Equal(t, 0, events[0].Match.CurrentRoundIndex)
}

func TestStartMatchOnlyOwner(t *testing.T) {
	e := newTestEnv(t)
	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)
	players := e.joinPlayers(t, m.Code, 2)

	_, err = e.svc.StartMatch(context.Background(), m.Code, players[1])
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = e.svc.StartMatch(context.Background(), m.Code, players[0])
	assert.NoError(t, err)
}

func TestStartMatchInsufficientContent(t *testing.T) {
	e := newTestEnv(t)
	e.svc.provider = &stubProvider{err: content.ErrInsufficientContent}

	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)
	players := e.joinPlayers(t, m.Code, 1)

	_, err = e.svc.StartMatch(context.Background(), m.Code, players[0])
	assert.ErrorIs(t, err, ErrInsufficientContent)

	got, err := e.store.GetMatch(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchWaiting, got.Status, "failed start must leave the match waiting")
	assert.False(t, e.svc.Scheduler().Pending(m.ID))
}

// Scenario A: all players answer within the window and the round resolves
// immediately, without waiting for the timer.
func TestConfirmGuessEarlyResolution(t *testing.T) {
	e := newTestEnv(t)
	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)
	players := e.joinPlayers(t, m.Code, 2)
	_, err = e.svc.StartMatch(context.Background(), m.Code, players[0])
	require.NoError(t, err)

	detail, err := e.svc.ConfirmGuess(context.Background(), m.Code, players[0], 2.35, 48.85, 870)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseGuessing, detail.Phase, "round must stay open until everyone answered")
	require.Len(t, detail.Rounds[0].Guesses, 1)

	before := time.Now()
	detail, err = e.svc.ConfirmGuess(context.Background(), m.Code, players[1], -0.12, 51.5, 640)
	require.NoError(t, err)

	assert.Equal(t, models.PhasePostResults, detail.Phase)
	assert.True(t, detail.Rounds[0].IsResolved)
	require.NotNil(t, detail.PhaseEndsAt)
	assert.WithinDuration(t, before.Add(ResultsWindow), *detail.PhaseEndsAt, time.Second)
	assert.Len(t, detail.Rounds[0].Guesses, 2)

	results := e.mb.ofType(models.EventRoundResults)
	require.Len(t, results, 1)
	assert.True(t, results[0].Match.Rounds[0].IsResolved)
}

// Scenario B: a player who never answers gets an auto-inserted zero-score
// guess when the guessing window times out.
func TestGuessTimeoutBackfillsZeroScores(t *testing.T) {
	e := newTestEnv(t)
	e.svc.GuessWindow = 100 * time.Millisecond
	e.svc.ResultsWindow = time.Hour // freeze after resolution

	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)
	players := e.joinPlayers(t, m.Code, 2)
	_, err = e.svc.StartMatch(context.Background(), m.Code, players[0])
	require.NoError(t, err)

	_, err = e.svc.ConfirmGuess(context.Background(), m.Code, players[0], 13.4, 52.5, 910)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		got, err := e.store.GetMatch(context.Background(), m.ID)
		return err == nil && got.Phase == models.PhasePostResults
	})

	detail, err := e.store.GetMatchDetail(context.Background(), m.ID)
	require.NoError(t, err)
	require.True(t, detail.Rounds[0].IsResolved)
	require.Len(t, detail.Rounds[0].Guesses, 2)

	var backfilled *models.PlayerGuess
	for i := range detail.Rounds[0].Guesses {
		if detail.Rounds[0].Guesses[i].PlayerID == players[1] {
			backfilled = &detail.Rounds[0].Guesses[i]
		}
	}
	require.NotNil(t, backfilled, "missing player must receive an auto guess")
	assert.Equal(t, 0, backfilled.Score)
}

func TestDuplicateGuessRejected(t *testing.T) {
	e := newTestEnv(t)
	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)
	players := e.joinPlayers(t, m.Code, 2)
	_, err = e.svc.StartMatch(context.Background(), m.Code, players[0])
	require.NoError(t, err)

	_, err = e.svc.ConfirmGuess(context.Background(), m.Code, players[0], 1, 1, 500)
	require.NoError(t, err)
	_, err = e.svc.ConfirmGuess(context.Background(), m.Code, players[0], 2, 2, 900)
	assert.ErrorIs(t, err, ErrDuplicateGuess)

	detail, err := e.store.GetMatchDetail(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Rounds[0].Guesses, 1, "duplicate must not count toward resolution")
	assert.Equal(t, models.PhaseGuessing, detail.Phase)
}

func TestGuessFromNonPlayerRejected(t *testing.T) {
	e := newTestEnv(t)
	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)
	players := e.joinPlayers(t, m.Code, 1)
	_, err = e.svc.StartMatch(context.Background(), m.Code, players[0])
	require.NoError(t, err)

	_, err = e.svc.ConfirmGuess(context.Background(), m.Code, uuid.New(), 1, 1, 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

// A guessing timer that fires after the round already resolved must be a
// no-op: no duplicate backfill, no premature advance out of post_results.
func TestStaleTimeoutIsNoOp(t *testing.T) {
	e := newTestEnv(t)
	e.svc.ResultsWindow = time.Hour

	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)
	players := e.joinPlayers(t, m.Code, 1)
	_, err = e.svc.StartMatch(context.Background(), m.Code, players[0])
	require.NoError(t, err)

	_, err = e.svc.ConfirmGuess(context.Background(), m.Code, players[0], 1, 1, 300)
	require.NoError(t, err)

	// Simulate the guessing timer losing the race and firing late.
	e.svc.onPhaseDeadline(m.ID, models.PhaseGuessing, 0)
	e.svc.onPhaseDeadline(m.ID, models.PhaseGuessing, 0)

	detail, err := e.store.GetMatchDetail(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePostResults, detail.Phase)
	assert.Equal(t, 0, detail.CurrentRoundIndex, "stale timer must not advance the match")
	assert.Len(t, detail.Rounds[0].Guesses, 1)
}

// Scenario C: the match runs all five rounds to completion; the terminal
// event is match_finished and further guesses are rejected.
func TestFullMatchCompletion(t *testing.T) {
	e := newTestEnv(t)
	e.svc.GuessWindow = 30 * time.Millisecond
	e.svc.ResultsWindow = 15 * time.Millisecond

	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)
	players := e.joinPlayers(t, m.Code, 1)
	_, err = e.svc.StartMatch(context.Background(), m.Code, players[0])
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		got, err := e.store.GetMatch(context.Background(), m.ID)
		return err == nil && got.Status == models.MatchFinished
	})

	got, err := e.store.GetMatch(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFinished, got.Phase)
	assert.Nil(t, got.PhaseEndsAt)
	assert.NotNil(t, got.EndedAt)
	assert.False(t, e.svc.Scheduler().Pending(m.ID), "finished match must hold no timer")

	finished := e.mb.ofType(models.EventMatchFinished)
	require.Len(t, finished, 1)
	last := e.mb.last()
	assert.Equal(t, models.EventMatchFinished, last.Type, "terminal event must be match_finished")

	assert.Len(t, e.mb.ofType(models.EventNewRound), MaxRounds)
	assert.Len(t, e.mb.ofType(models.EventRoundResults), MaxRounds)

	// Transitions are totally ordered: the round index never decreases
	// across broadcast events.
	prev := -1
	for _, ev := range e.mb.ofType(models.EventNewRound) {
		require.Greater(t, ev.Match.CurrentRoundIndex, prev)
		prev = ev.Match.CurrentRoundIndex
	}

	_, err = e.svc.ConfirmGuess(context.Background(), m.Code, players[0], 1, 1, 100)
	assert.ErrorIs(t, err, ErrNotFound, "guesses after finish must be rejected")
}

// Scenario D: a disconnecting player leaves the aggregate and the remaining
// players' guesses alone decide early resolution.
func TestRemovePlayerMidMatch(t *testing.T) {
	e := newTestEnv(t)
	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)
	players := e.joinPlayers(t, m.Code, 3)
	_, err = e.svc.StartMatch(context.Background(), m.Code, players[0])
	require.NoError(t, err)

	detail, removed, err := e.svc.RemovePlayerFromMatch(context.Background(), m.Code, players[2])
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Len(t, detail.Players, 2)
	assert.Equal(t, models.PhaseGuessing, detail.Phase, "removal must not touch phase")
	require.NotNil(t, detail.PhaseEndsAt)

	// Removing an unknown player is not an error, just a no-op.
	_, removed, err = e.svc.RemovePlayerFromMatch(context.Background(), m.Code, uuid.New())
	require.NoError(t, err)
	assert.False(t, removed)

	// The two remaining players resolve the round without the third.
	_, err = e.svc.ConfirmGuess(context.Background(), m.Code, players[0], 1, 1, 400)
	require.NoError(t, err)
	detail, err = e.svc.ConfirmGuess(context.Background(), m.Code, players[1], 2, 2, 300)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePostResults, detail.Phase)
	assert.Len(t, detail.Rounds[0].Guesses, 2)
}

// phaseEndsAt is non-nil exactly while the phase is guessing or post_results.
func TestPhaseDeadlineInvariant(t *testing.T) {
	e := newTestEnv(t)
	e.svc.ResultsWindow = time.Hour

	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)
	got, err := e.store.GetMatch(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PhaseEndsAt)

	players := e.joinPlayers(t, m.Code, 1)
	detail, err := e.svc.StartMatch(context.Background(), m.Code, players[0])
	require.NoError(t, err)
	assert.NotNil(t, detail.PhaseEndsAt)

	detail, err = e.svc.ConfirmGuess(context.Background(), m.Code, players[0], 1, 1, 200)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePostResults, detail.Phase)
	assert.NotNil(t, detail.PhaseEndsAt)
}

func TestRestoreSchedulesResumesExpiredPhase(t *testing.T) {
	e := newTestEnv(t)
	e.svc.ResultsWindow = time.Hour

	m, err := e.svc.CreateMatch(context.Background())
	require.NoError(t, err)
	players := e.joinPlayers(t, m.Code, 1)
	_, err = e.svc.StartMatch(context.Background(), m.Code, players[0])
	require.NoError(t, err)

	// Simulate a restart: all in-memory timers are gone and the persisted
	// deadline is already in the past.
	e.svc.Shutdown()
	e.store.mu.Lock()
	past := time.Now().Add(-time.Minute)
	e.store.matches[m.ID].PhaseEndsAt = &past
	e.store.mu.Unlock()

	require.NoError(t, e.svc.RestoreSchedules(context.Background()))

	waitFor(t, 2*time.Second, func() bool {
		got, err := e.store.GetMatch(context.Background(), m.ID)
		return err == nil && got.Phase == models.PhasePostResults
	})

	detail, err := e.store.GetMatchDetail(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, detail.Rounds[0].IsResolved)
	require.Len(t, detail.Rounds[0].Guesses, 1)
	assert.Equal(t, 0, detail.Rounds[0].Guesses[0].Score, "expired guessing phase backfills zero scores")
}
