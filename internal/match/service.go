// internal/match/service.go
package match

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/geovox/geovox/internal/content"
	"github.com/geovox/geovox/internal/models"
)

// codeAllocRetries bounds how often CreateMatch retries a colliding join code.
const codeAllocRetries = 5

// storeOpTimeout bounds store calls made from timer callbacks, which have no
// request context of their own.
const storeOpTimeout = 10 * time.Second

// Broadcaster is the outbound event sink the transport layer implements. The
// service never talks to sockets directly, which keeps the core testable
// without a real gateway.
type Broadcaster interface {
	// Emit delivers an event to every current subscriber of the match's room,
	// preserving per-room order.
	Emit(matchID uuid.UUID, ev models.Event)
}

// Journal receives a best-effort record of every lifecycle transition for
// the out-of-process history consumer. Implementations must not block match
// flow; the service logs and continues on failure.
type Journal interface {
	Record(ctx context.Context, matchID uuid.UUID, eventType string, payload map[string]interface{}) error
}

// Service owns the per-match state machine: create, join, start, advance,
// finish. All mutation goes through the Store; the per-match lock registry
// and the Scheduler's timer map are the only process-local authoritative
// state, and both are rebuilt from the Store via RestoreSchedules after a
// restart.
type Service struct {
	store    Store
	provider content.Provider
	sched    *Scheduler
	locks    *lockRegistry
	log      *logrus.Logger

	// Broadcaster and Journal are assigned at wiring time. Both are nil-safe.
	Broadcaster Broadcaster
	Journal     Journal

	// GuessWindow and ResultsWindow default to the contract constants.
	// Tests shorten them to exercise timeout paths quickly.
	GuessWindow   time.Duration
	ResultsWindow time.Duration
}

func NewService(store Store, provider content.Provider, logger *logrus.Logger) *Service {
	return &Service{
		store:         store,
		provider:      provider,
		sched:         NewScheduler(),
		locks:         newLockRegistry(),
		log:           logger,
		GuessWindow:   GuessWindow,
		ResultsWindow: ResultsWindow,
	}
}

// Scheduler exposes the phase scheduler, mainly so wiring code can reason
// about pending timers and tests can assert on them.
func (s *Service) Scheduler() *Scheduler { return s.sched }

// CreateMatch allocates a match in waiting/none with a fresh 6-digit join
// code, retrying allocation when the code collides with a live match.
func (s *Service) CreateMatch(ctx context.Context) (*models.Match, error) {
	for attempt := 0; attempt < codeAllocRetries; attempt++ {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("allocating match id: %w", err)
		}
		m := &models.Match{
			ID:        id,
			Code:      randomJoinCode(),
			Status:    models.MatchWaiting,
			Phase:     models.PhaseNone,
			MaxRounds: MaxRounds,
			CreatedAt: time.Now().UTC(),
		}
		err = s.store.InsertMatch(ctx, m)
		if errors.Is(err, ErrCodeTaken) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("inserting match: %w", err)
		}
		s.log.WithFields(logrus.Fields{"match_id": m.ID, "code": m.Code}).Info("Match created")
		return m, nil
	}
	return nil, fmt.Errorf("could not allocate a free join code after %d attempts: %w", codeAllocRetries, ErrCodeTaken)
}

// JoinRoom appends a player to a waiting match and assigns ownership to them
// if the match has none yet. Returns the updated aggregate and whether the
// joiner is now the owner.
func (s *Service) JoinRoom(ctx context.Context, code string, playerID uuid.UUID, playerName string, isGuest bool) (*models.MatchDetail, bool, error) {
	m, err := s.store.GetMatchByCode(ctx, code)
	if err != nil {
		return nil, false, err
	}

	lock := s.locks.Get(m.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; the match may have started meanwhile.
	m, err = s.store.GetMatch(ctx, m.ID)
	if err != nil {
		return nil, false, err
	}
	if m.Status != models.MatchWaiting {
		return nil, false, ErrMatchNotJoinable
	}

	current, err := s.store.GetMatchDetail(ctx, m.ID)
	if err != nil {
		return nil, false, err
	}
	// Order indexes are never reused: a leaver's slot stays retired, so the
	// next joiner gets max+1 rather than the player count.
	next := 0
	for _, pl := range current.Players {
		if pl.OrderIndex >= next {
			next = pl.OrderIndex + 1
		}
	}
	p := &models.MatchPlayer{
		ID:         playerID,
		MatchID:    m.ID,
		Name:       playerName,
		IsGuest:    isGuest,
		OrderIndex: next,
		JoinedAt:   time.Now().UTC(),
	}
	if err := s.store.InsertPlayer(ctx, p); err != nil {
		return nil, false, fmt.Errorf("inserting player: %w", err)
	}
	if err := s.store.AssignOwnerIfNone(ctx, m.ID, p.ID); err != nil {
		return nil, false, fmt.Errorf("assigning owner: %w", err)
	}

	detail, err := s.store.GetMatchDetail(ctx, m.ID)
	if err != nil {
		return nil, false, err
	}
	isOwner := detail.OwnerID != nil && *detail.OwnerID == playerID
	s.record(ctx, m.ID, "player_joined", map[string]interface{}{
		"player_id": playerID.String(),
		"name":      playerName,
	})
	return detail, isOwner, nil
}

// StartMatch materializes all rounds up front from the content provider and
// moves the match to in_progress/guessing in one atomic store operation, then
// arms the guessing timer and broadcasts the first round.
func (s *Service) StartMatch(ctx context.Context, code string, callerID uuid.UUID) (*models.MatchDetail, error) {
	m, err := s.store.GetMatchByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	lock := s.locks.Get(m.ID)
	lock.Lock()
	defer lock.Unlock()

	m, err = s.store.GetMatch(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if m.Status != models.MatchWaiting {
		return nil, ErrMatchNotStartable
	}
	if m.OwnerID == nil || *m.OwnerID != callerID {
		return nil, ErrNotOwner
	}
	players, err := s.store.CountPlayers(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if players == 0 {
		return nil, ErrMatchNotStartable
	}

	// Skip clips the owner has already been served in earlier matches; the
	// owner is the one player guaranteed to be present for the whole match.
	items, err := s.provider.SelectRoundContent(ctx, m.MaxRounds, m.OwnerID)
	if err != nil {
		return nil, err
	}

	rounds := make([]models.MatchRound, 0, len(items))
	for i, it := range items {
		rid, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("allocating round id: %w", err)
		}
		rounds = append(rounds, models.MatchRound{
			ID:         rid,
			MatchID:    m.ID,
			RoundIndex: i,
			ClipID:     it.ClipID,
		})
	}

	now := time.Now().UTC()
	phaseEndsAt := now.Add(s.GuessWindow)
	if err := s.store.StartMatch(ctx, m.ID, rounds, now, phaseEndsAt); err != nil {
		return nil, fmt.Errorf("starting match: %w", err)
	}
	s.armPhaseTimer(m.ID, models.PhaseGuessing, 0, phaseEndsAt)

	detail, err := s.store.GetMatchDetail(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	s.emit(m.ID, models.Event{Type: models.EventNewRound, Match: detail})
	s.record(ctx, m.ID, "match_started", map[string]interface{}{"rounds": len(rounds)})
	s.log.WithFields(logrus.Fields{"match_id": m.ID, "code": m.Code}).Info("Match started")
	return detail, nil
}

// RemovePlayerFromMatch removes a player and returns the updated aggregate
// for broadcast. It does not touch phase or timing: a round short one player
// resolves on the next guess or on timeout.
func (s *Service) RemovePlayerFromMatch(ctx context.Context, code string, playerID uuid.UUID) (*models.MatchDetail, bool, error) {
	m, err := s.store.GetMatchByCode(ctx, code)
	if err != nil {
		return nil, false, err
	}

	lock := s.locks.Get(m.ID)
	lock.Lock()
	defer lock.Unlock()

	removed, err := s.store.RemovePlayer(ctx, m.ID, playerID)
	if err != nil {
		return nil, false, fmt.Errorf("removing player: %w", err)
	}
	detail, err := s.store.GetMatchDetail(ctx, m.ID)
	if err != nil {
		return nil, false, err
	}
	if removed {
		s.record(ctx, m.ID, "player_left", map[string]interface{}{"player_id": playerID.String()})
	}
	return detail, removed, nil
}

// RestoreSchedules re-arms phase timers for every in-progress match from its
// persisted deadline. Deadlines that passed while the process was down fire
// immediately.
func (s *Service) RestoreSchedules(ctx context.Context) error {
	matches, err := s.store.ListInProgress(ctx)
	if err != nil {
		return fmt.Errorf("listing in-progress matches: %w", err)
	}
	for _, m := range matches {
		if m.PhaseEndsAt == nil {
			continue
		}
		s.armPhaseTimer(m.ID, m.Phase, m.CurrentRoundIndex, *m.PhaseEndsAt)
		s.log.WithFields(logrus.Fields{
			"match_id": m.ID,
			"phase":    m.Phase,
			"ends_at":  m.PhaseEndsAt,
		}).Info("Restored phase timer")
	}
	return nil
}

// Shutdown cancels every pending phase timer.
func (s *Service) Shutdown() {
	s.sched.CancelAll()
}

// armPhaseTimer schedules the phase deadline for a match, replacing any
// pending timer. The timer remembers which (phase, round) it was armed for:
// a stale timer that lost the race against an early resolution finds the
// match in a different phase or round and does nothing.
func (s *Service) armPhaseTimer(matchID uuid.UUID, phase models.MatchPhase, roundIndex int, deadline time.Time) {
	s.sched.Arm(matchID, time.Until(deadline), func() {
		s.onPhaseDeadline(matchID, phase, roundIndex)
	})
}

// onPhaseDeadline runs when a match's phase timer fires. It serializes with
// guess ingestion through the per-match lock; the armed-for guard plus the
// resolved-round check make a duplicate or superseded firing a no-op. A
// fault here is contained to this match.
func (s *Service) onPhaseDeadline(matchID uuid.UUID, armedPhase models.MatchPhase, armedRound int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("match_id", matchID).Errorf("Panic in phase timer: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	lock := s.locks.Get(matchID)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMatch(ctx, matchID)
	if errors.Is(err, ErrNotFound) {
		return // match gone; stale timer
	}
	if err != nil {
		s.log.WithField("match_id", matchID).Warnf("Phase timer could not load match: %v", err)
		return
	}
	if m.Phase != armedPhase || m.CurrentRoundIndex != armedRound {
		return // superseded by an earlier transition
	}

	switch m.Phase {
	case models.PhaseGuessing:
		if _, err := s.resolveCurrentRound(ctx, m, true); err != nil {
			s.log.WithField("match_id", matchID).Warnf("Timeout resolution failed: %v", err)
		}
	case models.PhasePostResults:
		if err := s.advanceRound(ctx, m); err != nil {
			s.log.WithField("match_id", matchID).Warnf("Round advance failed: %v", err)
		}
	default:
		// Stale timer against a waiting or finished match.
	}
}

// resolveCurrentRound flips the current round to resolved and the match to
// post_results. Caller must hold the match lock. When backfillMissing is set
// (timeout path), every player without a guess receives a zero-score guess.
// If the round is already resolved this is a no-op returning the current
// aggregate, which is the idempotency guard both the timer and the resolver
// rely on.
func (s *Service) resolveCurrentRound(ctx context.Context, m *models.Match, backfillMissing bool) (*models.MatchDetail, error) {
	detail, err := s.store.GetMatchDetail(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	round := detail.CurrentRound()
	if round == nil {
		return nil, ErrNotFound
	}
	if round.IsResolved {
		return detail, nil
	}

	var backfill []models.PlayerGuess
	if backfillMissing {
		for _, p := range detail.Players {
			answered := false
			for _, g := range round.Guesses {
				if g.PlayerID == p.ID {
					answered = true
					break
				}
			}
			if answered {
				continue
			}
			gid, err := uuid.NewV7()
			if err != nil {
				return nil, fmt.Errorf("allocating guess id: %w", err)
			}
			backfill = append(backfill, models.PlayerGuess{
				ID:        gid,
				RoundID:   round.ID,
				PlayerID:  p.ID,
				Score:     0,
				CreatedAt: time.Now().UTC(),
			})
		}
	}

	now := time.Now().UTC()
	phaseEndsAt := now.Add(s.ResultsWindow)
	if err := s.store.ResolveRound(ctx, m.ID, round.ID, backfill, now, phaseEndsAt); err != nil {
		return nil, fmt.Errorf("resolving round %d: %w", round.RoundIndex, err)
	}
	s.armPhaseTimer(m.ID, models.PhasePostResults, round.RoundIndex, phaseEndsAt)

	detail, err = s.store.GetMatchDetail(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	s.emit(m.ID, models.Event{Type: models.EventRoundResults, Match: detail})
	s.record(ctx, m.ID, "round_resolved", map[string]interface{}{
		"round_index": round.RoundIndex,
		"backfilled":  len(backfill),
	})
	return detail, nil
}

// advanceRound moves a post_results match to the next guessing round, or
// finishes the match when the last round has been played. Caller must hold
// the match lock.
func (s *Service) advanceRound(ctx context.Context, m *models.Match) error {
	next := m.CurrentRoundIndex + 1
	now := time.Now().UTC()

	if next >= m.MaxRounds {
		if err := s.store.FinishMatch(ctx, m.ID, now); err != nil {
			return fmt.Errorf("finishing match: %w", err)
		}
		s.sched.Cancel(m.ID)
		detail, err := s.store.GetMatchDetail(ctx, m.ID)
		if err != nil {
			return err
		}
		s.emit(m.ID, models.Event{Type: models.EventMatchFinished, Match: detail})
		s.record(ctx, m.ID, "match_finished", nil)
		s.locks.Forget(m.ID)
		s.log.WithFields(logrus.Fields{"match_id": m.ID, "code": m.Code}).Info("Match finished")
		return nil
	}

	phaseEndsAt := now.Add(s.GuessWindow)
	if err := s.store.AdvanceRound(ctx, m.ID, next, phaseEndsAt); err != nil {
		return fmt.Errorf("advancing to round %d: %w", next, err)
	}
	s.armPhaseTimer(m.ID, models.PhaseGuessing, next, phaseEndsAt)

	detail, err := s.store.GetMatchDetail(ctx, m.ID)
	if err != nil {
		return err
	}
	s.emit(m.ID, models.Event{Type: models.EventNewRound, Match: detail})
	s.record(ctx, m.ID, "new_round", map[string]interface{}{"round_index": next})
	return nil
}

func (s *Service) emit(matchID uuid.UUID, ev models.Event) {
	if s.Broadcaster == nil {
		return
	}
	s.Broadcaster.Emit(matchID, ev)
}

func (s *Service) record(ctx context.Context, matchID uuid.UUID, eventType string, payload map[string]interface{}) {
	if s.Journal == nil {
		return
	}
	if err := s.Journal.Record(ctx, matchID, eventType, payload); err != nil {
		s.log.WithField("match_id", matchID).Warnf("Journal record failed for %s: %v", eventType, err)
	}
}

// randomJoinCode returns a 6-digit public code. Codes need not be globally
// unique at allocation time; the store rejects duplicates and CreateMatch
// retries.
func randomJoinCode() string {
	return fmt.Sprintf("%06d", rand.Intn(1000000))
}
