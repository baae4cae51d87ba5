// internal/match/resolver.go
package match

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/geovox/geovox/internal/models"
)

// ConfirmGuess persists a player's guess for the current round and, when the
// guess count reaches the match's current player count, performs the same
// resolve-round transition the guessing timer would have — immediately,
// without waiting for the timer. The timer exists purely as a liveness
// backstop for players who never answer.
//
// The returned aggregate reflects the guess (and any resolution it caused);
// the caller is responsible for broadcasting it.
func (s *Service) ConfirmGuess(ctx context.Context, code string, playerID uuid.UUID, guessLng, guessLat float64, score int) (*models.MatchDetail, error) {
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
	if m.Status != models.MatchInProgress || m.Phase != models.PhaseGuessing {
		// Covers finished matches and the post_results window alike: there is
		// no round currently accepting guesses.
		return nil, ErrNotFound
	}

	detail, err := s.store.GetMatchDetail(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	round := detail.CurrentRound()
	if round == nil || round.IsResolved {
		return nil, ErrNotFound
	}
	if detail.PlayerByID(playerID) == nil {
		return nil, ErrNotFound
	}

	gid, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("allocating guess id: %w", err)
	}
	inserted, err := s.store.InsertGuess(ctx, &models.PlayerGuess{
		ID:        gid,
		RoundID:   round.ID,
		PlayerID:  playerID,
		GuessLng:  guessLng,
		GuessLat:  guessLat,
		Score:     score,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("inserting guess: %w", err)
	}
	if !inserted {
		return nil, ErrDuplicateGuess
	}

	guessed, err := s.store.CountGuesses(ctx, round.ID)
	if err != nil {
		return nil, err
	}
	players := len(detail.Players)
	if players > 0 && guessed >= players {
		// Everyone answered: resolve now. No backfill is needed and the
		// pending guessing timer is superseded by the post_results timer
		// armed inside resolveCurrentRound.
		return s.resolveCurrentRound(ctx, m, false)
	}

	return s.store.GetMatchDetail(ctx, m.ID)
}
