// internal/match/store.go
package match

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/geovox/geovox/internal/models"
)

// Store is the transactional persistence collaborator. It is the single
// source of truth for match state: repeated reads after a write observe that
// write, and the multi-row operations (StartMatch, ResolveRound) are atomic.
type Store interface {
	// InsertMatch creates a new match row. Returns ErrCodeTaken if another
	// live match holds the same join code.
	InsertMatch(ctx context.Context, m *models.Match) error

	// GetMatchByCode returns the match with the given public code, or
	// ErrNotFound.
	GetMatchByCode(ctx context.Context, code string) (*models.Match, error)

	// GetMatch returns the match with the given id, or ErrNotFound.
	GetMatch(ctx context.Context, id uuid.UUID) (*models.Match, error)

	// GetMatchDetail returns the full aggregate: players ordered by join
	// order, rounds ordered by round index with nested guesses.
	GetMatchDetail(ctx context.Context, id uuid.UUID) (*models.MatchDetail, error)

	// ListInProgress returns all matches with status in_progress, for
	// re-arming phase timers after a restart.
	ListInProgress(ctx context.Context) ([]models.Match, error)

	// InsertPlayer appends a player to a match.
	InsertPlayer(ctx context.Context, p *models.MatchPlayer) error

	// RemovePlayer deletes a player (guesses cascade). The bool reports
	// whether a row was actually removed.
	RemovePlayer(ctx context.Context, matchID, playerID uuid.UUID) (bool, error)

	// AssignOwnerIfNone sets the match owner to the given player only if the
	// match has no owner yet. Idempotent.
	AssignOwnerIfNone(ctx context.Context, matchID, playerID uuid.UUID) error

	// CountPlayers returns the number of players currently in the match.
	CountPlayers(ctx context.Context, matchID uuid.UUID) (int, error)

	// StartMatch atomically creates all rounds and moves the match to
	// in_progress/guessing with round index 0. A crash never leaves rounds
	// without a phase or a phase without rounds.
	StartMatch(ctx context.Context, matchID uuid.UUID, rounds []models.MatchRound, startedAt, phaseEndsAt time.Time) error

	// InsertGuess persists a guess. The bool is false when a guess for the
	// same (round, player) pair already exists; nothing is written then.
	InsertGuess(ctx context.Context, g *models.PlayerGuess) (bool, error)

	// CountGuesses returns the number of guesses recorded for a round.
	CountGuesses(ctx context.Context, roundID uuid.UUID) (int, error)

	// ResolveRound atomically marks the round resolved, inserts any backfill
	// guesses, and moves the match to post_results with the given deadline.
	ResolveRound(ctx context.Context, matchID, roundID uuid.UUID, backfill []models.PlayerGuess, endedAt, phaseEndsAt time.Time) error

	// AdvanceRound moves the match to the next guessing phase.
	AdvanceRound(ctx context.Context, matchID uuid.UUID, nextIndex int, phaseEndsAt time.Time) error

	// FinishMatch terminates the match: status finished, phase finished,
	// phaseEndsAt cleared.
	FinishMatch(ctx context.Context, matchID uuid.UUID, endedAt time.Time) error
}
