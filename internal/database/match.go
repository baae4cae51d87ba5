// internal/database/match.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geovox/geovox/internal/match"
	"github.com/geovox/geovox/internal/models"
)

// MatchStore implements match.Store on Postgres. All multi-row writes run
// inside a single transaction so a crash never leaves rounds without a phase
// or a phase without rounds.
type MatchStore struct {
	pool *pgxpool.Pool
}

func NewMatchStore(pool *pgxpool.Pool) *MatchStore {
	return &MatchStore{pool: pool}
}

const matchColumns = `
	id, code, status, phase, current_round_index, max_rounds,
	owner_id, phase_ends_at, created_at, started_at, ended_at`

func scanMatch(row pgx.Row) (*models.Match, error) {
	var m models.Match
	err := row.Scan(
		&m.ID, &m.Code, &m.Status, &m.Phase, &m.CurrentRoundIndex, &m.MaxRounds,
		&m.OwnerID, &m.PhaseEndsAt, &m.CreatedAt, &m.StartedAt, &m.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, match.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMatch creates a new match row. A join-code collision against a live
// match surfaces as match.ErrCodeTaken so the caller can retry allocation.
func (s *MatchStore) InsertMatch(ctx context.Context, m *models.Match) error {
	q := `
	INSERT INTO matches (id, code, status, phase, current_round_index, max_rounds, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, q,
		m.ID, m.Code, m.Status, m.Phase, m.CurrentRoundIndex, m.MaxRounds, m.CreatedAt,
	)
	if isUniqueViolation(err) {
		return match.ErrCodeTaken
	}
	return err
}

func (s *MatchStore) GetMatchByCode(ctx context.Context, code string) (*models.Match, error) {
	q := `SELECT ` + matchColumns + ` FROM matches WHERE code = $1 AND status <> 'finished'`
	return scanMatch(s.pool.QueryRow(ctx, q, code))
}

func (s *MatchStore) GetMatch(ctx context.Context, id uuid.UUID) (*models.Match, error) {
	q := `SELECT ` + matchColumns + ` FROM matches WHERE id = $1`
	return scanMatch(s.pool.QueryRow(ctx, q, id))
}

func (s *MatchStore) ListInProgress(ctx context.Context) ([]models.Match, error) {
	q := `SELECT ` + matchColumns + ` FROM matches WHERE status = 'in_progress'`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []models.Match
	for rows.Next() {
		var m models.Match
		if err := rows.Scan(
			&m.ID, &m.Code, &m.Status, &m.Phase, &m.CurrentRoundIndex, &m.MaxRounds,
			&m.OwnerID, &m.PhaseEndsAt, &m.CreatedAt, &m.StartedAt, &m.EndedAt,
		); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// GetMatchDetail reads the full aggregate: players in join order, rounds in
// round order, guesses in submission order.
func (s *MatchStore) GetMatchDetail(ctx context.Context, id uuid.UUID) (*models.MatchDetail, error) {
	m, err := s.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &models.MatchDetail{Match: *m}

	playersQ := `
	SELECT id, match_id, name, is_guest, order_index, joined_at
	FROM match_players
	WHERE match_id = $1
	ORDER BY order_index
	`
	rows, err := s.pool.Query(ctx, playersQ, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p models.MatchPlayer
		if err := rows.Scan(&p.ID, &p.MatchID, &p.Name, &p.IsGuest, &p.OrderIndex, &p.JoinedAt); err != nil {
			return nil, err
		}
		detail.Players = append(detail.Players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	roundsQ := `
	SELECT id, match_id, round_index, clip_id, is_resolved, ended_at
	FROM match_rounds
	WHERE match_id = $1
	ORDER BY round_index
	`
	rrows, err := s.pool.Query(ctx, roundsQ, id)
	if err != nil {
		return nil, err
	}
	defer rrows.Close()
	for rrows.Next() {
		var r models.MatchRound
		if err := rrows.Scan(&r.ID, &r.MatchID, &r.RoundIndex, &r.ClipID, &r.IsResolved, &r.EndedAt); err != nil {
			return nil, err
		}
		detail.Rounds = append(detail.Rounds, models.RoundDetail{MatchRound: r})
	}
	if err := rrows.Err(); err != nil {
		return nil, err
	}

	if len(detail.Rounds) > 0 {
		guessesQ := `
		SELECT g.id, g.round_id, g.player_id, g.guess_lng, g.guess_lat, g.score, g.created_at
		FROM player_guesses g
		JOIN match_rounds r ON r.id = g.round_id
		WHERE r.match_id = $1
		ORDER BY r.round_index, g.created_at
		`
		grows, err := s.pool.Query(ctx, guessesQ, id)
		if err != nil {
			return nil, err
		}
		defer grows.Close()
		byRound := make(map[uuid.UUID][]models.PlayerGuess)
		for grows.Next() {
			var g models.PlayerGuess
			if err := grows.Scan(&g.ID, &g.RoundID, &g.PlayerID, &g.GuessLng, &g.GuessLat, &g.Score, &g.CreatedAt); err != nil {
				return nil, err
			}
			byRound[g.RoundID] = append(byRound[g.RoundID], g)
		}
		if err := grows.Err(); err != nil {
			return nil, err
		}
		for i := range detail.Rounds {
			detail.Rounds[i].Guesses = byRound[detail.Rounds[i].ID]
		}
	}

	return detail, nil
}

func (s *MatchStore) InsertPlayer(ctx context.Context, p *models.MatchPlayer) error {
	q := `
	INSERT INTO match_players (id, match_id, name, is_guest, order_index, joined_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, q, p.ID, p.MatchID, p.Name, p.IsGuest, p.OrderIndex, p.JoinedAt)
	return err
}

func (s *MatchStore) RemovePlayer(ctx context.Context, matchID, playerID uuid.UUID) (bool, error) {
	q := `DELETE FROM match_players WHERE match_id = $1 AND id = $2`
	tag, err := s.pool.Exec(ctx, q, matchID, playerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *MatchStore) AssignOwnerIfNone(ctx context.Context, matchID, playerID uuid.UUID) error {
	q := `UPDATE matches SET owner_id = $2 WHERE id = $1 AND owner_id IS NULL`
	_, err := s.pool.Exec(ctx, q, matchID, playerID)
	return err
}

func (s *MatchStore) CountPlayers(ctx context.Context, matchID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM match_players WHERE match_id = $1`, matchID).Scan(&n)
	return n, err
}

// StartMatch creates every round and flips the match to in_progress/guessing
// in one transaction.
func (s *MatchStore) StartMatch(ctx context.Context, matchID uuid.UUID, rounds []models.MatchRound, startedAt, phaseEndsAt time.Time) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		insQ := `
		INSERT INTO match_rounds (id, match_id, round_index, clip_id, is_resolved)
		VALUES ($1, $2, $3, $4, false)
		`
		for _, r := range rounds {
			if _, err := tx.Exec(ctx, insQ, r.ID, r.MatchID, r.RoundIndex, r.ClipID); err != nil {
				return err
			}
		}
		updQ := `
		UPDATE matches
		SET status = 'in_progress', phase = 'guessing',
		    current_round_index = 0, started_at = $2, phase_ends_at = $3
		WHERE id = $1 AND status = 'waiting'
		`
		tag, err := tx.Exec(ctx, updQ, matchID, startedAt, phaseEndsAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return match.ErrMatchNotStartable
		}
		return nil
	})
}

// InsertGuess writes a guess unless the player already answered this round.
func (s *MatchStore) InsertGuess(ctx context.Context, g *models.PlayerGuess) (bool, error) {
	q := `
	INSERT INTO player_guesses (id, round_id, player_id, guess_lng, guess_lat, score, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (round_id, player_id) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, q, g.ID, g.RoundID, g.PlayerID, g.GuessLng, g.GuessLat, g.Score, g.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *MatchStore) CountGuesses(ctx context.Context, roundID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM player_guesses WHERE round_id = $1`, roundID).Scan(&n)
	return n, err
}

// ResolveRound marks the round resolved, backfills missing guesses, and moves
// the match to post_results, all atomically. The is_resolved predicate keeps
// a duplicate invocation from double-writing.
func (s *MatchStore) ResolveRound(ctx context.Context, matchID, roundID uuid.UUID, backfill []models.PlayerGuess, endedAt, phaseEndsAt time.Time) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		resQ := `
		UPDATE match_rounds SET is_resolved = true, ended_at = $2
		WHERE id = $1 AND NOT is_resolved
		`
		tag, err := tx.Exec(ctx, resQ, roundID, endedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("round %s already resolved", roundID)
		}

		insQ := `
		INSERT INTO player_guesses (id, round_id, player_id, guess_lng, guess_lat, score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (round_id, player_id) DO NOTHING
		`
		for _, g := range backfill {
			if _, err := tx.Exec(ctx, insQ, g.ID, g.RoundID, g.PlayerID, g.GuessLng, g.GuessLat, g.Score, g.CreatedAt); err != nil {
				return err
			}
		}

		updQ := `UPDATE matches SET phase = 'post_results', phase_ends_at = $2 WHERE id = $1`
		_, err = tx.Exec(ctx, updQ, matchID, phaseEndsAt)
		return err
	})
}

func (s *MatchStore) AdvanceRound(ctx context.Context, matchID uuid.UUID, nextIndex int, phaseEndsAt time.Time) error {
	q := `
	UPDATE matches
	SET phase = 'guessing', current_round_index = $2, phase_ends_at = $3
	WHERE id = $1 AND status = 'in_progress'
	`
	_, err := s.pool.Exec(ctx, q, matchID, nextIndex, phaseEndsAt)
	return err
}

func (s *MatchStore) FinishMatch(ctx context.Context, matchID uuid.UUID, endedAt time.Time) error {
	q := `
	UPDATE matches
	SET status = 'finished', phase = 'finished', phase_ends_at = NULL, ended_at = $2
	WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, q, matchID, endedAt)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
