// internal/models/match.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// MatchStatus tracks the coarse lifecycle of a match.
type MatchStatus string

const (
	MatchWaiting    MatchStatus = "waiting"
	MatchInProgress MatchStatus = "in_progress"
	MatchFinished   MatchStatus = "finished"
)

// MatchPhase is the sub-state of an in-progress match. It is meaningful only
// while Status == MatchInProgress.
type MatchPhase string

const (
	PhaseNone        MatchPhase = "none"
	PhaseGuessing    MatchPhase = "guessing"
	PhasePostResults MatchPhase = "post_results"
	PhaseFinished    MatchPhase = "finished"
)

// Match is one multiplayer session, identified publicly by a 6-digit join code.
// PhaseEndsAt is non-nil exactly while Phase is guessing or post_results.
type Match struct {
	ID                uuid.UUID   `json:"id"`
	Code              string      `json:"code"`
	Status            MatchStatus `json:"status"`
	Phase             MatchPhase  `json:"phase"`
	CurrentRoundIndex int         `json:"currentRoundIndex"`
	MaxRounds         int         `json:"maxRounds"`
	OwnerID           *uuid.UUID  `json:"ownerId"`
	PhaseEndsAt       *time.Time  `json:"phaseEndsAt"`
	CreatedAt         time.Time   `json:"createdAt"`
	StartedAt         *time.Time  `json:"startedAt"`
	EndedAt           *time.Time  `json:"endedAt"`
}

// MatchPlayer is a participant in a match. OrderIndex is the dense join order
// starting at 0; it is assigned once and never reused.
type MatchPlayer struct {
	ID         uuid.UUID `json:"id"`
	MatchID    uuid.UUID `json:"matchId"`
	Name       string    `json:"name"`
	IsGuest    bool      `json:"isGuest"`
	OrderIndex int       `json:"orderIndex"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// MatchRound is one audio challenge within a match. At most one round per
// match is unresolved at a time, and its RoundIndex equals the match's
// CurrentRoundIndex.
type MatchRound struct {
	ID         uuid.UUID  `json:"id"`
	MatchID    uuid.UUID  `json:"matchId"`
	RoundIndex int        `json:"roundIndex"`
	ClipID     uuid.UUID  `json:"clipId"`
	IsResolved bool       `json:"isResolved"`
	EndedAt    *time.Time `json:"endedAt"`
}

// PlayerGuess is a player's coordinate answer for one round, with the score
// computed by the scoring collaborator. At most one guess exists per
// (RoundID, PlayerID) pair.
type PlayerGuess struct {
	ID        uuid.UUID `json:"id"`
	RoundID   uuid.UUID `json:"roundId"`
	PlayerID  uuid.UUID `json:"playerId"`
	GuessLng  float64   `json:"guessLng"`
	GuessLat  float64   `json:"guessLat"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoundDetail is a round with its guesses, ordered by submission time.
type RoundDetail struct {
	MatchRound
	Guesses []PlayerGuess `json:"guesses"`
}

// MatchDetail is the full aggregate shared by every broadcast and response
// path: the match, its players ordered by join order, and its rounds ordered
// by round index with nested guesses.
type MatchDetail struct {
	Match
	Players []MatchPlayer `json:"players"`
	Rounds  []RoundDetail `json:"rounds"`
}

// PlayerByID returns the player with the given id, or nil.
func (d *MatchDetail) PlayerByID(id uuid.UUID) *MatchPlayer {
	for i := range d.Players {
		if d.Players[i].ID == id {
			return &d.Players[i]
		}
	}
	return nil
}

// CurrentRound returns the round matching CurrentRoundIndex, or nil.
func (d *MatchDetail) CurrentRound() *RoundDetail {
	for i := range d.Rounds {
		if d.Rounds[i].RoundIndex == d.CurrentRoundIndex {
			return &d.Rounds[i]
		}
	}
	return nil
}
