// internal/match/errors.go
package match

import (
	"errors"

	"github.com/geovox/geovox/internal/content"
)

var (
	// ErrNotFound means no match has the given code, or the current round
	// cannot be located (including guesses against a finished match).
	ErrNotFound = errors.New("match not found")

	// ErrCodeTaken is returned by the store when a freshly allocated join
	// code collides with a live match. CreateMatch retries on it.
	ErrCodeTaken = errors.New("join code already taken")

	// ErrDuplicateGuess rejects a second guess for the same (round, player)
	// pair. Duplicates never count toward round resolution.
	ErrDuplicateGuess = errors.New("player already guessed this round")

	// ErrMatchNotJoinable rejects joins once a match has left the waiting
	// state.
	ErrMatchNotJoinable = errors.New("match is not accepting players")

	// ErrMatchNotStartable rejects starting a match that is not waiting or
	// has no players.
	ErrMatchNotStartable = errors.New("match cannot be started")

	// ErrNotOwner rejects a start request from anyone but the room owner.
	ErrNotOwner = errors.New("only the room owner may start the match")
)

// ErrInsufficientContent is surfaced to the starter when fewer qualifying
// clips exist than the match needs. The match stays in waiting.
var ErrInsufficientContent = content.ErrInsufficientContent
