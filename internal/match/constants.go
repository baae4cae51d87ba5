// internal/match/constants.go
package match

import "time"

// Contract constants. Clients rely on these exact values.
const (
	// MaxRounds is the fixed number of rounds per match.
	MaxRounds = 5

	// GuessWindow is how long a round accepts guesses before timing out.
	GuessWindow = 45 * time.Second

	// ResultsWindow is how long the post_results phase lasts before the next
	// round begins.
	ResultsWindow = 7 * time.Second
)
