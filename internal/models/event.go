// internal/models/event.go
package models

import "github.com/google/uuid"

// EventType tags every message the server pushes to a match room.
type EventType string

const (
	EventMatchJoined    EventType = "match_joined"
	EventPlayerJoined   EventType = "player_joined"
	EventPlayerLeft     EventType = "player_left"
	EventGuessSubmitted EventType = "guess_submitted"
	EventRoundResults   EventType = "round_results"
	EventNewRound       EventType = "new_round"
	EventMatchFinished  EventType = "match_finished"
	EventError          EventType = "error"
	EventPong           EventType = "pong"
)

// Event is the single broadcast envelope. Every payload that carries match
// state uses the same MatchDetail aggregate, so serialization is one code
// path for all responses and broadcasts.
type Event struct {
	Type     EventType    `json:"type"`
	Match    *MatchDetail `json:"match,omitempty"`
	IsOwner  *bool        `json:"isOwner,omitempty"`
	PlayerID *uuid.UUID   `json:"playerId,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// ErrorEvent builds an error envelope for a single connection.
func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Message: msg}
}
