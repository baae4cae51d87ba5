// internal/models/content.go
package models

import "github.com/google/uuid"

// ContentItem is one playable round content reference supplied by the content
// provider: a speaker's audio clip. The clip id is the stable identifier the
// round stores.
type ContentItem struct {
	ClipID    uuid.UUID `json:"clipId"`
	SpeakerID uuid.UUID `json:"speakerId"`
	AudioURL  string    `json:"audioUrl"`
}
