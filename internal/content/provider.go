// internal/content/provider.go
package content

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/geovox/geovox/internal/models"
)

// ErrInsufficientContent means fewer qualifying clips exist than requested.
var ErrInsufficientContent = errors.New("not enough round content available")

// Provider selects the audio content for a match's rounds. Implementations
// must return exactly count items with stable identifiers, or
// ErrInsufficientContent.
type Provider interface {
	// SelectRoundContent picks count clips. When excludeUser is non-nil,
	// clips that user has already heard are skipped.
	SelectRoundContent(ctx context.Context, count int, excludeUser *uuid.UUID) ([]models.ContentItem, error)
}
