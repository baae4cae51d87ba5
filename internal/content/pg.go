// internal/content/pg.go
package content

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geovox/geovox/internal/models"
)

// PGProvider selects round content from the clips table in Postgres.
type PGProvider struct {
	pool *pgxpool.Pool
}

func NewPGProvider(pool *pgxpool.Pool) *PGProvider {
	return &PGProvider{pool: pool}
}

// SelectRoundContent picks count random active clips, optionally skipping
// clips the excluded user has already been served.
func (p *PGProvider) SelectRoundContent(ctx context.Context, count int, excludeUser *uuid.UUID) ([]models.ContentItem, error) {
	q := `
	SELECT c.id, c.speaker_id, c.audio_url
	FROM clips c
	WHERE c.is_active
	`
	args := []interface{}{}
	if excludeUser != nil {
		q += `
	  AND NOT EXISTS (
		SELECT 1 FROM clip_plays cp
		WHERE cp.clip_id = c.id AND cp.user_id = $2
	  )`
		args = append(args, *excludeUser)
	}
	q += `
	ORDER BY random()
	LIMIT $1
	`
	args = append([]interface{}{count}, args...)

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting round content: %w", err)
	}
	defer rows.Close()

	var items []models.ContentItem
	for rows.Next() {
		var it models.ContentItem
		if err := rows.Scan(&it.ClipID, &it.SpeakerID, &it.AudioURL); err != nil {
			return nil, fmt.Errorf("scanning content item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) < count {
		return nil, ErrInsufficientContent
	}
	return items, nil
}
