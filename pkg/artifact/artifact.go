// Package artifact persists generated outputs. Artifacts are append-only:
// stores insert and list, nothing updates or deletes.
package artifact

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/finitoshi/chibi/pkg/models"
)

// Store is an append-only artifact log.
type Store interface {
	Save(ctx context.Context, a models.Artifact) (string, error)
	List(ctx context.Context, limit int) ([]models.Artifact, error)
	Close() error
}

// Prepare assigns an id and creation time to a new artifact when unset.
func Prepare(a models.Artifact, now time.Time) models.Artifact {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now.UTC()
	}
	return a
}
