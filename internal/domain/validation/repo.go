package validation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ResultRepository stores validation records. Search filters on "flow",
// "structure", "control_id", "valid" and "source".
type ResultRepository interface {
	Create(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Record, int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
