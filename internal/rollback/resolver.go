package rollback

import (
	"context"
	"fmt"

	"github.com/rendis/procflow/internal/history"
	"github.com/rendis/procflow/pkg/schema"
)

// Resolver maps a rollback policy to the activity id execution resumes at.
type Resolver struct {
	history history.Provider
}

// NewResolver creates a Resolver reading finished user tasks from p.
func NewResolver(p history.Provider) *Resolver {
	return &Resolver{history: p}
}

// Resolve returns the target activity id for policy. ToTarget never touches
// the history provider.
func (r *Resolver) Resolve(ctx context.Context, processInstanceID string, policy Policy) (string, error) {
	switch p := policy.(type) {
	case ToTarget:
		if p.ActivityID == "" {
			return "", schema.NewError(schema.ErrCodeInvalidInput, "explicit target node must not be blank")
		}
		return p.ActivityID, nil
	case ToStart:
		return r.first(ctx, processInstanceID, history.Ascending, "no originating drafting node found")
	case ToLast:
		return r.first(ctx, processInstanceID, history.Descending, "no prior node found")
	default:
		return "", schema.NewErrorf(schema.ErrCodeInvalidInput, "unsupported rollback policy %T", policy)
	}
}

func (r *Resolver) first(ctx context.Context, processInstanceID string, order history.Order, emptyMsg string) (string, error) {
	records, err := r.history.QueryCompletedUserTasks(ctx, processInstanceID, order)
	if err != nil {
		return "", fmt.Errorf("query completed user tasks (%s): %w", order, err)
	}
	records = history.Eligible(records)
	if len(records) == 0 {
		return "", schema.NewError(schema.ErrCodeNotFound, emptyMsg).
			WithDetails(map[string]any{"process_instance_id": processInstanceID})
	}
	return records[0].ActivityID, nil
}
