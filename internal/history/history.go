// Package history is the read-side view of finished activity instances used
// to pick rollback targets.
package history

import (
	"context"
	"sort"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// Record is one historic activity instance of a process instance.
type Record struct {
	ActivityID         string              `json:"activity_id"`
	ActivityType       schema.ActivityType `json:"activity_type"`
	ActivityInstanceID string              `json:"activity_instance_id"`
	ProcessInstanceID  string              `json:"process_instance_id"`
	StartTime          time.Time           `json:"start_time"`
	EndTime            *time.Time          `json:"end_time,omitempty"`
	Canceled           bool                `json:"canceled,omitempty"`
	Sequence           int64               `json:"sequence"`
}

// Order is the direction records are sorted by end time.
type Order int

const (
	Ascending Order = iota
	Descending
)

func (o Order) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}

// Provider supplies finished user-task records of a process instance,
// ordered by end time in the requested direction.
type Provider interface {
	QueryCompletedUserTasks(ctx context.Context, processInstanceID string, order Order) ([]Record, error)
}

// Eligible reports whether r may be used as a rollback target: a user task
// that has ended.
func (r Record) Eligible() bool {
	return r.ActivityType == schema.ActivityUserTask && r.EndTime != nil
}

// Eligible returns the eligible records of in, preserving order.
func Eligible(in []Record) []Record {
	out := make([]Record, 0, len(in))
	for _, r := range in {
		if r.Eligible() {
			out = append(out, r)
		}
	}
	return out
}

// Sort orders records by end time in the given direction. Equal end times
// are broken by Sequence (insertion order), ascending for Ascending and
// descending for Descending, so the result is fully deterministic.
// Records without an end time sort last in either direction.
func Sort(records []Record, order Order) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.EndTime == nil || b.EndTime == nil {
			return a.EndTime != nil && b.EndTime == nil
		}
		if !a.EndTime.Equal(*b.EndTime) {
			if order == Descending {
				return a.EndTime.After(*b.EndTime)
			}
			return a.EndTime.Before(*b.EndTime)
		}
		if order == Descending {
			return a.Sequence > b.Sequence
		}
		return a.Sequence < b.Sequence
	})
}
