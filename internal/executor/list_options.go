package executor

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing executions.
type SortOrder int

const (
	// SortByCreatedDesc orders executions by CreatedAt descending (most recent first).
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc orders executions by CreatedAt ascending (oldest first).
	SortByCreatedAsc
)

// ListOptions controls how executions are selected when querying the history.
type ListOptions struct {
	Limit        int
	Offset       int
	Statuses     []Status
	PermissionID string
	ScheduleID   string
	CreatedGTE   int64
	CreatedLTE   int64
	Order        SortOrder
	Query        string
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
	opts.PermissionID = strings.TrimSpace(opts.PermissionID)
	opts.ScheduleID = strings.TrimSpace(opts.ScheduleID)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of executions returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching executions before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters executions by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithPermissionID filters executions attached to the given permission.
func WithPermissionID(id string) ListOption {
	return func(opts *ListOptions) {
		opts.PermissionID = id
	}
}

// WithScheduleID filters executions fired by the given schedule.
func WithScheduleID(id string) ListOption {
	return func(opts *ListOptions) {
		opts.ScheduleID = id
	}
}

// WithCreatedSince filters executions created after the provided instant (inclusive).
func WithCreatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.CreatedGTE = 0
			return
		}
		opts.CreatedGTE = ts.Unix()
	}
}

// WithCreatedUntil filters executions created before the provided instant (inclusive).
func WithCreatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.CreatedLTE = 0
			return
		}
		opts.CreatedLTE = ts.Unix()
	}
}

// WithSortOrder changes the returned order of executions.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters executions by fuzzy matching across the intent
// description, explanation and transaction reference.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
