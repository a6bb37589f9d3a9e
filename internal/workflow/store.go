package workflow

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Update for an unknown id.
	ErrNotFound = errors.New("case record not found")

	// ErrExists is returned by Create for a duplicate id.
	ErrExists = errors.New("case record already exists")

	// ErrUnknownField is returned by QueryByField for a field that is not indexed.
	ErrUnknownField = errors.New("unknown query field")
)

// Store is the persistence interface for case records.
type Store interface {
	Get(ctx context.Context, id string) (*Result, bool, error)
	Create(ctx context.Context, r *Result) error
	Update(ctx context.Context, r *Result) error
	// QueryByField returns records whose field equals value, newest first.
	QueryByField(ctx context.Context, field, value string) ([]*Result, error)
}

// Notifier sends notifications about finished cases.
type Notifier interface {
	Notify(ctx context.Context, r *Result) error
}
