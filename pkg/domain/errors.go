package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrStaleLot is matched by every StaleLotError.
	ErrStaleLot = errors.New("stale lot revision")
)

// NotFoundError names the missing record.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StaleLotError is returned by Transaction.UpdateLot when the caller planned
// against a revision that has since been superseded.
type StaleLotError struct {
	LotID    string
	Expected int64
	Actual   int64
}

func (e StaleLotError) Error() string {
	return fmt.Sprintf("lot %q revision %d is stale (current %d)", e.LotID, e.Expected, e.Actual)
}

// Is lets errors.Is(err, ErrStaleLot) match.
func (e StaleLotError) Is(target error) bool {
	return target == ErrStaleLot
}
