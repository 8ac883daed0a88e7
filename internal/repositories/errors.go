package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	req, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert violates a unique constraint, e.g.
// a duplicate idempotency key or a duplicate event id.
var ErrConflict = errors.New("record already exists")

// ErrAlreadyClaimed is returned by Complete/Fail/Process/Requeue/FailExpired
// when the CAS on the row's status column lost the race — another claimant
// got there first, or the row already reached a terminal state. Claim does
// not return it: a lost claim race yields (nil, nil). Per spec.md §4.1: "a retry that
// hits a stale status returns alreadyClaimed rather than mutating".
var ErrAlreadyClaimed = errors.New("row already claimed or in a terminal state")
