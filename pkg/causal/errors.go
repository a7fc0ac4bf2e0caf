package causal

import (
	"errors"
	"fmt"
)

// BaseError is the shared error base: an operation name and an optional
// wrapped cause. Every error kind below embeds it, matching the teacher's
// EventStoreError embedding pattern.
type BaseError struct {
	Op  string
	Err error
}

func (e BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e BaseError) Unwrap() error { return e.Err }

// Retrieval errors (spec.md §7): returned from reads.

type EntityNotFoundError struct {
	BaseError
	EntityId EntityId
}

type EventNotFoundError struct {
	BaseError
	EventId EventId
}

type StorageError struct {
	BaseError
}

type ParseError struct {
	BaseError
}

// Mutation errors: returned from writes.

type AccessDeniedError struct {
	BaseError
}

// DivergentHistoriesError is returned when a comparison proves two clocks
// share no common ancestor (CausalRelation Disjoint) and the caller
// expected them to be mergeable.
type DivergentHistoriesError struct {
	BaseError
}

type GeneralError struct {
	BaseError
}

// Causal errors.

// BudgetExceededError carries the frontiers reached when the comparator's
// traversal budget was exhausted, so the caller can resume with a larger
// budget.
type BudgetExceededError struct {
	BaseError
	SubjectFrontier []EventId
	OtherFrontier   []EventId
}

// Request errors (cross-node).

type PeerNotConnectedError struct{ BaseError }
type ConnectionLostError struct{ BaseError }
type SendError struct{ BaseError }
type InternalChannelClosedError struct{ BaseError }

type ServerError struct {
	BaseError
	Payload string
}

type UnexpectedResponseError struct {
	BaseError
	Payload string
}

// Retryable reports whether a RequestError-family error should return the
// subscription relay to PendingRemote (spec.md §4.5 retryability
// classification) rather than Failed.
func Retryable(err error) bool {
	var peerNotConnected *PeerNotConnectedError
	var connectionLost *ConnectionLostError
	var sendErr *SendError
	var channelClosed *InternalChannelClosedError
	return errors.As(err, &peerNotConnected) ||
		errors.As(err, &connectionLost) ||
		errors.As(err, &sendErr) ||
		errors.As(err, &channelClosed)
}

// --- Detection helpers, mirroring the teacher's Is*Error / Get*Error pairs ---

func IsEntityNotFound(err error) bool {
	var e *EntityNotFoundError
	return errors.As(err, &e)
}

func IsStorageError(err error) bool {
	var e *StorageError
	return errors.As(err, &e)
}

func IsDivergentHistories(err error) bool {
	var e *DivergentHistoriesError
	return errors.As(err, &e)
}

func IsBudgetExceeded(err error) bool {
	var e *BudgetExceededError
	return errors.As(err, &e)
}

func GetBudgetExceeded(err error) (*BudgetExceededError, bool) {
	var e *BudgetExceededError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
