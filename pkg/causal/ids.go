// Package causal defines the identity, clock, event, and state primitives
// shared by the causal DAG engine, the entity applicator, the query
// planner, the filter engine, and the subscription relay.
package causal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// EntityId is a 128-bit opaque, lexicographically ordered identifier.
type EntityId [16]byte

// NewEntityId generates a random EntityId.
func NewEntityId() EntityId {
	return EntityId(uuid.New())
}

func (id EntityId) String() string { return hex.EncodeToString(id[:]) }

// Compare returns -1, 0, or 1 per the usual ordering contract.
func (id EntityId) Compare(other EntityId) int {
	for i := range id {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (id EntityId) Less(other EntityId) bool { return id.Compare(other) < 0 }

// EventId is a 256-bit content hash of an Event's canonical bytes. Identity
// is content: two events with the same canonical encoding have the same id,
// which is how redelivery is detected.
type EventId [32]byte

// DeriveEventId hashes the canonical bytes of an event into an EventId.
func DeriveEventId(canonicalBytes []byte) EventId {
	return EventId(sha256.Sum256(canonicalBytes))
}

func (id EventId) String() string { return hex.EncodeToString(id[:]) }

func (id EventId) Compare(other EventId) int {
	for i := range id {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (id EventId) Less(other EventId) bool { return id.Compare(other) < 0 }

func (id EventId) IsZero() bool { return id == EventId{} }

// TransactionId, QueryId, RequestId, and SubscriptionId are ULID-like
// monotonically sortable identifiers, matching the teacher's preference for
// typed, sortable front-door ids (go.jetify.com/typeid) without pulling the
// full typeid prefix-encoding machinery into the core packages. They sort by
// creation time, but no code in this module depends on that order: the relay
// keeps subscriptions in an unordered map, and the transport client matches
// responses to requests by RequestId equality alone.
type (
	TransactionId  ulid.ULID
	QueryId        ulid.ULID
	RequestId      ulid.ULID
	SubscriptionId ulid.ULID
)

func NewTransactionId() TransactionId   { return TransactionId(ulid.Make()) }
func NewQueryId() QueryId               { return QueryId(ulid.Make()) }
func NewRequestId() RequestId           { return RequestId(ulid.Make()) }
func NewSubscriptionId() SubscriptionId { return SubscriptionId(ulid.Make()) }

func (id TransactionId) String() string  { return ulid.ULID(id).String() }
func (id QueryId) String() string        { return ulid.ULID(id).String() }
func (id RequestId) String() string      { return ulid.ULID(id).String() }
func (id SubscriptionId) String() string { return ulid.ULID(id).String() }

// CollectionId is an opaque string interned per-node, naming a collection
// of entities sharing a schema (e.g. "album", "track").
type CollectionId string

func (c CollectionId) String() string { return string(c) }

func (c CollectionId) Validate() error {
	if c == "" {
		return fmt.Errorf("collection id must not be empty")
	}
	return nil
}
