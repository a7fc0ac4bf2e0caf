package causal

// State is a per-entity snapshot: one serialized buffer per backend plus
// the head Clock covering every event incorporated into those buffers.
type State struct {
	StateBuffers map[string][]byte
	Head         Clock
}

// EntityState names the entity and collection a State belongs to.
type EntityState struct {
	EntityId   EntityId
	Collection CollectionId
	State      State
}

// AttestationSet is an opaque bag of signatures/proofs. The core treats
// attestations as a passthrough envelope and never inspects their
// contents.
type AttestationSet struct {
	Signatures [][]byte
}

// Attested wraps any payload with an AttestationSet. Generic so it can
// envelope Event, State, or EntityState without boilerplate per payload
// type.
type Attested[T any] struct {
	Payload      T
	Attestations AttestationSet
}

func Attest[T any](payload T, attestations ...[]byte) Attested[T] {
	return Attested[T]{Payload: payload, Attestations: AttestationSet{Signatures: attestations}}
}

// Unattested wraps a payload with no attestations, for local-origin data
// that has not yet been signed.
func Unattested[T any](payload T) Attested[T] {
	return Attested[T]{Payload: payload}
}
