package postgres

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"causalstore/pkg/causal"
)

// encodeClock/decodeClock round-trip a Clock through its exported Members
// slice rather than gob-encoding the struct directly: Clock's backing map
// is unexported, so gob would silently drop it.
func encodeClock(c causal.Clock) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c.Members()); err != nil {
		return nil, fmt.Errorf("encode clock: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeClock(data []byte) (causal.Clock, error) {
	var ids []causal.EventId
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ids); err != nil {
		return causal.Clock{}, fmt.Errorf("decode clock: %w", err)
	}
	return causal.NewClock(ids...), nil
}

func encodeBuffers(buffers map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(buffers); err != nil {
		return nil, fmt.Errorf("encode state buffers: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBuffers(data []byte) (map[string][]byte, error) {
	var buffers map[string][]byte
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&buffers); err != nil {
		return nil, fmt.Errorf("decode state buffers: %w", err)
	}
	return buffers, nil
}

func encodeOperations(ops causal.OperationSet) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ops); err != nil {
		return nil, fmt.Errorf("encode operations: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeOperations(data []byte) (causal.OperationSet, error) {
	var ops causal.OperationSet
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ops); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	return ops, nil
}

func encodeAttestations(a causal.AttestationSet) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a.Signatures); err != nil {
		return nil, fmt.Errorf("encode attestations: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeAttestations(data []byte) (causal.AttestationSet, error) {
	var sigs [][]byte
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&sigs); err != nil {
		return causal.AttestationSet{}, fmt.Errorf("decode attestations: %w", err)
	}
	return causal.AttestationSet{Signatures: sigs}, nil
}

// valueToJSON renders a causal.Value into the plain Go value its Kind's
// JSON encoding should produce, for the properties pushdown column.
// Binary-kind values are base64'd by encoding/json's own []byte handling;
// JSON-kind values are decoded and embedded as structured JSON; EntityId
// values render as their hex string, matching causal.EntityId.String.
func valueToJSON(v causal.Value) (any, error) {
	switch v.Kind {
	case causal.ValueTypeString:
		return v.Str, nil
	case causal.ValueTypeI16, causal.ValueTypeI32, causal.ValueTypeI64:
		return v.I, nil
	case causal.ValueTypeF64:
		return v.F, nil
	case causal.ValueTypeBool:
		return v.B, nil
	case causal.ValueTypeEntityId:
		return v.EntityId.String(), nil
	case causal.ValueTypeBinary:
		return v.Bytes, nil
	case causal.ValueTypeJSON:
		var decoded any
		if err := json.Unmarshal(v.Bytes, &decoded); err != nil {
			return nil, fmt.Errorf("valueToJSON: embedded json: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("valueToJSON: unsupported value kind %s", v.Kind)
	}
}

// encodeProperties renders a materialized property map into the jsonb
// pushdown column. A property whose value can't be rendered (an Object
// kind, currently) is simply omitted rather than failing the whole write:
// the column is a best-effort index/filter accelerant, not the source of
// truth (state_buffers is), so a write must never fail because one
// property isn't jsonb-representable.
func encodeProperties(props map[string]causal.Value) ([]byte, error) {
	out := make(map[string]any, len(props))
	for name, v := range props {
		rendered, err := valueToJSON(v)
		if err != nil {
			continue
		}
		out[name] = rendered
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	return data, nil
}
