package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"causalstore/pkg/causal"
	"causalstore/pkg/causal/backend"
	"causalstore/pkg/causal/filter"
	"causalstore/pkg/causal/planner"
)

// primaryKeyPath is the property name the planner treats as the physical
// row key for every collection this Store serves: entity_id, matching the
// table's own primary-key column.
const primaryKeyPath = "entity_id"

// Store is the pgx-backed causal.StorageCollection and causal.EventSource
// implementation, grounded on pkg/dcb/postgres/store.go's
// pool-holding-struct-plus-per-method-SQL shape. One Store instance serves
// every collection (the "collection" column discriminates rows), mirroring
// the teacher's own single shared events table rather than one table per
// stream.
//
// Store holds its own backend.Registry rather than depending on
// pkg/causal/apply.Applicator: decoding a State's buffers into materialized
// properties for the jsonb pushdown column is a storage-layer concern here
// (populating a column this package owns), and reaching up into the
// application layer for it would invert the module's dependency direction.
type Store struct {
	pool     *pgxpool.Pool
	backends *backend.Registry
	planner  *planner.Planner
	notifier *ChangeFeed
}

// NewStore builds a Store over pool. reg supplies the property backends
// used to materialize the properties pushdown column; notifier, if
// non-nil, is sent a Notification after every write that actually changes
// stored state.
func NewStore(pool *pgxpool.Pool, reg *backend.Registry, notifier *ChangeFeed) *Store {
	return &Store{
		pool:     pool,
		backends: reg,
		planner:  planner.NewPlanner(planner.FullSupportConfig()),
		notifier: notifier,
	}
}

var _ causal.StorageCollection = (*Store)(nil)
var _ causal.EventSource = (*Store)(nil)

// propertyValues decodes every backend buffer in state and merges their
// materialized properties into one map, mirroring
// apply.Applicator.PropertyValues's decode loop without importing it.
func (s *Store) propertyValues(state causal.State) (map[string]causal.Value, error) {
	out := make(map[string]causal.Value, len(state.StateBuffers))
	for name, buf := range state.StateBuffers {
		b, err := s.backends.New(name)
		if err != nil {
			return nil, err
		}
		if len(buf) > 0 {
			if err := b.MergeState(buf); err != nil {
				return nil, storageErr("postgres.propertyValues", err)
			}
		}
		for k, v := range b.PropertyValues() {
			out[k] = v
		}
	}
	return out, nil
}

// SetState upserts an entity's state. The write is a no-op (RowsAffected
// 0) when the stored head_clock is identical to the incoming one, the
// Postgres rendering of spec.md §6.1's "idempotent if called with an equal
// or older head" — exact causal precedence between an older and a merely
// different head would require a DAG walk this method has no budget for,
// so only the equal-head fast path is special-cased; anything else is
// treated as a change and overwrites.
func (s *Store) SetState(ctx context.Context, state causal.Attested[causal.EntityState]) error {
	changed, err := s.setState(ctx, state)
	if err != nil {
		return err
	}
	if changed && s.notifier != nil {
		s.notifier.notifyLocal(state.Payload.Collection, state.Payload.EntityId)
	}
	return nil
}

func (s *Store) setState(ctx context.Context, state causal.Attested[causal.EntityState]) (bool, error) {
	entity := state.Payload

	props, err := s.propertyValues(entity.State)
	if err != nil {
		return false, err
	}
	propsJSON, err := encodeProperties(props)
	if err != nil {
		return false, storageErr("postgres.SetState", err)
	}
	buffers, err := encodeBuffers(entity.State.StateBuffers)
	if err != nil {
		return false, storageErr("postgres.SetState", err)
	}
	head, err := encodeClock(entity.State.Head)
	if err != nil {
		return false, storageErr("postgres.SetState", err)
	}
	attestations, err := encodeAttestations(state.Attestations)
	if err != nil {
		return false, storageErr("postgres.SetState", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO causal_entity_states (collection, entity_id, state_buffers, head_clock, properties, attestations)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (collection, entity_id) DO UPDATE SET
			state_buffers = EXCLUDED.state_buffers,
			head_clock    = EXCLUDED.head_clock,
			properties    = EXCLUDED.properties,
			attestations  = EXCLUDED.attestations,
			updated_at    = now()
		WHERE causal_entity_states.head_clock IS DISTINCT FROM EXCLUDED.head_clock
	`, string(entity.Collection), entity.EntityId[:], buffers, head, propsJSON, attestations)
	if err != nil {
		return false, storageErr("postgres.SetState", fmt.Errorf("upsert: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

// GetState fetches one entity's current state.
func (s *Store) GetState(ctx context.Context, collection causal.CollectionId, id causal.EntityId) (causal.Attested[causal.EntityState], error) {
	row := s.pool.QueryRow(ctx, `
		SELECT state_buffers, head_clock, attestations
		FROM causal_entity_states
		WHERE collection = $1 AND entity_id = $2
	`, string(collection), id[:])

	var buffersData, headData, attestData []byte
	if err := row.Scan(&buffersData, &headData, &attestData); err != nil {
		if err == pgx.ErrNoRows {
			return causal.Attested[causal.EntityState]{}, entityNotFound("postgres.GetState", id)
		}
		return causal.Attested[causal.EntityState]{}, storageErr("postgres.GetState", err)
	}

	return s.decodeEntityState(collection, id, buffersData, headData, attestData)
}

func (s *Store) decodeEntityState(collection causal.CollectionId, id causal.EntityId, buffersData, headData, attestData []byte) (causal.Attested[causal.EntityState], error) {
	buffers, err := decodeBuffers(buffersData)
	if err != nil {
		return causal.Attested[causal.EntityState]{}, storageErr("postgres.decodeEntityState", err)
	}
	head, err := decodeClock(headData)
	if err != nil {
		return causal.Attested[causal.EntityState]{}, storageErr("postgres.decodeEntityState", err)
	}
	attestations, err := decodeAttestations(attestData)
	if err != nil {
		return causal.Attested[causal.EntityState]{}, storageErr("postgres.decodeEntityState", err)
	}

	return causal.Attested[causal.EntityState]{
		Payload: causal.EntityState{
			EntityId:   id,
			Collection: collection,
			State:      causal.State{StateBuffers: buffers, Head: head},
		},
		Attestations: attestations,
	}, nil
}

// entityRow is a Filterable wrapper over one decoded row's materialized
// properties, the shape filter.Apply needs to re-evaluate a Selection's
// predicate exactly, regardless of how far the chosen scan plan narrowed
// the underlying SQL query.
type entityRow struct {
	attested   causal.Attested[causal.EntityState]
	collection causal.CollectionId
	props      map[string]causal.Value
}

func (r entityRow) Collection() causal.CollectionId { return r.collection }

func (r entityRow) Value(name string) (causal.Value, bool) {
	if name == primaryKeyPath {
		return causal.EntityIdValue(r.attested.Payload.EntityId), true
	}
	v, ok := r.props[name]
	return v, ok
}

// FetchStates scans every row in collection, applies selection's predicate
// exactly via the filter engine, then sorts and truncates per OrderBy/
// Limit. The query planner is consulted only to push a primary-key range
// down into SQL when selection's bounds happen to cover entity_id
// directly — it narrows what's scanned, it never decides correctness.
func (s *Store) FetchStates(ctx context.Context, collection causal.CollectionId, selection causal.Selection) ([]causal.Attested[causal.EntityState], error) {
	plans := s.planner.Plan(selection, primaryKeyPath)
	if len(plans) == 1 && plans[0].Kind == planner.PlanEmptyScan {
		return nil, nil
	}

	sqlQuery, args := s.buildFetchSQL(collection, plans)

	rows, err := s.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, storageErr("postgres.FetchStates", err)
	}
	defer rows.Close()

	var candidates []entityRow
	for rows.Next() {
		var idData, buffersData, headData, attestData []byte
		if err := rows.Scan(&idData, &buffersData, &headData, &attestData); err != nil {
			return nil, storageErr("postgres.FetchStates", err)
		}
		var id causal.EntityId
		copy(id[:], idData)

		attested, err := s.decodeEntityState(collection, id, buffersData, headData, attestData)
		if err != nil {
			return nil, err
		}
		props, err := s.propertyValues(attested.Payload.State)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, entityRow{attested: attested, collection: collection, props: props})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("postgres.FetchStates", err)
	}

	results := filter.Apply(candidates, selection.Predicate)
	matched := make([]entityRow, 0, len(results))
	for _, r := range results {
		switch r.Kind {
		case filter.Pass:
			matched = append(matched, r.Item)
		case filter.Errored:
			return nil, storageErr("postgres.FetchStates", r.Err)
		}
	}

	sortByOrderBy(matched, selection.OrderBy)

	if selection.Limit != nil && len(matched) > *selection.Limit {
		matched = matched[:*selection.Limit]
	}

	out := make([]causal.Attested[causal.EntityState], len(matched))
	for i, m := range matched {
		out[i] = m.attested
	}
	return out, nil
}

// buildFetchSQL builds the collection-scoped SELECT, optionally narrowed
// by a primary-key range extracted from the first candidate plan bounding
// entity_id, in whichever direction that plan scans.
func (s *Store) buildFetchSQL(collection causal.CollectionId, plans []planner.Plan) (string, []any) {
	query := `SELECT entity_id, state_buffers, head_clock, attestations FROM causal_entity_states WHERE collection = $1`
	args := []any{string(collection)}

	if low, high, ok := primaryKeyRange(plans); ok {
		if low.IsValue() {
			args = append(args, low.Value().EntityId[:])
			op := ">="
			if !low.Inclusive() {
				op = ">"
			}
			query += fmt.Sprintf(" AND entity_id %s $%d", op, len(args))
		}
		if high.IsValue() {
			args = append(args, high.Value().EntityId[:])
			op := "<="
			if !high.Inclusive() {
				op = "<"
			}
			query += fmt.Sprintf(" AND entity_id %s $%d", op, len(args))
		}
	}

	query += " ORDER BY entity_id"
	return query, args
}

// primaryKeyRange finds the first plan whose bounds include a component on
// primaryKeyPath and returns its Low/High endpoints.
func primaryKeyRange(plans []planner.Plan) (planner.Endpoint, planner.Endpoint, bool) {
	for _, p := range plans {
		for _, comp := range p.Bounds.Keyparts {
			if comp.Column == primaryKeyPath {
				return comp.Low, comp.High, true
			}
		}
	}
	return planner.Endpoint{}, planner.Endpoint{}, false
}

// sortByOrderBy sorts matched in place per order, falling back to
// primaryKeyPath ascending when order is empty, for deterministic
// pagination even on unordered selections.
func sortByOrderBy(matched []entityRow, order []causal.OrderByItem) {
	sort.SliceStable(matched, func(i, j int) bool {
		for _, item := range order {
			vi, oki := matched[i].Value(item.Path.First())
			vj, okj := matched[j].Value(item.Path.First())
			if !oki || !okj {
				continue
			}
			cmp, err := vi.Compare(vj)
			if err != nil || cmp == 0 {
				continue
			}
			if item.Direction == causal.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return matched[i].attested.Payload.EntityId.Less(matched[j].attested.Payload.EntityId)
	})
}

// AddEvent appends an event, idempotent on its content-derived id.
func (s *Store) AddEvent(ctx context.Context, event causal.Attested[causal.Event]) error {
	e := event.Payload
	ops, err := encodeOperations(e.Operations)
	if err != nil {
		return storageErr("postgres.AddEvent", err)
	}
	parent, err := encodeClock(e.Parent)
	if err != nil {
		return storageErr("postgres.AddEvent", err)
	}
	attestations, err := encodeAttestations(event.Attestations)
	if err != nil {
		return storageErr("postgres.AddEvent", err)
	}

	id := e.Id()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO causal_events (event_id, collection, entity_id, operations, parent_clock, attestations)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`, id[:], string(e.Collection), e.EntityId[:], ops, parent, attestations)
	if err != nil {
		return storageErr("postgres.AddEvent", err)
	}
	return nil
}

// GetEvents retrieves events by id; ids with no matching row are simply
// absent from the result, per causal.StorageCollection's contract.
func (s *Store) GetEvents(ctx context.Context, collection causal.CollectionId, ids []causal.EventId) ([]causal.Attested[causal.Event], error) {
	if len(ids) == 0 {
		return nil, nil
	}
	idBytes := make([][]byte, len(ids))
	for i, id := range ids {
		idBytes[i] = id[:]
	}

	rows, err := s.pool.Query(ctx, `
		SELECT entity_id, operations, parent_clock, attestations
		FROM causal_events
		WHERE collection = $1 AND event_id = ANY($2)
	`, string(collection), idBytes)
	if err != nil {
		return nil, storageErr("postgres.GetEvents", err)
	}
	defer rows.Close()

	return s.scanEvents(rows, collection)
}

// DumpEntityEvents returns every event ever recorded for one entity.
func (s *Store) DumpEntityEvents(ctx context.Context, collection causal.CollectionId, id causal.EntityId) ([]causal.Attested[causal.Event], error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_id, operations, parent_clock, attestations
		FROM causal_events
		WHERE collection = $1 AND entity_id = $2
	`, string(collection), id[:])
	if err != nil {
		return nil, storageErr("postgres.DumpEntityEvents", err)
	}
	defer rows.Close()

	return s.scanEvents(rows, collection)
}

func (s *Store) scanEvents(rows pgx.Rows, collection causal.CollectionId) ([]causal.Attested[causal.Event], error) {
	var out []causal.Attested[causal.Event]
	for rows.Next() {
		var idData, opsData, parentData, attestData []byte
		if err := rows.Scan(&idData, &opsData, &parentData, &attestData); err != nil {
			return nil, storageErr("postgres.scanEvents", err)
		}

		var entityId causal.EntityId
		copy(entityId[:], idData)
		ops, err := decodeOperations(opsData)
		if err != nil {
			return nil, storageErr("postgres.scanEvents", err)
		}
		parent, err := decodeClock(parentData)
		if err != nil {
			return nil, storageErr("postgres.scanEvents", err)
		}
		attestations, err := decodeAttestations(attestData)
		if err != nil {
			return nil, storageErr("postgres.scanEvents", err)
		}

		out = append(out, causal.Attested[causal.Event]{
			Payload: causal.Event{
				Collection: collection,
				EntityId:   entityId,
				Operations: ops,
				Parent:     parent,
			},
			Attestations: attestations,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("postgres.scanEvents", err)
	}
	return out, nil
}

// RetrieveEvent satisfies causal.EventSource for the DAG comparator. Events
// are collection-scoped in storage but content-addressed by id alone, so
// this issues an unscoped lookup by event_id.
func (s *Store) RetrieveEvent(ctx context.Context, id causal.EventId) (causal.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT collection, entity_id, operations, parent_clock
		FROM causal_events
		WHERE event_id = $1
	`, id[:])

	var collection string
	var idData, opsData, parentData []byte
	if err := row.Scan(&collection, &idData, &opsData, &parentData); err != nil {
		if err == pgx.ErrNoRows {
			return causal.Event{}, &causal.EventNotFoundError{
				BaseError: causal.BaseError{Op: "postgres.RetrieveEvent", Err: fmt.Errorf("event not found: %s", id)},
				EventId:   id,
			}
		}
		return causal.Event{}, storageErr("postgres.RetrieveEvent", err)
	}

	var entityId causal.EntityId
	copy(entityId[:], idData)
	ops, err := decodeOperations(opsData)
	if err != nil {
		return causal.Event{}, storageErr("postgres.RetrieveEvent", err)
	}
	parent, err := decodeClock(parentData)
	if err != nil {
		return causal.Event{}, storageErr("postgres.RetrieveEvent", err)
	}

	return causal.Event{
		Collection: causal.CollectionId(collection),
		EntityId:   entityId,
		Operations: ops,
		Parent:     parent,
	}, nil
}
