package postgres_test

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"causalstore/pkg/causal"
	"causalstore/pkg/causal/backend"
	"causalstore/pkg/causal/postgres"
)

func TestPostgresStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Postgres Storage Suite")
}

var (
	ctx      context.Context
	pool     *pgxpool.Pool
	teardown func()
	store    *postgres.Store
	feed     *postgres.ChangeFeed
)

var _ = BeforeSuite(func() {
	ctx = context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "secret",
			"POSTGRES_USER":     "user",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	postgresC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	Expect(err).NotTo(HaveOccurred())

	host, err := postgresC.Host(ctx)
	Expect(err).NotTo(HaveOccurred())
	port, err := postgresC.MappedPort(ctx, "5432")
	Expect(err).NotTo(HaveOccurred())

	dsn := fmt.Sprintf("postgres://user:secret@%s:%s/testdb?sslmode=disable", host, port.Port())
	pool, err = postgres.NewPool(ctx, postgres.Config{DSN: dsn})
	Expect(err).NotTo(HaveOccurred())

	Eventually(func() error { return pool.Ping(ctx) }, 10*time.Second, 200*time.Millisecond).Should(Succeed())

	_, err = pool.Exec(ctx, postgres.Schema)
	Expect(err).NotTo(HaveOccurred())

	feed, err = postgres.NewChangeFeed(ctx, pool, zerolog.Nop())
	Expect(err).NotTo(HaveOccurred())

	store = postgres.NewStore(pool, backend.NewRegistry(), feed)

	teardown = func() {
		if feed != nil {
			feed.Close()
		}
		if postgresC != nil {
			logsReader, err := postgresC.Logs(ctx)
			if err == nil {
				defer logsReader.Close()
				io.Copy(GinkgoWriter, logsReader)
			}
		}
		if pool != nil {
			pool.Close()
		}
		if postgresC != nil {
			_ = postgresC.Terminate(ctx)
		}
	}
})

var _ = AfterSuite(func() {
	if teardown != nil {
		teardown()
	}
})

func lwwEntityState(collection causal.CollectionId, id causal.EntityId, field string, value causal.Value, eventID causal.EventId) causal.Attested[causal.EntityState] {
	op, err := backend.EncodeLWWSet(field, value, eventID)
	Expect(err).NotTo(HaveOccurred())
	lww := backend.NewLWW()
	Expect(lww.ApplyOps([][]byte{op})).To(Succeed())
	buf, err := lww.EmitState()
	Expect(err).NotTo(HaveOccurred())

	return causal.Unattested(causal.EntityState{
		EntityId:   id,
		Collection: collection,
		State: causal.State{
			StateBuffers: map[string][]byte{backend.LWWName: buf},
			Head:         causal.NewClock(eventID),
		},
	})
}

var _ = Describe("Store", func() {

	BeforeEach(func() {
		_, err := pool.Exec(ctx, "TRUNCATE TABLE causal_entity_states, causal_events")
		Expect(err).NotTo(HaveOccurred())
	})

	It("round-trips SetState/GetState", func() {
		id := causal.NewEntityId()
		var eventID causal.EventId
		eventID[0] = 1
		state := lwwEntityState("album", id, "title", causal.StringValue("Harvest"), eventID)

		Expect(store.SetState(ctx, state)).To(Succeed())

		got, err := store.GetState(ctx, "album", id)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Payload.EntityId).To(Equal(id))
		Expect(got.Payload.State.Head.Contains(eventID)).To(BeTrue())
	})

	It("returns EntityNotFoundError for an unknown id", func() {
		_, err := store.GetState(ctx, "album", causal.NewEntityId())
		Expect(err).To(HaveOccurred())
		Expect(causal.IsEntityNotFound(err)).To(BeTrue())
	})

	It("is idempotent on re-setting an identical head", func() {
		id := causal.NewEntityId()
		var eventID causal.EventId
		eventID[0] = 2
		state := lwwEntityState("album", id, "title", causal.StringValue("Harvest"), eventID)

		Expect(store.SetState(ctx, state)).To(Succeed())
		Expect(store.SetState(ctx, state)).To(Succeed())

		got, err := store.GetState(ctx, "album", id)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Payload.State.Head.Len()).To(Equal(1))
	})

	It("filters FetchStates by a materialized property", func() {
		var e1, e2 causal.EventId
		e1[0], e2[0] = 10, 11
		idA, idB := causal.NewEntityId(), causal.NewEntityId()

		Expect(store.SetState(ctx, lwwEntityState("album", idA, "status", causal.StringValue("active"), e1))).To(Succeed())
		Expect(store.SetState(ctx, lwwEntityState("album", idB, "status", causal.StringValue("retired"), e2))).To(Succeed())

		selection := causal.Selection{
			Predicate: causal.Comparison(
				causal.PathExprOf(causal.NewPath("status")),
				causal.OpEqual,
				causal.LiteralExpr(causal.StringValue("active")),
			),
		}
		got, err := store.FetchStates(ctx, "album", selection)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(1))
		Expect(got[0].Payload.EntityId).To(Equal(idA))
	})

	It("round-trips AddEvent/GetEvents idempotently", func() {
		id := causal.NewEntityId()
		op, err := backend.EncodeLWWSet("title", causal.StringValue("x"), causal.EventId{})
		Expect(err).NotTo(HaveOccurred())
		event := causal.Unattested(causal.Event{
			Collection: "album",
			EntityId:   id,
			Operations: causal.OperationSet{backend.LWWName: [][]byte{op}},
		})

		Expect(store.AddEvent(ctx, event)).To(Succeed())
		Expect(store.AddEvent(ctx, event)).To(Succeed())

		got, err := store.GetEvents(ctx, "album", []causal.EventId{event.Payload.Id()})
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(1))
	})

	It("delivers a change notification over the feed", func() {
		id := causal.NewEntityId()
		var eventID causal.EventId
		eventID[0] = 99
		state := lwwEntityState("track", id, "title", causal.StringValue("Old Man"), eventID)

		Expect(store.SetState(ctx, state)).To(Succeed())

		Eventually(feed.Notifications(), 5*time.Second, 50*time.Millisecond).Should(Receive(Equal(postgres.Notification{
			Collection: "track",
			EntityId:   id,
		})))
	})
})
