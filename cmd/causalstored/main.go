// Command causalstored is a single-node causalstore server: Postgres
// storage, an applicator, the reactive live-query engine, and a peer
// transport listener, wired the way the teacher's own internal/grpc-app
// server wires its pgxpool + gRPC server pair, but with this module's own
// storage and transport packages in place of the teacher's dcb/proto ones.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"causalstore/pkg/causal/apply"
	"causalstore/pkg/causal/backend"
	"causalstore/pkg/causal/postgres"
	"causalstore/pkg/causal/reactive"
	"causalstore/pkg/causal/transport"
)

func main() {
	configPath := flag.String("config", "causalstored.yaml", "path to a YAML config file")
	flag.Parse()

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, postgres.Schema); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}

	feed, err := postgres.NewChangeFeed(ctx, pool, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start change feed")
	}
	defer feed.Close()

	backends := backend.NewRegistry()
	store := postgres.NewStore(pool, backends, feed)
	applicator := apply.NewApplicator(store, backends)
	engine := reactive.NewEngine(store, backends)

	go func() {
		for n := range feed.Notifications() {
			if err := engine.Notify(ctx, n.Collection, n.EntityId); err != nil {
				log.Warn().Err(err).Str("collection", string(n.Collection)).Msg("reactive notify failed")
			}
		}
	}()

	handler := newNodeHandler(store, applicator, engine, log)
	server := transport.NewPeerServer(handler, log)

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.ListenAddr).Msg("failed to listen")
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		server.Stop()
	}()

	log.Info().Str("node_id", cfg.NodeId).Str("addr", cfg.ListenAddr).Msg("causalstored starting")
	if err := server.Serve(lis); err != nil {
		log.Fatal().Err(err).Msg("peer server stopped")
	}
}
