package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	config "github.com/avvvet/crash-services/configs"
	"github.com/avvvet/crash-services/internal/gamesvc/broker"
	gamecfg "github.com/avvvet/crash-services/internal/gamesvc/config"
	"github.com/avvvet/crash-services/internal/gamesvc/db"
	"github.com/avvvet/crash-services/internal/gamesvc/engine"
	handlers "github.com/avvvet/crash-services/internal/gamesvc/handlers"
	"github.com/avvvet/crash-services/internal/gamesvc/service"
	"github.com/avvvet/crash-services/internal/gamesvc/settlement"
	"github.com/avvvet/crash-services/internal/gamesvc/store"
	"github.com/avvvet/crash-services/internal/lease"
	nats "github.com/avvvet/crash-services/internal/nats"
)

const SERVICE_NAME = "game"

const leaseKey = "crash:engine:leader"

var instanceId string

func init() {
	config.LoadEnv(SERVICE_NAME)
	instanceId = config.CreateUniqueInstance(SERVICE_NAME)
	config.Logging(SERVICE_NAME + "_service_" + instanceId[:8])
}

func main() {
	cfg := gamecfg.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// pg connection
	dbpool, err := db.Connect(cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.ClosePool()
	log.Printf("pg connection established successfully")

	roundStore := store.NewRoundStore(dbpool)
	betStore := store.NewBetStore(dbpool)
	outboxStore := store.NewOutboxStore(dbpool)
	leaderboardService := service.NewLeaderboardService(store.NewLeaderboardStore(dbpool))
	historyService := service.NewHistoryService(store.NewHistoryStore(dbpool))
	roundService := service.NewRoundService(roundStore, cfg.HouseEdgeBps)

	var ledger settlement.Ledger = settlement.NoopLedger{}
	if cfg.LedgerEnabled() {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		eth, err := settlement.DialEthLedger(dialCtx, cfg.LedgerRPCURL, cfg.LedgerContract, cfg.LedgerPrivateKey)
		cancel()
		if err != nil {
			log.Fatalf("Failed to connect to ledger: %v", err)
		}
		defer eth.Close()
		ledger = eth
		log.Infof("ledger relay enabled for contract %s", cfg.LedgerContract)
	} else {
		log.Warn("ledger not configured, snapshots stay in the outbox only")
	}
	snapshotter := settlement.NewSnapshotter(ledger, outboxStore, cfg)

	// Connect to NATS
	n, err := nats.Connect(SERVICE_NAME + "_service")
	if err != nil {
		log.Fatalf("Error: unable to connect to NATS server %v", err)
	}
	defer n.Conn.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	b := broker.NewBroker(n.Conn, nil)
	e := engine.New(cfg, engine.Deps{
		Rounds:      roundStore,
		Bets:        betStore,
		Leaderboard: leaderboardService,
		History:     historyService,
		Settlement:  snapshotter,
		Publisher:   b,
	})
	b.SetGame(e)

	deps := handlers.Deps{
		Game:        e,
		Leaderboard: leaderboardService,
		History:     historyService,
		Verifier:    roundService,
		Outbox:      outboxStore,
	}

	// with a redis url only the lease holder drives rounds, others wait
	var l *lease.Lease
	if cfg.RedisURL != "" {
		client, err := lease.Dial(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer client.Close()

		l = lease.New(client, leaseKey, instanceId, cfg.LeaseTTL)
		log.Infof("waiting for engine lease %s", leaseKey)
		if err := l.Acquire(ctx); err != nil {
			log.Infof("%s service stopped before taking the lease", SERVICE_NAME)
			return
		}
		defer func() {
			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.Release(relCtx); err != nil {
				log.Warnf("lease release failed: %v", err)
			}
		}()
	}

	run(ctx, cfg, e, b, snapshotter, l, deps)
}

func run(ctx context.Context, cfg gamecfg.Config, e *engine.Engine, b *broker.Broker,
	snapshotter *settlement.Snapshotter, l *lease.Lease, deps handlers.Deps) {

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.Run(gctx)
	})
	if l != nil {
		g.Go(func() error {
			return l.Keep(gctx)
		})
	}

	sub, err := b.QueueSubscribeCommands(SERVICE_NAME + "_service")
	if err != nil {
		log.Fatalf("Error: unable to subscribe to queue %v", err)
	}
	defer sub.Unsubscribe()

	// Setup router
	r := chi.NewRouter()
	c := config.CORS()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(c.Handler)

	// to protect the service api from any over requests
	r.Use(httprate.LimitByIP(cfg.RateLimit, 1*time.Minute))

	// Init handlers and routes
	h := handlers.NewHandler(SERVICE_NAME, cfg.Port, deps)
	debugToken, _ := strconv.ParseBool(os.Getenv("JWT_DEBUG"))
	h.InitAuth(os.Getenv("JWT_SECRET_KEY"), debugToken)
	h.SetRoutes(r)

	// Create server with timeout settings
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	log.Infof("%s service running at port %s", SERVICE_NAME, server.Addr)

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("%s service stopped: %v", SERVICE_NAME, err)
	}

	// let in-flight ledger relays reach the outbox
	snapshotter.Wait()
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
