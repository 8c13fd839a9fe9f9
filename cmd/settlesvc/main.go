package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/crash-services/configs"
	gamecfg "github.com/avvvet/crash-services/internal/gamesvc/config"
	"github.com/avvvet/crash-services/internal/gamesvc/db"
	"github.com/avvvet/crash-services/internal/gamesvc/settlement"
	"github.com/avvvet/crash-services/internal/gamesvc/store"
)

const SERVICE_NAME = "settle"

var instanceId string

func init() {
	config.LoadEnv(SERVICE_NAME)
	instanceId = config.CreateUniqueInstance(SERVICE_NAME)
	config.Logging(SERVICE_NAME + "_service_" + instanceId[:8])
}

func main() {
	cfg := gamecfg.Load()
	if !cfg.LedgerEnabled() {
		log.Fatal("LEDGER_RPC_URL and LEDGER_CONTRACT are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// pg connection
	dbpool, err := db.Connect(cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.ClosePool()
	log.Printf("pg connection established successfully")

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	ledger, err := settlement.DialEthLedger(dialCtx, cfg.LedgerRPCURL, cfg.LedgerContract, cfg.LedgerPrivateKey)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to ledger: %v", err)
	}
	defer ledger.Close()

	relay := settlement.NewRelay(ledger, store.NewOutboxStore(dbpool), store.NewBetStore(dbpool))
	relay.MaxAttempts = cfg.SettleAttempts * 2

	// several workers may run, SKIP LOCKED keeps them off each other's rows
	log.Infof("%s service polling outbox every %s", SERVICE_NAME, cfg.SettlePoll)
	if err := relay.Run(ctx, cfg.SettlePoll); err != nil {
		log.Errorf("%s service stopped: %v", SERVICE_NAME, err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
