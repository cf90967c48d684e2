package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"bbsns.org/internal/bridge"
	"bbsns.org/internal/chain"
	"bbsns.org/internal/config"
	"bbsns.org/internal/governance"
	pgstore "bbsns.org/internal/governance/pg"
	"bbsns.org/internal/httpapi"
	"bbsns.org/internal/obs"
	"bbsns.org/internal/signing"
	"bbsns.org/internal/stream"
)

var version = "0.3.1"

const expireSweepInterval = 30 * time.Second

func main() {
	obs.Init()
	obs.InitBuildInfo(version, "")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.EthRPCURL == "" {
		log.Fatal("missing BBSNS_ETH_RPC_URL")
	}
	if !common.IsHexAddress(cfg.MultisigContract) {
		log.Fatal("BBSNS_MULTISIG_CONTRACT must be a hex address")
	}
	wallet := common.HexToAddress(cfg.MultisigContract)
	target := common.HexToAddress(cfg.TargetContract)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	client, err := chain.DialEthereum(ctx, cfg.EthRPCURL, wallet, uint64(cfg.ChainID), cfg.RelayerKey)
	cancel()
	if err != nil {
		log.Fatalf("dial ethereum: %v", err)
	}

	// Proposal storage: Postgres when a DSN is set, in-process otherwise.
	var (
		store   governance.Store
		signers governance.SignerDirectory
		ready   httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		pg, err := pgstore.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pg.DB().Close()
		store = pg
		signers = pg
		ready = httpapi.ReadyProbe{DB: pg.DB()}
	} else {
		log.Print("no BBSNS_PG_DSN, using in-memory proposal store")
		store = governance.NewInMemory()
		signers = governance.NewStaticDirectory(nil)
	}

	// Session storage: Redis when configured, in-process otherwise.
	var sessions signing.SessionStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		sessions = signing.NewRedisStore(redis.NewClient(opts))
	} else {
		sessions = signing.NewMemoryStore()
	}

	engine := governance.NewEngine(store, signers, chain.SettingsThreshold{Client: client})
	broker := signing.NewBroker(sessions, cfg.SigningBaseURL)
	br := bridge.New(store, client, engine, target, wallet, cfg.ChainID)
	events := stream.New()

	api := httpapi.New(httpapi.Options{
		Ready:    ready,
		Version:  version,
		Engine:   engine,
		Signers:  signers,
		Broker:   broker,
		Bridge:   br,
		Chain:    client,
		Stream:   events,
		Contract: wallet,

		RateBurst:     cfg.RateBurst,
		RatePerSecond: cfg.RatePerSecond,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Deadline sweep so abandoned proposals settle even without traffic.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(expireSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if _, err := engine.ExpireStale(sweepCtx); err != nil {
					log.Printf("expire sweep: %v", err)
				}
			}
		}
	}()

	log.Printf("Starting bbsns-governance %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}
