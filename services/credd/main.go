package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"blockcreds/contentstore"
	"blockcreds/issuer"
	"blockcreds/ledger"
	"blockcreds/observability/logging"
	"blockcreds/services/credd/config"
	"blockcreds/services/credd/middleware"
	"blockcreds/services/credd/server"
	"blockcreds/storage"
	chainsync "blockcreds/sync"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/credd/config.yaml", "path to credd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BLOCKCREDS_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("credd: load config: %v", err)
	}

	var rotation *logging.FileRotation
	if cfg.Logging.File != "" {
		rotation = &logging.FileRotation{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		}
	}
	logger := logging.Setup("credd", env, rotation)

	store, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("credd: open storage: %v", err)
	}
	defer store.Close()

	if !common.IsHexAddress(cfg.Ledger.ContractAddress) {
		log.Fatalf("credd: invalid contract address %q", cfg.Ledger.ContractAddress)
	}
	client, err := ledger.Dial(cfg.Ledger.RPCURL, common.HexToAddress(cfg.Ledger.ContractAddress))
	if err != nil {
		log.Fatalf("credd: dial ledger: %v", err)
	}

	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.Ledger.PrivateKey), "0x"))
	if err != nil {
		log.Fatalf("credd: parse signing key: %v", err)
	}
	submitter, err := ledger.NewSubmitter(client, key, ledger.SubmitterConfig{
		ChainID:      big.NewInt(cfg.Ledger.ChainID),
		GasLimit:     cfg.Ledger.GasLimit,
		Retries:      cfg.Ledger.Retries,
		ConfirmWait:  cfg.Ledger.ConfirmWait.Duration,
		PollInterval: cfg.Ledger.PollInterval.Duration,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("credd: submitter: %v", err)
	}

	pinner, err := contentstore.NewClient(cfg.ContentStore.Endpoint, cfg.ContentStore.JWT)
	if err != nil {
		log.Fatalf("credd: content store: %v", err)
	}

	service, err := issuer.New(issuer.Config{
		Store:     store,
		Submitter: submitter,
		Uploader:  pinner,
		VerifyURL: cfg.API.VerifyURL,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("credd: issuance service: %v", err)
	}

	syncer, err := chainsync.New(chainsync.Config{
		Ledger:          client,
		Store:           store,
		DeploymentBlock: cfg.Ledger.DeploymentBlock,
		Interval:        cfg.Sync.Interval.Duration,
		Logger:          logger,
	})
	if err != nil {
		log.Fatalf("credd: syncer: %v", err)
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		API:           service,
		Store:         store,
		Chain:         client,
		BearerToken:   cfg.API.BearerToken,
		VerifyLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.API.VerifyRatePerMinute,
			Burst:             cfg.API.VerifyBurst,
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("credd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := syncer.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event syncer exited", "err", err)
			stop()
		}
	}()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", "err", err)
		os.Exit(1)
	}
}
