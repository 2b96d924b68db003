package main

import (
	"context"
	"log"
	"net/http"

	"go.uber.org/zap"

	"github.com/opencorebank/ledgerd/internal/api"
	"github.com/opencorebank/ledgerd/internal/auth"
	"github.com/opencorebank/ledgerd/internal/config"
	"github.com/opencorebank/ledgerd/internal/domain"
	"github.com/opencorebank/ledgerd/internal/ledger"
	"github.com/opencorebank/ledgerd/internal/session"
	"github.com/opencorebank/ledgerd/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	var logger *zap.Logger
	if cfg.Env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	// With DB_SOURCE set the pgx store carries accounts, users and the
	// transfer log; without it everything runs on the in-memory engine.
	var (
		book  domain.Ledger
		users domain.UserStore
	)
	if cfg.DBSource != "" {
		pg, err := store.NewStore(cfg.DBSource, cfg.LockWait)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.Bootstrap(context.Background()); err != nil {
			logger.Fatal("schema bootstrap failed", zap.Error(err))
		}
		book, users = pg, pg
		logger.Info("using postgres store")
	} else {
		book = ledger.NewEngine(cfg.LockWait)
		users = ledger.NewUsers()
		logger.Info("using in-memory engine")
	}

	sessions := session.NewStore(cfg.SessionTTL)
	stop := make(chan struct{})
	defer close(stop)
	sessions.StartJanitor(cfg.SessionTTL, stop)

	authSvc := auth.NewService(users, sessions, cfg.BcryptCost)
	gate := auth.NewGate(sessions, book)
	handler := api.NewHandler(book, authSvc, gate, logger)
	router := api.NewRouter(handler)

	logger.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
