package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BrinkleyS24/intrackt-syncd/internal/api"
	"github.com/BrinkleyS24/intrackt-syncd/internal/auth"
	"github.com/BrinkleyS24/intrackt-syncd/internal/cache"
	"github.com/BrinkleyS24/intrackt-syncd/internal/config"
	"github.com/BrinkleyS24/intrackt-syncd/internal/events"
	"github.com/BrinkleyS24/intrackt-syncd/internal/router"
	syncengine "github.com/BrinkleyS24/intrackt-syncd/internal/sync"
	"github.com/BrinkleyS24/intrackt-syncd/internal/undo"
)

func main() {
	cfgPath := os.Getenv("INTRACKT_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal(err)
	}

	store, err := cache.Open(filepath.Join(cfg.DataDir, "cache.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bus events.Broadcaster
	if cfg.NATSURL != "" {
		publisher, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatal(err)
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			log.Fatal(err)
		}
		bus = publisher
	} else {
		log.Printf("no NATS URL configured, broadcasting in-process only")
		bus = events.NewBus()
	}

	sessions := auth.NewSessions(store, bus)
	gate := auth.NewGate()
	minter := auth.NewOAuthMinter(cfg.AuthTokenURL, cfg.AuthClientID, cfg.AuthClientSecret, cfg.AuthRefreshToken)

	// The durable cache is the identity subsystem's initial state: a hit
	// restores the session, a miss means signed out. Either way the gate
	// resolves and requests may flow.
	if ident, ok, err := store.LoadIdentity(ctx); err != nil {
		log.Printf("restore identity: %v", err)
	} else if ok {
		if err := sessions.SetCurrent(ctx, ident); err != nil {
			log.Printf("restore session: %v", err)
		}
		log.Printf("restored session for %s", ident.UserID)
	}
	gate.Resolve()

	apiClient := api.NewClient(cfg.BackendURL, cfg.RequestTimeout, gate, sessions, minter)
	engine := syncengine.NewEngine(apiClient, store, bus)
	workflow := undo.NewWorkflow(apiClient, store, engine, bus, cfg.UndoWindow, cfg.ServerMoveWindow)
	defer workflow.Stop()

	scheduler := syncengine.NewScheduler(engine, store, cfg.SyncInterval)
	go scheduler.Run(ctx)

	r := gin.Default()
	router.New(store, sessions, gate, apiClient, engine, workflow, bus).Register(r)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
