// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/geovox/geovox/internal/auth"
	"github.com/geovox/geovox/internal/content"
	"github.com/geovox/geovox/internal/database"
	"github.com/geovox/geovox/internal/handlers"
	"github.com/geovox/geovox/internal/journal"
	"github.com/geovox/geovox/internal/match"
	"github.com/geovox/geovox/internal/middleware"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	keys, err := auth.NewKeys()
	if err != nil {
		logger.Fatalf("session keys: %v", err)
	}

	pool := database.ConnectDB()
	defer pool.Close()

	store := database.NewMatchStore(pool)
	provider := content.NewPGProvider(pool)

	svc := match.NewService(store, provider, logger)

	jrnl, err := journal.Connect()
	if err != nil {
		logger.Warnf("Match journal disabled: %v", err)
	} else {
		svc.Journal = jrnl
		defer jrnl.Close()
	}

	gw := handlers.NewGateway(svc, logger)
	svc.Broadcaster = gw

	// Re-arm phase timers for matches that were mid-round when the previous
	// process stopped.
	if err := svc.RestoreSchedules(context.Background()); err != nil {
		logger.Errorf("Failed to restore phase timers: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/match/create", middleware.RequestLogger(logger)(
		handlers.CreateMatchHandler(logger, svc, keys),
	))
	mux.Handle("/match/ws", middleware.RequestLogger(logger)(
		handlers.MatchWSHandler(logger, gw, keys),
	))

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Infof("Running on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server exited: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	svc.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warnf("graceful shutdown failed: %v", err)
	}
}
