package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kudos.org/internal/httpapi"
	"kudos.org/internal/obs"
	"kudos.org/internal/reputation"
	"kudos.org/internal/store/pg"
	"kudos.org/internal/stream"
)

// Overridden at build time via -ldflags.
var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// With a DSN the ledger lives in Postgres and /readyz pings the pool;
	// without one the service runs on the in-memory store.
	var (
		rep   reputation.Service
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("KUDOS_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		rep = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		rep = reputation.NewInMemory()
	}

	addr := os.Getenv("KUDOS_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	api := httpapi.New(probe, version, rep, stream.New())

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting kudos-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
