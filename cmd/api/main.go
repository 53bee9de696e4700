package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leadpool/audit"
	"leadpool/auth"
	"leadpool/claim"
	"leadpool/db"
	"leadpool/lead"
	"leadpool/outbox"
	"leadpool/pool"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connString := os.Getenv("DATABASE_URL")
	pgPool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pgPool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	requests := pool.NewRepository(pgPool)
	ledger := claim.NewLedger(pgPool)
	recorder := audit.NewRecorder()
	messages := outbox.NewWriter()
	leads := lead.NewRepository(pgPool)

	server := &Server{
		authService: auth.NewService(auth.NewRepository(pgPool), jwtSecret),
		poolService: pool.NewService(pgPool, requests, messages, recorder),
		arbitrator: claim.NewArbitrator(pgPool, requests, ledger).
			WithLeadWriter(leads).
			WithAuditAndOutbox(recorder, messages),
		gate:  claim.NewGate(requests, ledger),
		leads: leads,
	}

	sweeper := claim.NewSweeper(pgPool, ledger, ledger, requests, slog.Default()).
		WithAuditAndOutbox(recorder, messages)
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("sweeper stopped: %v", err)
		}
	}()

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("claim marketplace listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
}
