package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nftgate/redemption-service/internal/config"
	"nftgate/redemption-service/internal/coordinator"
	"nftgate/redemption-service/internal/httpapi"
	"nftgate/redemption-service/internal/ledger"
	"nftgate/redemption-service/internal/mirror"
	"nftgate/redemption-service/internal/reconcile"
	"nftgate/redemption-service/internal/store/postgres"
	"nftgate/redemption-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	shutdownTracing := telemetry.Setup("redemption-service")

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	verifications := postgres.NewStore(pool, postgres.Options{
		QueryTimeout: cfg.StoreQueryTimeout,
	})

	ledgerClient := ledger.NewRPCClient(cfg.LedgerRPCURL, ledger.RPCOptions{
		Timeout: cfg.LedgerTimeout,
	})

	ticketMirror := newMirror(rootCtx, cfg)

	var reconciler *reconcile.AMQPQueue
	if cfg.AMQPURL != "" {
		queue, err := reconcile.NewAMQPQueue(cfg.AMQPURL)
		if err != nil {
			log.Fatalf("reconcile queue connect: %v", err)
		}
		defer queue.Close()
		reconciler = queue
	}

	deps := coordinator.Deps{
		Ledger:        ledgerClient,
		Verifications: verifications,
		Mirror:        ticketMirror,
	}
	if reconciler != nil {
		deps.Reconciler = reconciler
	}
	coord := coordinator.New(deps, coordinator.Config{
		ResolveMaxTries:  cfg.ResolveMaxTries,
		ResolveBaseDelay: cfg.ResolveBaseDelay,
		ResolveMaxDelay:  cfg.ResolveMaxDelay,
		RedeemOnAdmit:    cfg.RedeemOnAdmit && reconciler != nil,
	})

	if reconciler != nil {
		worker := reconcile.NewWorker(reconciler, ledgerClient, ticketMirror, reconcile.WorkerConfig{
			CapabilityRef: cfg.GateCapabilityRef,
			MaxTries:      cfg.ReconcileMaxTries,
			TaskTimeout:   cfg.ReconcileTaskTimeout,
		})
		go runWorker(rootCtx, worker)
	}

	handler := httpapi.NewHandler(coord, verifications, ticketMirror)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:       cfg.RateLimitPerMinute,
		IPBurst:           cfg.RateLimitBurst,
		VerifierPerMinute: cfg.VerifierRateLimitPerMinute,
		VerifierBurst:     cfg.VerifierRateLimitBurst,
	})

	chain := httpapi.AuthMiddleware(cfg.GateTokenSecret,
		limiter.Middleware(httpapi.LoggingMiddleware(handler.Routes())))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(chain, "redemption-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("redemption-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		log.Printf("tracing shutdown error: %v", err)
	}
}

// newMirror connects the advisory Redis mirror. The mirror is optional:
// connection failure degrades to running without it rather than refusing to
// start, since no admit decision depends on it.
func newMirror(ctx context.Context, cfg config.Config) mirror.Mirror {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("mirror disabled, redis unreachable: %v", err)
		return nil
	}
	return mirror.NewRedisMirror(client, mirror.RedisOptions{})
}

func runWorker(ctx context.Context, worker *reconcile.Worker) {
	for {
		err := worker.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("reconcile worker stopped: %v; restarting", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}
