package main

import (
	"context"
	"errors"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ebuilderhost/provisioner/internal/alloc"
	"github.com/ebuilderhost/provisioner/internal/config"
	"github.com/ebuilderhost/provisioner/internal/db"
	"github.com/ebuilderhost/provisioner/internal/docker"
	"github.com/ebuilderhost/provisioner/internal/http"
	"github.com/ebuilderhost/provisioner/internal/nginx"
	"github.com/ebuilderhost/provisioner/internal/repository"
	"github.com/ebuilderhost/provisioner/internal/service"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[Main] Invalid configuration: %v", err)
	}

	database, err := db.New(cfg)
	if err != nil {
		log.Fatalf("[Main] Failed to connect to database: %v", err)
	}
	defer database.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 60*time.Second)
	if err := database.Migrate(migrateCtx); err != nil {
		cancelMigrate()
		log.Fatalf("[Main] Failed to run migrations: %v", err)
	}
	cancelMigrate()

	customerRepo := repository.NewCustomerRepository(database.Pool)
	subscriptionRepo := repository.NewSubscriptionRepository(database.Pool)
	instanceRepo := repository.NewInstanceRepository(database.Pool)
	eventRepo := repository.NewEventRepository(database.Pool)
	logRepo := repository.NewLogRepository(database.Pool)

	table := alloc.NewTable(cfg.Provisioner.PortRangeStart, cfg.Provisioner.PortRangeEnd)
	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 30*time.Second)
	active, err := instanceRepo.ListNonTerminal(seedCtx)
	cancelSeed()
	if err != nil {
		log.Fatalf("[Main] Failed to load active instances: %v", err)
	}
	seeds := make([]alloc.Allocation, 0, len(active))
	for _, inst := range active {
		seeds = append(seeds, alloc.Allocation{Slug: inst.Subdomain, Port: inst.Port})
	}
	table.Seed(seeds)
	log.Printf("[Main] Allocation table seeded with %d active instances", len(seeds))

	dockerClient := docker.NewClient(cfg.Docker.SocketPath, cfg.Docker.APIVersion, cfg.Docker.Timeout)
	runtime := docker.NewManager(dockerClient, cfg.Docker.Image, cfg.Docker.Network,
		cfg.Docker.DataRoot, cfg.Provisioner.HealthPollInterval, cfg.Provisioner.HealthPollMaxWait)

	pullCtx, cancelPull := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := runtime.PullImage(pullCtx); err != nil {
		log.Printf("[Main] Warning: failed to pull image %s: %v", cfg.Docker.Image, err)
	}
	cancelPull()

	proxy := nginx.NewManager(cfg.Proxy.ConfigDir, cfg.Provisioner.BaseDomain, cfg.Proxy.NginxBin,
		cfg.Proxy.ReloadRetries, cfg.Proxy.ReloadBackoff)

	notifier := service.NewLogNotifier(cfg.Provisioner.BaseDomain)

	orchestrator := service.NewOrchestrator(cfg, customerRepo, subscriptionRepo, instanceRepo,
		eventRepo, logRepo, runtime, proxy, table, notifier)
	processor := service.NewProcessor(cfg.Stripe.WebhookSecret, cfg.Stripe.SignatureTolerance,
		eventRepo, subscriptionRepo, instanceRepo, orchestrator)
	reconciler := service.NewReconciler(instanceRepo, runtime, proxy, orchestrator, logRepo,
		notifier, cfg.Provisioner.ReconcileInterval)
	monitor := service.NewHealthMonitor(instanceRepo, runtime, notifier,
		cfg.Provisioner.HealthCheckInterval, cfg.Provisioner.UnhealthyAlertAfter)

	loopCtx, stopLoops := context.WithCancel(context.Background())
	go reconciler.Run(loopCtx)
	go monitor.Run(loopCtx)

	handler := http.NewHandler(cfg, orchestrator, processor, reconciler, monitor,
		instanceRepo, customerRepo, logRepo)
	server := http.NewServer(cfg, handler)

	httpServer := &nethttp.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Handler(),
	}

	go func() {
		log.Printf("[Main] Provisioner API listening on port %s", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			log.Fatalf("[Main] HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Main] Shutdown signal received, draining...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] HTTP shutdown error: %v", err)
	}

	stopLoops()
	orchestrator.Drain()

	log.Println("[Main] Shutdown complete")
}
