// Command server runs the Execution Server: the HTTP broker in front of
// the batch store, three-state queue, version registry and dataloader
// driver (spec §4.6).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/szegedai/distributed-adversarial-training/internal/broker"
	"github.com/szegedai/distributed-adversarial-training/internal/dataloader"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if len(os.Args) > 1 {
		port = os.Args[1]
	}

	rateLimitRPS := getEnvFloat("RATE_LIMIT_RPS", 0)
	rateLimitBurst := getEnvInt("RATE_LIMIT_BURST", 20)

	log.Println("Initializing Execution Server...")
	log.Printf("Port: %s", port)
	if rateLimitRPS > 0 {
		log.Printf("Rate limit: %.1f req/s, burst %d", rateLimitRPS, rateLimitBurst)
	}

	datasetRegistry := dataloader.NewDatasetRegistry()
	datasetRegistry.Register("in_memory", dataloader.NewInMemoryDataset)

	dataloaderRegistry := dataloader.NewRegistry()
	dataloaderRegistry.Register("sequential", dataloader.NewSequentialDataloader)

	var opts []broker.Option
	if rateLimitRPS > 0 {
		opts = append(opts, broker.WithRateLimit(rateLimitRPS, rateLimitBurst))
	}
	srv := broker.New(datasetRegistry, dataloaderRegistry, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	srv.RunReaper(ctx)

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: srv.Router(),
	}

	go func() {
		log.Printf("Execution Server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Execution Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	cancel()
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return defaultVal
}
