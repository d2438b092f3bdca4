// Command node runs a single Worker Loop process (spec §4.8, C8):
// `node [host:port] [device]`, or `node -c config.json`.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/szegedai/distributed-adversarial-training/internal/transport"
	"github.com/szegedai/distributed-adversarial-training/internal/workernode"
)

var deviceRE = regexp.MustCompile(`^(cuda(:\d+)?|mps|[ctx]pu)$`)

// nodeConfig is the shape accepted via -c config.json, mirroring the
// positional host/device arguments.
type nodeConfig struct {
	Host       string `json:"host"`
	Device     string `json:"device"`
	MaxRetries int    `json:"max_retries"`
}

func main() {
	host := "localhost:8080"
	device := "cpu"
	maxRetries := 0

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "-c" {
		if len(args) < 2 {
			log.Fatalf("usage: node -c <config.json>")
		}
		cfg, err := loadConfig(args[1])
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		if cfg.Host != "" {
			host = cfg.Host
		}
		if cfg.Device != "" {
			device = cfg.Device
		}
		maxRetries = cfg.MaxRetries
	} else {
		if len(args) > 0 {
			host = args[0]
		}
		if len(args) > 1 {
			device = args[1]
		}
	}

	if err := validateHost(host); err != nil {
		log.Fatalf("invalid host %q: %v", host, err)
	}
	if !deviceRE.MatchString(device) {
		log.Fatalf("invalid device %q: must match %s", device, deviceRE.String())
	}

	log.Printf("Worker node connecting to %s on device %s", host, device)

	t := transport.New("http://"+host, maxRetries)

	modelRegistry := workernode.NewModelRegistry()
	modelRegistry.Register("in_memory", workernode.NewInMemoryModel)

	attackRegistry := workernode.NewAttackRegistry()
	attackRegistry.Register("linf_pgd", workernode.NewLinfPGD)

	w := workernode.New(t, device, modelRegistry, attackRegistry)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutting down worker node...")
		cancel()
	}()

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("worker loop failed: %v", err)
	}
}

func loadConfig(path string) (nodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nodeConfig{}, err
	}
	var cfg nodeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nodeConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// validateHost accepts "host:port" where host is an IPv4 address or a
// hostname, per spec §6.
func validateHost(hostport string) error {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return err
	}
	if port, err := strconv.Atoi(portStr); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", portStr)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() == nil {
			return fmt.Errorf("only IPv4 addresses are accepted, got %q", host)
		}
		return nil
	}
	if !isValidHostname(host) {
		return fmt.Errorf("not a valid hostname: %q", host)
	}
	return nil
}

var hostnameLabelRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)

func isValidHostname(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if !hostnameLabelRE.MatchString(label) {
			return false
		}
	}
	return true
}
