package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/orehaul/haulsync/internal/agent"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("loading .env: %v", err)
	}

	baseURL := flag.String("base-url", envOrDefault("HAULSYNC_BASE_URL", "http://127.0.0.1:8080"), "haulsync server base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("HAULSYNC_TOKEN")), "bearer token")
	storeDSN := flag.String("store", envOrDefault("HAULSYNC_AGENT_STORE", "file:.haulsync-agent/state.json"), "local store DSN (file:, sqlite:, memory:)")
	spoolDir := flag.String("spool-dir", strings.TrimSpace(os.Getenv("HAULSYNC_AGENT_SPOOL_DIR")), "mutation spool directory (optional)")
	interval := flag.Duration("interval", durationEnv("HAULSYNC_AGENT_INTERVAL", 30*time.Second), "background drain interval")
	timeout := flag.Duration("timeout", durationEnv("HAULSYNC_AGENT_TIMEOUT", 60*time.Second), "per-drain timeout")
	once := flag.Bool("once", false, "run one drain pass and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or HAULSYNC_TOKEN)")
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 60 * time.Second
	}

	store, err := agent.BuildLocalStoreFromDSN(*storeDSN)
	if err != nil {
		log.Fatalf("failed to initialize local store: %v", err)
	}
	defer store.Close()

	client := agent.NewAPIClient(*baseURL, *token, &http.Client{Timeout: 15 * time.Second})
	syncer, err := agent.NewSyncer(store, client, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize syncer: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	drain := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		report, err := syncer.Drain(ctx)
		if err != nil {
			log.Printf("drain failed: %v", err)
			return
		}
		if report.Coalesced {
			return
		}
		log.Printf("drain completed: %d confirmed, %d deferred, %d failed",
			report.Confirmed, report.Deferred, report.Failed)
		for _, warning := range report.Warnings {
			log.Printf("warning: %s", warning)
		}
	}

	drain()
	if *once {
		return
	}

	monitor := agent.NewConnectivityMonitor(*baseURL, *token, drain, func() {
		log.Printf("sync link lost, queueing locally")
	}, log.Default())
	go monitor.Run(rootCtx)

	if strings.TrimSpace(*spoolDir) != "" {
		watcher, err := agent.NewSpoolWatcher(*spoolDir, store, drain, log.Default())
		if err != nil {
			log.Fatalf("failed to initialize spool watcher: %v", err)
		}
		go func() {
			if err := watcher.Run(rootCtx); err != nil && rootCtx.Err() == nil {
				log.Printf("spool watcher stopped: %v", err)
			}
		}()
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("agent stopping: %v", rootCtx.Err())
			return
		case <-ticker.C:
			drain()
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
