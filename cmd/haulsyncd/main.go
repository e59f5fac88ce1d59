package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/orehaul/haulsync/internal/haulage"
	"github.com/orehaul/haulsync/internal/httpapi"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("loading .env: %v", err)
	}

	addr := envOrDefault("HAULSYNC_ADDR", ":8080")
	store, err := buildStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	dispatcher := haulage.NewDispatcher(haulage.DispatcherOptions{
		Sender:  buildSMSSenderFromEnv(),
		Timeout: durationEnv("HAULSYNC_SMS_TIMEOUT", 5*time.Second),
		Logger:  log.Default(),
	})
	svc, err := haulage.NewService(haulage.ServiceOptions{
		Store: store,
		Retry: haulage.RetryPolicy{
			MaxAttempts: intEnv("HAULSYNC_ID_MAX_ATTEMPTS", 0),
			Backoff:     durationEnv("HAULSYNC_ID_RETRY_BACKOFF", 0),
		},
		Dispatcher: dispatcher,
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize service: %v", err)
	}

	server := httpapi.NewServerWithConfig(svc, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("HAULSYNC_JWT_SECRET"),
		RateLimitMax:    intEnv("HAULSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("HAULSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("HAULSYNC_MAX_BODY_BYTES", 0),
	})

	log.Printf("haulsyncd listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStoreFromEnv() (haulage.Store, error) {
	dsn := strings.TrimSpace(os.Getenv("HAULSYNC_POSTGRES_DSN"))
	if dsn == "" {
		log.Printf("HAULSYNC_POSTGRES_DSN not set, using in-memory store")
		return haulage.NewMemoryStore(), nil
	}
	return haulage.NewPostgresStore(dsn)
}

// buildSMSSenderFromEnv returns the configured SMS transport. Without a
// gateway URL messages are logged instead of sent, which keeps development
// setups working end to end.
func buildSMSSenderFromEnv() haulage.SMSSender {
	gatewayURL := strings.TrimSpace(os.Getenv("HAULSYNC_SMS_GATEWAY_URL"))
	if gatewayURL == "" {
		return haulage.SMSSenderFunc(func(_ context.Context, destination, message string) error {
			log.Printf("sms to %s: %s", destination, message)
			return nil
		})
	}
	return haulage.NewHTTPSMSSender(gatewayURL, os.Getenv("HAULSYNC_SMS_GATEWAY_TOKEN"), nil)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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
