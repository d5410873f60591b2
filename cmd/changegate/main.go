package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fieldhealth/changegate/internal/feed"
	"github.com/fieldhealth/changegate/internal/httpapi"
	"github.com/fieldhealth/changegate/internal/logstore"
	"github.com/fieldhealth/changegate/internal/settings"
)

func main() {
	addr := os.Getenv("CHANGEGATE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := buildStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize log store: %v", err)
	}
	defer store.Close()

	provider, err := buildSettingsFromEnv()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if settingsFile := strings.TrimSpace(os.Getenv("CHANGEGATE_SETTINGS_FILE")); settingsFile != "" {
		go func() {
			if err := provider.Watch(ctx); err != nil && ctx.Err() == nil {
				log.Printf("settings watch stopped: %v", err)
			}
		}()
	}

	registry := feed.NewRegistry()
	resolver := feed.NewResolver(store, provider)
	engine := feed.NewEngine(store, resolver)
	watcher := feed.NewWatcher(store, registry, provider.WatcherBackoff())
	go watcher.Run(ctx)

	server := httpapi.NewServer(store, engine, registry, watcher, httpapi.ServerConfig{
		JWTSecret:        os.Getenv("CHANGEGATE_JWT_SECRET"),
		DefaultHeartbeat: durationEnv("CHANGEGATE_DEFAULT_HEARTBEAT", provider.DefaultHeartbeat()),
		MaxLimit:         intEnv("CHANGEGATE_MAX_LIMIT", 0),
		MaxBodyBytes:     int64Env("CHANGEGATE_MAX_BODY_BYTES", 0),
	})

	log.Printf("changegate listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStoreFromEnv() (logstore.Store, error) {
	dsn := strings.TrimSpace(os.Getenv("CHANGEGATE_LOG_DSN"))
	if dsn == "" {
		profileDSN, err := profileDefaultDSN()
		if err != nil {
			return nil, err
		}
		dsn = profileDSN
	}
	return logstore.BuildStoreFromDSN(dsn)
}

func profileDefaultDSN() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("CHANGEGATE_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("CHANGEGATE_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".changegate"
	}
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "log.json"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("CHANGEGATE_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("CHANGEGATE_POSTGRES_DSN is required when CHANGEGATE_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported CHANGEGATE_BACKEND_PROFILE: %s", profile)
	}
}

func buildSettingsFromEnv() (*settings.Provider, error) {
	settingsFile := strings.TrimSpace(os.Getenv("CHANGEGATE_SETTINGS_FILE"))
	if settingsFile == "" {
		return settings.Static(settings.Settings{}), nil
	}
	return settings.Load(settingsFile)
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
