// mesh-gateway is the agent that runs on a physical relay node. It registers
// the node with the campus-alert server and heartbeats relay stats on an
// interval so operators can see gateway health per institution.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/campusmesh/go-campus-alerts/internal/gateway"
	"github.com/campusmesh/go-campus-alerts/internal/logging"
	"github.com/campusmesh/go-campus-alerts/internal/models"
)

type agentConfig struct {
	ServerURL         string
	Token             string
	GatewayID         string
	GatewayName       string
	GatewayLocation   string
	HeartbeatInterval time.Duration
}

func loadAgentConfig() (*agentConfig, error) {
	cfg := &agentConfig{
		ServerURL:         getEnv("GATEWAY_SERVER_URL", "http://localhost:8080"),
		Token:             getEnv("GATEWAY_TOKEN", ""),
		GatewayID:         getEnv("GATEWAY_ID", ""),
		GatewayName:       getEnv("GATEWAY_NAME", ""),
		GatewayLocation:   getEnv("GATEWAY_LOCATION", ""),
		HeartbeatInterval: getEnvDuration("GATEWAY_HEARTBEAT_INTERVAL", 30*time.Second),
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("GATEWAY_TOKEN is required")
	}
	if cfg.GatewayID == "" {
		return nil, fmt.Errorf("GATEWAY_ID is required")
	}
	if cfg.GatewayName == "" {
		return nil, fmt.Errorf("GATEWAY_NAME is required")
	}
	if cfg.HeartbeatInterval < time.Second {
		return nil, fmt.Errorf("heartbeat interval must be at least 1 second")
	}
	return cfg, nil
}

type agent struct {
	cfg     *agentConfig
	client  *http.Client
	started time.Time
}

func main() {
	_ = godotenv.Load()

	cfg, err := loadAgentConfig()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(getEnv("LOG_LEVEL", "info"), "mesh-gateway")

	a := &agent{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		started: time.Now(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.register(ctx); err != nil {
		logging.Fatalf("Failed to register gateway: %v", err)
	}
	slog.Info("gateway registered", "id", cfg.GatewayID, "server", cfg.ServerURL)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			slog.Info("shutting down")
			return
		case <-ticker.C:
			if err := a.heartbeat(ctx); err != nil {
				slog.Error("heartbeat failed", "error", err)
			}
		}
	}
}

func (a *agent) register(ctx context.Context) error {
	desc := gateway.Descriptor{
		ID:       a.cfg.GatewayID,
		Name:     a.cfg.GatewayName,
		Location: a.cfg.GatewayLocation,
	}
	return a.post(ctx, "/api/gateways", desc)
}

func (a *agent) heartbeat(ctx context.Context) error {
	now := time.Now().UTC()
	stats := models.GatewayStats{
		UptimeSeconds: int64(a.cfg.HeartbeatInterval.Seconds()),
		LastSeenAt:    &now,
	}
	return a.post(ctx, "/api/gateways/"+a.cfg.GatewayID+"/stats", stats)
}

func (a *agent) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("error encoding body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ServerURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("error while doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d - status: %s", resp.StatusCode, resp.Status)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
