// Package detector bridges the external hazard-detection service (automated
// image analysis) into the alert pipeline. It polls the service's detection
// feed and turns each detection into a device-sourced trigger; detection IDs
// double as idempotency keys so repeated polls never duplicate alerts.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/campusmesh/go-campus-alerts/internal/alert"
	"github.com/campusmesh/go-campus-alerts/internal/config"
	"github.com/campusmesh/go-campus-alerts/internal/models"
	"github.com/campusmesh/go-campus-alerts/internal/worker"
)

// Detection is one hazard reported by the external analysis service.
type Detection struct {
	ID            string  `json:"id"`
	InstitutionID string  `json:"institutionId"`
	Type          string  `json:"type"`
	Severity      string  `json:"severity"`
	Description   string  `json:"description"`
	Location      string  `json:"location"`
	Room          string  `json:"room"`
	Confidence    float64 `json:"confidence"`
}

type detectionFeed struct {
	Detections []Detection `json:"detections"`
}

type Manager struct {
	cfg      *config.Config
	pipeline *alert.Pipeline
	client   *http.Client
	pool     *worker.Pool[Detection]
	wg       sync.WaitGroup
}

func NewManager(cfg *config.Config, pipeline *alert.Pipeline) *Manager {
	return &Manager{
		cfg:      cfg,
		pipeline: pipeline,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (m *Manager) Start(ctx context.Context) {
	processor := func(ctx context.Context, d Detection) error {
		if d.InstitutionID == "" || d.Type == "" {
			slog.Warn("skipping malformed detection", "detection_id", d.ID)
			return nil
		}

		result, err := m.pipeline.Trigger(ctx, d.InstitutionID, alert.TriggerInput{
			Source:          models.AlertSourceDevice,
			Type:            d.Type,
			Severity:        d.Severity,
			Title:           fmt.Sprintf("Automated hazard detection: %s", d.Type),
			Description:     d.Description,
			LocationDetails: d.Location,
			Room:            d.Room,
			TriggeredBy:     "hazard-detector",
			IdempotencyKey:  "detection_" + d.ID,
		})
		if err != nil {
			slog.Error("detection trigger failed", "detection_id", d.ID, "error", err)
			return err
		}
		if result.Replayed {
			return nil
		}

		slog.Info("detection escalated to alert",
			"detection_id", d.ID,
			"alert_id", result.Alert.ID,
			"institution_id", d.InstitutionID,
		)
		return nil
	}

	m.pool = worker.NewPool(m.cfg.Worker.Count, m.cfg.Worker.BufferSize, processor)
	m.pool.Start(ctx)

	if m.cfg.Detector.Enabled {
		m.wg.Add(1)
		go m.runPoller(ctx, m.cfg.Detector.URL, m.cfg.Detector.PollInterval)
	}
}

func (m *Manager) runPoller(ctx context.Context, url string, interval time.Duration) {
	defer m.wg.Done()
	slog.Info("starting hazard detection poller", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.poll(ctx, url)

	for {
		select {
		case <-ctx.Done():
			slog.Info("hazard detection poller shutting down")
			return
		case <-ticker.C:
			m.poll(ctx, url)
		}
	}
}

func (m *Manager) poll(ctx context.Context, url string) {
	detections, err := m.fetch(ctx, url)
	if err != nil {
		slog.Error("hazard detection poll failed", "error", err)
		return
	}

	for _, d := range detections {
		if !m.pool.Submit(ctx, d) {
			slog.Info("dropping detections after shutdown", "detection_id", d.ID)
			return
		}
	}

	slog.Debug("hazard detection poll complete", "count", len(detections))
}

func (m *Manager) fetch(ctx context.Context, url string) ([]Detection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error while doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d - status: %s", resp.StatusCode, resp.Status)
	}

	var feed detectionFeed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("error decoding detection feed: %w", err)
	}

	return feed.Detections, nil
}

func (m *Manager) Stop() {
	m.wg.Wait()
	if m.pool != nil {
		m.pool.Stop()
	}
	m.client.CloseIdleConnections()
}
