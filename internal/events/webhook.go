// Package events publishes scan outcomes to a configured webhook endpoint.
// Delivery is best effort: failures are logged, never surfaced to scanners.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"acolyte-presence/internal/utils"
)

type Publisher struct {
	client *http.Client
	url    string
	logger utils.Logger
}

type Payload struct {
	Event     string                 `json:"event"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

func NewPublisher(config *utils.Config, logger utils.Logger) *Publisher {
	return &Publisher{
		client: &http.Client{Timeout: config.Events.WebhookTimeout},
		url:    config.Events.WebhookURL,
		logger: logger,
	}
}

// ScanSucceeded emits a scan.success event. Callers run this in a goroutine
// off the scan hot path.
func (p *Publisher) ScanSucceeded(scanLogID, tenantID, personID, actionType, actionPointID, mode string) {
	p.publish("scan.success", map[string]interface{}{
		"scan_log_id":     scanLogID,
		"tenant_id":       tenantID,
		"person_id":       personID,
		"action_type":     actionType,
		"action_point_id": actionPointID,
		"mode":            mode,
	})
}

// DeviceRevoked emits a device lifecycle event for downstream audit feeds.
func (p *Publisher) DeviceRevoked(deviceID, tenantID, personID, revokedBy string) {
	p.publish("device.revoked", map[string]interface{}{
		"device_id":  deviceID,
		"tenant_id":  tenantID,
		"person_id":  personID,
		"revoked_by": revokedBy,
	})
}

func (p *Publisher) publish(event string, data map[string]interface{}) {
	if p.url == "" {
		return
	}

	payload := Payload{
		Event:     event,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}

	if err := p.send(payload); err != nil {
		p.logger.Warn("Failed to deliver webhook event", "event", event, "error", err)
	}
}

func (p *Publisher) send(payload Payload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequest("POST", p.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Acolyte-Presence-Webhook/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
