// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify delivers policy notifications to external HTTP endpoints.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/intel/xpumanager/internal/policy"
)

// Event is the JSON body posted for every notification
type Event struct {
	ID          string    `json:"id"`
	DeviceID    int       `json:"deviceId"`
	Type        string    `json:"type"`
	Condition   string    `json:"condition"`
	Threshold   int64     `json:"threshold"`
	Action      string    `json:"action"`
	Value       int64     `json:"value"`
	IsTileData  bool      `json:"isTileData"`
	TileID      int       `json:"tileId"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

// Webhook posts notifications as JSON
type Webhook struct {
	logger *slog.Logger
	client *http.Client
}

// NewWebhook returns a Webhook whose requests time out after timeout
func NewWebhook(logger *slog.Logger, timeout time.Duration) *Webhook {
	return &Webhook{
		logger: logger.With("service", "webhook"),
		client: &http.Client{Timeout: timeout},
	}
}

// Callback returns a policy callback posting to url. Delivery happens
// inside the evaluation cycle and is never retried.
func (w *Webhook) Callback(url string) policy.Callback {
	return func(n policy.Notification) {
		ev := newEvent(n)
		if err := w.Post(context.Background(), url, ev); err != nil {
			w.logger.Warn("Webhook delivery failed", "url", url, "event", ev.ID, "error", err)
			return
		}
		w.logger.Debug("Webhook delivered", "url", url, "event", ev.ID)
	}
}

func newEvent(n policy.Notification) Event {
	return Event{
		ID:          uuid.NewString(),
		DeviceID:    n.DeviceID,
		Type:        n.Type.String(),
		Condition:   n.Condition.Type.String(),
		Threshold:   n.Condition.Threshold,
		Action:      n.Action.Type.String(),
		Value:       n.CurrentValue,
		IsTileData:  n.IsTileData,
		TileID:      n.TileID,
		Timestamp:   n.Timestamp,
		Description: n.Description,
	}
}

// Post sends ev to url and fails on any non 2xx response
func (w *Webhook) Post(ctx context.Context, url string, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", ev.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
