package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/picktrack/fieldsync/internal/models"
	"github.com/picktrack/fieldsync/pkg/infra"
)

// Manager owns the broker link lifecycle: it dials with jittered backoff,
// swaps in a fresh client when the link drops, and exposes the Publisher
// surface the sync worker fans out through. While no healthy client
// exists, publishes fail fast and the worker simply skips fan-out.
type Manager struct {
	url    string
	logger *slog.Logger

	mu     sync.RWMutex
	client *Client
}

func NewManager(url string, logger *slog.Logger) *Manager {
	return &Manager{url: url, logger: logger}
}

// Run maintains the broker link until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		select {
		case <-ctx.Done():
			m.closeCurrent()
			return
		default:
		}

		if m.IsHealthy() {
			select {
			case <-ctx.Done():
				m.closeCurrent()
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		m.closeCurrent()

		client, err := Dial(m.url, m.logger)
		if err != nil {
			wait := backoff.Next()
			m.logger.Warn("Broker link failure, retrying", "wait", wait, "attempts", backoff.Attempts(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		backoff.Reset()
		m.mu.Lock()
		m.client = client
		m.mu.Unlock()
	}
}

// Publish delegates to the current client if one is healthy.
func (m *Manager) Publish(ctx context.Context, routingKey string, event models.LedgerEvent) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	if client == nil || !client.IsHealthy() {
		return fmt.Errorf("no healthy broker link")
	}
	return client.Publish(ctx, routingKey, event)
}

// IsHealthy reports whether a live broker link exists.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil && m.client.IsHealthy()
}

func (m *Manager) closeCurrent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
}
