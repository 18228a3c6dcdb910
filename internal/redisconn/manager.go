// Package redisconn implements the Connection Manager (spec §4.1): it
// acquires, pools, and health-checks Redis connections scoped by usage
// class, hiding pooling, lazy-connect, keepalive, and reconnect from every
// other component.
package redisconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// UsageClass identifies why a component wants a Redis handle. Handles are
// never cached across reconnection events by callers — they ask the
// Manager again after any connection-category error.
type UsageClass string

const (
	UsageQueueBackend UsageClass = "queue-backend"
	UsageCache        UsageClass = "cache"
	UsageRateLimit    UsageClass = "rate-limit"
)

// HealthResult is the outcome of a round-trip ping.
type HealthResult struct {
	OK        bool
	LatencyMs int64
	Err       error
}

// Manager owns one pooled *redis.Client per usage class, all pointed at the
// same Redis URL in this deployment (a single hosted Redis instance backs
// every usage class; the usage-class split exists so a future deployment
// can point a class at a different instance without touching callers).
type Manager struct {
	mu      sync.RWMutex
	clients map[UsageClass]*redis.Client
	url     string
}

// New parses redisURL once and lazily creates a pooled client per usage
// class on first Get, using the teacher's tuning for a job-queue workload:
// a large pool sized for many concurrent workers plus blocking ops, short
// retry backoff, and context-respecting timeouts.
func New(redisURL string) (*Manager, error) {
	if _, err := redis.ParseURL(redisURL); err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Manager{
		clients: make(map[UsageClass]*redis.Client),
		url:     redisURL,
	}, nil
}

func (m *Manager) newClient() (*redis.Client, error) {
	opts, err := redis.ParseURL(m.url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opts.PoolSize = 50
	opts.MinIdleConns = 5
	opts.ConnMaxIdleTime = 10 * time.Minute
	opts.PoolTimeout = 5 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 10 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.ContextTimeoutEnabled = true

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Get returns a healthy handle for usageClass, creating it lazily. It may
// block briefly while establishing the first connection for that class.
func (m *Manager) Get(usageClass UsageClass) (*redis.Client, error) {
	m.mu.RLock()
	client, ok := m.clients[usageClass]
	m.mu.RUnlock()
	if ok {
		return client, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if client, ok := m.clients[usageClass]; ok {
		return client, nil
	}

	client, err := m.newClient()
	if err != nil {
		return nil, err
	}
	m.clients[usageClass] = client
	return client, nil
}

// Refresh discards the cached handle for usageClass and establishes a new
// one. Callers invoke this after an operation fails with a
// connection-category error, per the Connection Manager's contract.
func (m *Manager) Refresh(usageClass UsageClass) (*redis.Client, error) {
	m.mu.Lock()
	if old, ok := m.clients[usageClass]; ok {
		_ = old.Close()
		delete(m.clients, usageClass)
	}
	m.mu.Unlock()
	return m.Get(usageClass)
}

// HealthCheck round-trip pings the handle for usageClass with a 2,000ms
// timeout, per spec §4.1.
func (m *Manager) HealthCheck(ctx context.Context, usageClass UsageClass) HealthResult {
	client, err := m.Get(usageClass)
	if err != nil {
		return HealthResult{OK: false, Err: err}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err = client.Ping(checkCtx).Err()
	latency := time.Since(start)

	if err != nil {
		return HealthResult{OK: false, LatencyMs: latency.Milliseconds(), Err: err}
	}
	return HealthResult{OK: true, LatencyMs: latency.Milliseconds()}
}

// CloseAll idempotently tears down every client the Manager has created.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for class, client := range m.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s client: %w", class, err)
		}
		delete(m.clients, class)
	}
	return firstErr
}
