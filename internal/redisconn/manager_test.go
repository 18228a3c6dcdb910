package redisconn

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	m, err := New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m, mr
}

func TestNew_InvalidURL(t *testing.T) {
	if _, err := New("not-a-url://###"); err == nil {
		t.Fatal("expected error for invalid redis URL")
	}
}

func TestGet_LazilyConnects(t *testing.T) {
	m, mr := setupTestManager(t)
	defer mr.Close()

	client, err := m.Get(UsageQueueBackend)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if client == nil {
		t.Fatal("expected non-nil client")
	}

	client2, err := m.Get(UsageQueueBackend)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if client != client2 {
		t.Error("expected same client instance to be reused for the same usage class")
	}
}

func TestGet_SeparateClientsPerUsageClass(t *testing.T) {
	m, mr := setupTestManager(t)
	defer mr.Close()

	queueClient, _ := m.Get(UsageQueueBackend)
	cacheClient, _ := m.Get(UsageCache)

	if queueClient == cacheClient {
		t.Error("expected distinct clients per usage class")
	}
}

func TestHealthCheck_Healthy(t *testing.T) {
	m, mr := setupTestManager(t)
	defer mr.Close()

	result := m.HealthCheck(context.Background(), UsageQueueBackend)
	if !result.OK {
		t.Errorf("expected healthy result, got err=%v", result.Err)
	}
}

func TestHealthCheck_Unreachable(t *testing.T) {
	m, err := New("redis://localhost:1")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result := m.HealthCheck(context.Background(), UsageQueueBackend)
	if result.OK {
		t.Error("expected unhealthy result for unreachable redis")
	}
}

func TestRefresh_ReplacesClient(t *testing.T) {
	m, mr := setupTestManager(t)
	defer mr.Close()

	original, _ := m.Get(UsageQueueBackend)
	refreshed, err := m.Refresh(UsageQueueBackend)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if original == refreshed {
		t.Error("expected Refresh to produce a new client instance")
	}
}

func TestCloseAll_Idempotent(t *testing.T) {
	m, mr := setupTestManager(t)
	defer mr.Close()

	_, _ = m.Get(UsageQueueBackend)
	_, _ = m.Get(UsageCache)

	if err := m.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
	if err := m.CloseAll(); err != nil {
		t.Fatalf("second CloseAll() should be idempotent, got error = %v", err)
	}
}
