package job

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNew_CreatesWithCorrectDefaults(t *testing.T) {
	payload := []byte(`{"key":"value"}`)
	j, err := New(ClassNotification, payload, "merchant-1", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if j.Class != ClassNotification {
		t.Errorf("expected class %s, got %s", ClassNotification, j.Class)
	}
	if j.Priority != PriorityNormal {
		t.Errorf("expected default priority normal, got %s", j.Priority)
	}
	if j.State != StateWaiting {
		t.Errorf("expected state waiting, got %s", j.State)
	}
	if j.AttemptsMade != 0 {
		t.Errorf("expected 0 attempts, got %d", j.AttemptsMade)
	}
	if j.MaxAttempts != 3 {
		t.Errorf("expected max attempts 3 for notification class, got %d", j.MaxAttempts)
	}
	if string(j.Payload) != `{"key":"value"}` {
		t.Errorf("expected payload to match, got %s", string(j.Payload))
	}
}

func TestNew_UnknownClassRejected(t *testing.T) {
	_, err := New(Class("legacy-unknown"), []byte("{}"), "m1", Options{})
	if err == nil {
		t.Fatal("expected error for unknown class")
	}
}

func TestNew_GeneratesUniqueIDs(t *testing.T) {
	payload := []byte("{}")

	j1, _ := New(ClassCleanup, payload, "m1", Options{})
	j2, _ := New(ClassCleanup, payload, "m1", Options{})
	j3, _ := New(ClassCleanup, payload, "m1", Options{})

	if j1.ID == j2.ID || j2.ID == j3.ID || j1.ID == j3.ID {
		t.Error("expected unique IDs, got duplicates")
	}
	if len(j1.ID) != 36 || len(j2.ID) != 36 || len(j3.ID) != 36 {
		t.Error("expected UUID format with length 36")
	}
}

func TestNew_UrgentPriorityBumpsWebhookAttempts(t *testing.T) {
	j, err := New(ClassWebhookInbound, []byte("{}"), "m1", Options{Priority: PriorityUrgent})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.MaxAttempts != 5 {
		t.Errorf("expected 5 max attempts for urgent webhook-inbound, got %d", j.MaxAttempts)
	}
	if j.RemoveOnComplete != 200 {
		t.Errorf("expected removeOnComplete 200 for urgent webhook-inbound, got %d", j.RemoveOnComplete)
	}
}

func TestNew_OptionsOverrideDefaults(t *testing.T) {
	j, err := New(ClassAIResponse, []byte("{}"), "m1", Options{MaxAttempts: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.MaxAttempts != 7 {
		t.Errorf("expected overridden max attempts 7, got %d", j.MaxAttempts)
	}
}

func TestNew_DelayMsSetsDelayedState(t *testing.T) {
	before := time.Now().UnixMilli()
	j, err := New(ClassNotification, []byte("{}"), "m1", Options{DelayMs: time.Hour.Milliseconds()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := time.Now().UnixMilli()

	if j.State != StateDelayed {
		t.Errorf("expected state delayed, got %s", j.State)
	}
	wantMin := before + time.Hour.Milliseconds()
	wantMax := after + time.Hour.Milliseconds()
	if j.DelayUntil < wantMin || j.DelayUntil > wantMax {
		t.Errorf("expected delayUntil in [%d, %d], got %d", wantMin, wantMax, j.DelayUntil)
	}
}

func TestNew_BackoffBaseOverride(t *testing.T) {
	j, err := New(ClassAIResponse, []byte("{}"), "m1", Options{BackoffBaseMs: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Backoff.BaseDelayMs != 100 {
		t.Errorf("expected backoff base 100, got %d", j.Backoff.BaseDelayMs)
	}

	def, err := New(ClassAIResponse, []byte("{}"), "m1", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Backoff.BaseDelayMs != 2000 {
		t.Errorf("expected default backoff base 2000, got %d", def.Backoff.BaseDelayMs)
	}
}

func TestParsePriority_RejectsLegacyLiterals(t *testing.T) {
	for _, legacy := range []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"} {
		if _, err := ParsePriority(legacy); err == nil {
			t.Errorf("expected legacy literal %q to be rejected", legacy)
		}
	}
}

func TestParsePriority_AcceptsCurrentSet(t *testing.T) {
	tests := map[string]Priority{
		"urgent": PriorityUrgent,
		"high":   PriorityHigh,
		"normal": PriorityNormal,
		"low":    PriorityLow,
	}
	for literal, want := range tests {
		got, err := ParsePriority(literal)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", literal, err)
		}
		if got != want {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestIsDueForPromotion(t *testing.T) {
	now := time.Now()
	j := &Job{State: StateDelayed, DelayUntil: now.Add(-time.Second).UnixMilli()}
	if !j.IsDueForPromotion(now) {
		t.Error("expected job to be due for promotion")
	}

	future := &Job{State: StateDelayed, DelayUntil: now.Add(time.Hour).UnixMilli()}
	if future.IsDueForPromotion(now) {
		t.Error("expected future-delayed job to not be due")
	}
}

func TestClass_SessionKind(t *testing.T) {
	tests := map[Class]string{
		ClassWebhookInbound:      "webhook",
		ClassMessageDelivery:     "webhook",
		ClassAIResponse:          "ai",
		ClassChatRelayProcessing: "ai",
		ClassNotification:        "generic",
		ClassCleanup:             "generic",
	}
	for class, want := range tests {
		if got := class.SessionKind(); got != want {
			t.Errorf("class %s: expected session kind %s, got %s", class, want, got)
		}
	}
}

func TestBackoff_NextDelay_Exponential(t *testing.T) {
	b := Backoff{Type: "exponential", BaseDelayMs: 100}

	d1 := b.NextDelay(1)
	d2 := b.NextDelay(2)

	if d1 < 90*time.Millisecond || d1 > 110*time.Millisecond {
		t.Errorf("expected ~100ms ±10%%, got %v", d1)
	}
	if d2 < 180*time.Millisecond || d2 > 220*time.Millisecond {
		t.Errorf("expected ~200ms ±10%%, got %v", d2)
	}
}

func TestJob_JSONRoundTrip(t *testing.T) {
	payload := []byte(`{"test":"data"}`)
	j, err := New(ClassChatRelayProcessing, payload, "merchant-1", Options{Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("failed to marshal job: %v", err)
	}

	var unmarshaled Job
	if err := json.Unmarshal(data, &unmarshaled); err != nil {
		t.Fatalf("failed to unmarshal job: %v", err)
	}

	if unmarshaled.ID != j.ID {
		t.Errorf("expected ID %s, got %s", j.ID, unmarshaled.ID)
	}
	if unmarshaled.Class != j.Class {
		t.Errorf("expected class %s, got %s", j.Class, unmarshaled.Class)
	}
	if unmarshaled.Priority != j.Priority {
		t.Errorf("expected priority %s, got %s", j.Priority, unmarshaled.Priority)
	}
	if unmarshaled.MerchantID != j.MerchantID {
		t.Errorf("expected merchant %s, got %s", j.MerchantID, unmarshaled.MerchantID)
	}
}

func TestJob_TimestampsSet(t *testing.T) {
	before := time.Now()
	j, err := New(ClassNotification, []byte("{}"), "m1", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := time.Now()

	if j.EnqueuedAt.Before(before) || j.EnqueuedAt.After(after) {
		t.Error("EnqueuedAt timestamp not set correctly")
	}
}
