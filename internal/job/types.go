package job

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// State represents the current lifecycle state of a job.
type State string

const (
	// StateWaiting indicates the job is eligible for dispatch.
	StateWaiting State = "waiting"
	// StateDelayed indicates the job is not yet eligible; DelayUntil is in the future.
	StateDelayed State = "delayed"
	// StateActive indicates a worker currently holds the job's lease.
	StateActive State = "active"
	// StateCompleted indicates the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed indicates the job exhausted its attempts and will not be retried.
	StateFailed State = "failed"
)

// Priority is an ordered enum; lower numeric value dispatches first within a class.
type Priority int

const (
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority accepts only the current literal set. Legacy literals
// ('LOW'|'MEDIUM'|'HIGH'|'CRITICAL') are rejected rather than migrated — see
// SPEC_FULL.md §13.1.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "urgent":
		return PriorityUrgent, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unrecognized priority literal %q", s)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Class is a closed set of job categories, each with its own handler,
// concurrency budget, and default retry policy.
type Class string

const (
	ClassWebhookInbound       Class = "webhook-inbound"
	ClassAIResponse           Class = "ai-response"
	ClassMessageDelivery      Class = "message-delivery"
	ClassNotification         Class = "notification"
	ClassCleanup              Class = "cleanup"
	ClassChatRelayProcessing  Class = "chat-relay-processing"
)

// KnownClasses lists every class the dispatch table may register a handler for.
var KnownClasses = []Class{
	ClassWebhookInbound,
	ClassAIResponse,
	ClassMessageDelivery,
	ClassNotification,
	ClassCleanup,
	ClassChatRelayProcessing,
}

// IsKnown reports whether c is one of the closed set of job classes.
func (c Class) IsKnown() bool {
	for _, k := range KnownClasses {
		if k == c {
			return true
		}
	}
	return false
}

// ClassDefaults holds the per-class tuning applied when enqueue options omit a field.
type ClassDefaults struct {
	Concurrency      int
	MaxAttempts      int
	MaxAttemptsUrgent int // 0 means "same as MaxAttempts"
	RemoveOnComplete int
	RemoveOnCompleteUrgent int
	RemoveOnFail     int
	RemoveOnFailUrgent int
}

// Defaults is the per-class defaults table from spec §4.3.
var Defaults = map[Class]ClassDefaults{
	ClassWebhookInbound: {
		Concurrency: 5, MaxAttempts: 3, MaxAttemptsUrgent: 5,
		RemoveOnComplete: 100, RemoveOnCompleteUrgent: 200,
		RemoveOnFail: 50, RemoveOnFailUrgent: 100,
	},
	ClassAIResponse: {
		Concurrency: 3, MaxAttempts: 2,
		RemoveOnComplete: 100, RemoveOnFail: 50,
	},
	ClassMessageDelivery: {
		Concurrency: 3, MaxAttempts: 3,
		RemoveOnComplete: 100, RemoveOnFail: 50,
	},
	ClassNotification: {
		Concurrency: 2, MaxAttempts: 3,
		RemoveOnComplete: 100, RemoveOnFail: 50,
	},
	ClassCleanup: {
		Concurrency: 1, MaxAttempts: 1,
		RemoveOnComplete: 50, RemoveOnFail: 50,
	},
	ClassChatRelayProcessing: {
		Concurrency: 4, MaxAttempts: 2, MaxAttemptsUrgent: 3,
		RemoveOnComplete: 100, RemoveOnCompleteUrgent: 200,
		RemoveOnFail: 50, RemoveOnFailUrgent: 100,
	},
}

// MaxAttemptsFor resolves the default max attempts for class c at priority p.
func (d ClassDefaults) MaxAttemptsFor(p Priority) int {
	if p == PriorityUrgent && d.MaxAttemptsUrgent > 0 {
		return d.MaxAttemptsUrgent
	}
	return d.MaxAttempts
}

// RemoveOnCompleteFor resolves the retention-on-complete cap for priority p.
func (d ClassDefaults) RemoveOnCompleteFor(p Priority) int {
	if p == PriorityUrgent && d.RemoveOnCompleteUrgent > 0 {
		return d.RemoveOnCompleteUrgent
	}
	return d.RemoveOnComplete
}

// RemoveOnFailFor resolves the retention-on-fail cap for priority p.
func (d ClassDefaults) RemoveOnFailFor(p Priority) int {
	if p == PriorityUrgent && d.RemoveOnFailUrgent > 0 {
		return d.RemoveOnFailUrgent
	}
	return d.RemoveOnFail
}

// Backoff is the retry policy descriptor attached to a job.
type Backoff struct {
	Type        string `json:"type"`
	BaseDelayMs int64  `json:"baseDelayMs"`
}

// NextDelay computes the exponential backoff for the attempt that just failed,
// jittered by at most ±10%, per spec §4.3: baseDelayMs × 2^(attemptsMade-1).
func (b Backoff) NextDelay(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	base := float64(b.BaseDelayMs) * float64(int64(1)<<uint(attemptsMade-1))
	jitter := base * 0.10
	delta := (rand.Float64()*2 - 1) * jitter
	return time.Duration(base+delta) * time.Millisecond
}

// Job is a unit of deferred work.
type Job struct {
	ID           string          `json:"id"`
	Class        Class           `json:"class"`
	Payload      json.RawMessage `json:"payload"`
	MerchantID   string          `json:"merchantId,omitempty"`
	Priority     Priority        `json:"priority"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	DelayUntil   int64           `json:"delayUntil"`
	Backoff      Backoff         `json:"backoff"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
	DispatchedAt *time.Time      `json:"dispatchedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	State        State           `json:"state"`
	Error        string          `json:"error,omitempty"`

	RemoveOnComplete int `json:"removeOnComplete"`
	RemoveOnFail     int `json:"removeOnFail"`
}

// Options overrides the per-class defaults at enqueue time. DelayMs is
// relative: the job becomes eligible for dispatch DelayMs milliseconds after
// enqueue; 0 means immediately.
type Options struct {
	Priority         Priority
	DelayMs          int64
	MaxAttempts      int
	BackoffBaseMs    int64
	RetentionOnComplete int
	RetentionOnFail  int
}

// New builds a job for class c with the per-class defaults applied, then
// overridden by any non-zero field in opts.
func New(class Class, payload []byte, merchantID string, opts Options) (*Job, error) {
	if !class.IsKnown() {
		return nil, fmt.Errorf("unknown job class %q", class)
	}
	defaults, ok := Defaults[class]
	if !ok {
		return nil, fmt.Errorf("no defaults registered for class %q", class)
	}

	priority := opts.Priority
	if priority == 0 {
		priority = PriorityNormal
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaults.MaxAttemptsFor(priority)
	}
	removeOnComplete := opts.RetentionOnComplete
	if removeOnComplete == 0 {
		removeOnComplete = defaults.RemoveOnCompleteFor(priority)
	}
	removeOnFail := opts.RetentionOnFail
	if removeOnFail == 0 {
		removeOnFail = defaults.RemoveOnFailFor(priority)
	}

	now := time.Now()
	state := StateWaiting
	var delayUntil int64
	if opts.DelayMs > 0 {
		delayUntil = now.UnixMilli() + opts.DelayMs
		state = StateDelayed
	}

	backoffBase := opts.BackoffBaseMs
	if backoffBase <= 0 {
		backoffBase = 2000
	}

	return &Job{
		ID:               uuid.New().String(),
		Class:            class,
		Payload:          payload,
		MerchantID:       merchantID,
		Priority:         priority,
		AttemptsMade:     0,
		MaxAttempts:      maxAttempts,
		DelayUntil:       delayUntil,
		Backoff:          Backoff{Type: "exponential", BaseDelayMs: backoffBase},
		EnqueuedAt:       now,
		State:            state,
		RemoveOnComplete: removeOnComplete,
		RemoveOnFail:     removeOnFail,
	}, nil
}

// IsDueForPromotion reports whether a delayed job's deadline has passed.
func (j *Job) IsDueForPromotion(now time.Time) bool {
	return j.State == StateDelayed && j.DelayUntil <= now.UnixMilli()
}

// SessionKind returns the tenant-session kind a worker must open for this
// job's class, per spec §4.4.
func (c Class) SessionKind() string {
	switch c {
	case ClassWebhookInbound, ClassMessageDelivery:
		return "webhook"
	case ClassAIResponse, ClassChatRelayProcessing:
		return "ai"
	case ClassNotification, ClassCleanup:
		return "generic"
	default:
		return "generic"
	}
}
