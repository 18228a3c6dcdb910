package queuecore

import (
	"fmt"
	"strconv"
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/job"
)

// hashFromJob flattens a Job into the field set stored in its job:{id} hash.
func hashFromJob(j *job.Job) map[string]interface{} {
	fields := map[string]interface{}{
		"id":               j.ID,
		"class":            string(j.Class),
		"payload":          string(j.Payload),
		"merchantId":       j.MerchantID,
		"priority":         strconv.Itoa(int(j.Priority)),
		"attemptsMade":     strconv.Itoa(j.AttemptsMade),
		"maxAttempts":      strconv.Itoa(j.MaxAttempts),
		"delayUntil":       strconv.FormatInt(j.DelayUntil, 10),
		"backoffType":      j.Backoff.Type,
		"backoffBaseDelayMs": strconv.FormatInt(j.Backoff.BaseDelayMs, 10),
		"enqueuedAt":       strconv.FormatInt(j.EnqueuedAt.UnixMilli(), 10),
		"state":            string(j.State),
		"error":            j.Error,
		"removeOnComplete": strconv.Itoa(j.RemoveOnComplete),
		"removeOnFail":     strconv.Itoa(j.RemoveOnFail),
	}
	if j.DispatchedAt != nil {
		fields["dispatchedAt"] = strconv.FormatInt(j.DispatchedAt.UnixMilli(), 10)
	}
	if j.CompletedAt != nil {
		fields["completedAt"] = strconv.FormatInt(j.CompletedAt.UnixMilli(), 10)
	}
	return fields
}

// jobFromHash reconstructs a Job from a job:{id} hash's fields, as returned
// by HGETALL.
func jobFromHash(fields map[string]string) (*job.Job, error) {
	priority, err := strconv.Atoi(fields["priority"])
	if err != nil {
		return nil, fmt.Errorf("queuecore: decode priority: %w", err)
	}
	attemptsMade, err := strconv.Atoi(fields["attemptsMade"])
	if err != nil {
		return nil, fmt.Errorf("queuecore: decode attemptsMade: %w", err)
	}
	maxAttempts, err := strconv.Atoi(fields["maxAttempts"])
	if err != nil {
		return nil, fmt.Errorf("queuecore: decode maxAttempts: %w", err)
	}
	delayUntil, err := strconv.ParseInt(fields["delayUntil"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("queuecore: decode delayUntil: %w", err)
	}
	backoffBaseDelayMs, err := strconv.ParseInt(fields["backoffBaseDelayMs"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("queuecore: decode backoffBaseDelayMs: %w", err)
	}
	enqueuedAtMs, err := strconv.ParseInt(fields["enqueuedAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("queuecore: decode enqueuedAt: %w", err)
	}
	removeOnComplete, _ := strconv.Atoi(fields["removeOnComplete"])
	removeOnFail, _ := strconv.Atoi(fields["removeOnFail"])

	j := &job.Job{
		ID:           fields["id"],
		Class:        job.Class(fields["class"]),
		Payload:      []byte(fields["payload"]),
		MerchantID:   fields["merchantId"],
		Priority:     job.Priority(priority),
		AttemptsMade: attemptsMade,
		MaxAttempts:  maxAttempts,
		DelayUntil:   delayUntil,
		Backoff: job.Backoff{
			Type:        fields["backoffType"],
			BaseDelayMs: backoffBaseDelayMs,
		},
		EnqueuedAt:       time.UnixMilli(enqueuedAtMs),
		State:            job.State(fields["state"]),
		Error:            fields["error"],
		RemoveOnComplete: removeOnComplete,
		RemoveOnFail:     removeOnFail,
	}

	if raw, ok := fields["dispatchedAt"]; ok && raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			t := time.UnixMilli(ms)
			j.DispatchedAt = &t
		}
	}
	if raw, ok := fields["completedAt"]; ok && raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			t := time.UnixMilli(ms)
			j.CompletedAt = &t
		}
	}

	return j, nil
}
