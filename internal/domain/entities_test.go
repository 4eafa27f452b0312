package domain

import (
	"testing"
	"time"
)

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant Status
		expected string
	}{
		{"StatusPending", StatusPending, "pending"},
		{"StatusReserved", StatusReserved, "reserved"},
		{"StatusSuccess", StatusSuccess, "success"},
		{"StatusFailed", StatusFailed, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, string(tt.constant))
			}
		})
	}
}

func TestTask(t *testing.T) {
	now := time.Now()
	task := Task{
		ID:          "task-123",
		FuncName:    "send_email",
		Payload:     []byte(`{"to":"a@b.com"}`),
		Status:      StatusPending,
		AvailableAt: now,
		CreatedAt:   now,
	}

	if task.ID != "task-123" {
		t.Errorf("Expected ID to be 'task-123', got %q", task.ID)
	}
	if task.FuncName != "send_email" {
		t.Errorf("Expected FuncName to be 'send_email', got %q", task.FuncName)
	}
	if task.Status != StatusPending {
		t.Errorf("Expected Status to be %q, got %q", StatusPending, task.Status)
	}
	if !task.CreatedAt.Equal(now) {
		t.Errorf("Expected CreatedAt to be %v, got %v", now, task.CreatedAt)
	}
	if task.StartedAt != nil {
		t.Errorf("Expected StartedAt to be nil, got %v", task.StartedAt)
	}
}

func TestTaskLifecycleFields(t *testing.T) {
	now := time.Now()
	started := now.Add(time.Second)
	finished := now.Add(2 * time.Second)
	task := Task{
		ID:           "task-456",
		FuncName:     "render_report",
		Status:       StatusFailed,
		CreatedAt:    now,
		AvailableAt:  now,
		StartedAt:    &started,
		FinishedAt:   &finished,
		ErrorMessage: "boom",
		Traceback:    "trace",
	}

	if task.Status != StatusFailed {
		t.Errorf("Expected Status to be %q, got %q", StatusFailed, task.Status)
	}
	if task.ErrorMessage != "boom" {
		t.Errorf("Expected ErrorMessage to be 'boom', got %q", task.ErrorMessage)
	}
	if task.StartedAt == nil || !task.StartedAt.Equal(started) {
		t.Errorf("Expected StartedAt to be %v, got %v", started, task.StartedAt)
	}
	if task.FinishedAt == nil || !task.FinishedAt.Equal(finished) {
		t.Errorf("Expected FinishedAt to be %v, got %v", finished, task.FinishedAt)
	}
}

func TestReservedTask(t *testing.T) {
	now := time.Now()
	rt := ReservedTask{
		TaskID:    "task-123",
		FuncName:  "send_email",
		Payload:   []byte(`{}`),
		StartedAt: now,
	}

	if rt.TaskID != "task-123" {
		t.Errorf("Expected TaskID to be 'task-123', got %q", rt.TaskID)
	}
	if !rt.StartedAt.Equal(now) {
		t.Errorf("Expected StartedAt to be %v, got %v", now, rt.StartedAt)
	}
}

func TestResult(t *testing.T) {
	now := time.Now()
	result := Result{
		TaskID:     "task-123",
		Status:     StatusSuccess,
		Value:      []byte(`42`),
		EnqueuedAt: now,
	}

	if result.TaskID != "task-123" {
		t.Errorf("Expected TaskID to be 'task-123', got %q", result.TaskID)
	}
	if result.Status != StatusSuccess {
		t.Errorf("Expected Status to be %q, got %q", StatusSuccess, result.Status)
	}
	if string(result.Value) != "42" {
		t.Errorf("Expected Value to be '42', got %q", result.Value)
	}
	if !result.EnqueuedAt.Equal(now) {
		t.Errorf("Expected EnqueuedAt to be %v, got %v", now, result.EnqueuedAt)
	}
}

func TestLeaseToken(t *testing.T) {
	expires := time.Now().Add(time.Minute)
	lease := LeaseToken{WorkerID: "worker-1", ExpiresAt: expires}

	if lease.WorkerID != "worker-1" {
		t.Errorf("Expected WorkerID to be 'worker-1', got %q", lease.WorkerID)
	}
	if !lease.ExpiresAt.Equal(expires) {
		t.Errorf("Expected ExpiresAt to be %v, got %v", expires, lease.ExpiresAt)
	}
}
