package models

import (
	"encoding/json"
	"time"
)

// EventType enumerates task lifecycle events.
type EventType string

const (
	EventCreated    EventType = "created"
	EventProcessing EventType = "processing"
	EventProgress   EventType = "progress"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
)

func (e EventType) IsTerminal() bool {
	return e == EventCompleted || e == EventFailed
}

// TaskEvent is one entry of a task's lifecycle log. Persisted events carry a
// numeric Seq; ephemeral ones only an ID.
type TaskEvent struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq,omitempty"`
	TaskID     string          `json:"taskId"`
	ProjectID  string          `json:"projectId"`
	UserID     string          `json:"userId"`
	Type       EventType       `json:"type"`
	TaskType   TaskType        `json:"taskType"`
	TargetType string          `json:"targetType"`
	TargetID   string          `json:"targetId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Persisted  bool            `json:"persisted"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// EventPayload is the snapshot carried by lifecycle events.
type EventPayload struct {
	Status       TaskStatus     `json:"status,omitempty"`
	Progress     *int           `json:"progress,omitempty"`
	Stage        string         `json:"stage,omitempty"`
	StageLabel   string         `json:"stageLabel,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Cancelled    bool           `json:"cancelled,omitempty"`
	Reconciled   bool           `json:"reconciled,omitempty"`
	Billing      *BillingInfo   `json:"billing,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}
