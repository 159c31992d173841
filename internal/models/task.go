package models

import (
	"encoding/json"
	"time"
)

// TaskStatus enumerates lifecycle states persisted for a task.
type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
	StatusDismissed  TaskStatus = "dismissed"
)

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []TaskStatus{StatusQueued, StatusProcessing}

func (s TaskStatus) IsActive() bool {
	return s == StatusQueued || s == StatusProcessing
}

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusDismissed:
		return true
	}
	return false
}

// Family names the durable queue a task type is executed from.
type Family string

const (
	FamilyImage Family = "image"
	FamilyVideo Family = "video"
	FamilyVoice Family = "voice"
	FamilyText  Family = "text"
)

// AllFamilies lists every queue family.
var AllFamilies = []Family{FamilyImage, FamilyVideo, FamilyVoice, FamilyText}

// TaskType is the kind of job a task runs.
type TaskType string

const (
	TaskImagePanel         TaskType = "image_panel"
	TaskImageCharacter     TaskType = "image_character"
	TaskImageLocation      TaskType = "image_location"
	TaskPanelVariant       TaskType = "panel_variant"
	TaskModifyAssetImage   TaskType = "modify_asset_image"
	TaskVideoPanel         TaskType = "video_panel"
	TaskLipSync            TaskType = "lip_sync"
	TaskVoiceLine          TaskType = "voice_line"
	TaskVoiceDesign        TaskType = "voice_design"
	TaskAnalyzeNovel       TaskType = "analyze_novel"
	TaskStoryToScript      TaskType = "story_to_script"
	TaskScriptToStoryboard TaskType = "script_to_storyboard"
	TaskRegenerateText     TaskType = "regenerate_storyboard_text"
	TaskEpisodeSplit       TaskType = "episode_split"
)

var taskFamilies = map[TaskType]Family{
	TaskImagePanel:         FamilyImage,
	TaskImageCharacter:     FamilyImage,
	TaskImageLocation:      FamilyImage,
	TaskPanelVariant:       FamilyImage,
	TaskModifyAssetImage:   FamilyImage,
	TaskVideoPanel:         FamilyVideo,
	TaskLipSync:            FamilyVideo,
	TaskVoiceLine:          FamilyVoice,
	TaskVoiceDesign:        FamilyVoice,
	TaskAnalyzeNovel:       FamilyText,
	TaskStoryToScript:      FamilyText,
	TaskScriptToStoryboard: FamilyText,
	TaskRegenerateText:     FamilyText,
	TaskEpisodeSplit:       FamilyText,
}

// Family returns the queue family for the type, or "" for an unknown type.
func (t TaskType) Family() Family {
	return taskFamilies[t]
}

func (t TaskType) Valid() bool {
	_, ok := taskFamilies[t]
	return ok
}

// TaskTypes returns every known task type.
func TaskTypes() []TaskType {
	out := make([]TaskType, 0, len(taskFamilies))
	for t := range taskFamilies {
		out = append(out, t)
	}
	return out
}

// Task is the authoritative record of one unit of work.
type Task struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	ProjectID    string          `json:"projectId"`
	EpisodeID    *string         `json:"episodeId,omitempty"`
	Type         TaskType        `json:"type"`
	TargetType   string          `json:"targetType"`
	TargetID     string          `json:"targetId"`
	Status       TaskStatus      `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	BillingInfo  *BillingInfo    `json:"billingInfo,omitempty"`
	DedupeKey    *string         `json:"dedupeKey,omitempty"`
	Progress     int             `json:"progress"`
	ErrorCode    *string         `json:"errorCode,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	Attempt      int             `json:"attempt"`
	HeartbeatAt  *time.Time      `json:"heartbeatAt,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// LastSeen is the most recent sign of life: heartbeat when present, else creation.
func (t Task) LastSeen() time.Time {
	if t.HeartbeatAt != nil && t.HeartbeatAt.After(t.CreatedAt) {
		return *t.HeartbeatAt
	}
	return t.CreatedAt
}

// ProgressSnapshot is the latest stage report a worker stored in the task payload.
type ProgressSnapshot struct {
	Stage      string         `json:"stage,omitempty"`
	StageLabel string         `json:"stageLabel,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// CurrentProgress extracts the "progress" snapshot from the stored payload.
func (t Task) CurrentProgress() ProgressSnapshot {
	var holder struct {
		Progress ProgressSnapshot `json:"progress"`
	}
	if len(t.Payload) > 0 {
		_ = json.Unmarshal(t.Payload, &holder)
	}
	return holder.Progress
}
