package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload marks a payload that does not fit its task type.
var ErrInvalidPayload = errors.New("invalid payload")

// Payload is the typed document a task carries to its handler. Each task type
// decodes into exactly one concrete payload.
type Payload interface {
	Validate() error
}

// GenerationOptions are provider capability switches shared by media payloads.
type GenerationOptions struct {
	Resolution    string   `json:"resolution,omitempty"`
	Duration      *float64 `json:"duration,omitempty"`
	GenerateAudio *bool    `json:"generateAudio,omitempty"`
}

// ImagePayload drives image-family tasks.
type ImagePayload struct {
	ImageModel        string             `json:"imageModel,omitempty"`
	ModelID           string             `json:"modelId,omitempty"`
	Model             string             `json:"model,omitempty"`
	Prompt            string             `json:"prompt,omitempty"`
	ReferenceURLs     []string           `json:"referenceUrls,omitempty"`
	CandidateCount    *int               `json:"candidateCount,omitempty"`
	Count             *int               `json:"count,omitempty"`
	Resolution        string             `json:"resolution,omitempty"`
	GenerationOptions *GenerationOptions `json:"generationOptions,omitempty"`
	Meta              map[string]any     `json:"meta,omitempty"`
}

func (p ImagePayload) Validate() error {
	if err := nonNegative("candidateCount", p.CandidateCount); err != nil {
		return err
	}
	if err := nonNegative("count", p.Count); err != nil {
		return err
	}
	if p.CandidateCount != nil && *p.CandidateCount > 8 {
		return fmt.Errorf("%w: candidateCount must be at most 8", ErrInvalidPayload)
	}
	return nil
}

// FirstLastFrame configures first/last-frame video generation.
type FirstLastFrame struct {
	FLModel       string `json:"flModel,omitempty"`
	FirstFrameURL string `json:"firstFrameUrl,omitempty"`
	LastFrameURL  string `json:"lastFrameUrl,omitempty"`
}

// VideoPayload drives video generation.
type VideoPayload struct {
	VideoModel        string             `json:"videoModel,omitempty"`
	ModelID           string             `json:"modelId,omitempty"`
	Model             string             `json:"model,omitempty"`
	Prompt            string             `json:"prompt,omitempty"`
	ImageURL          string             `json:"imageUrl,omitempty"`
	FirstLastFrame    *FirstLastFrame    `json:"firstLastFrame,omitempty"`
	Count             *int               `json:"count,omitempty"`
	Resolution        string             `json:"resolution,omitempty"`
	Duration          *float64           `json:"duration,omitempty"`
	GenerationOptions *GenerationOptions `json:"generationOptions,omitempty"`
	Meta              map[string]any     `json:"meta,omitempty"`
}

func (p VideoPayload) Validate() error {
	if err := nonNegative("count", p.Count); err != nil {
		return err
	}
	if p.Duration != nil && *p.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidPayload)
	}
	if p.GenerationOptions != nil && p.GenerationOptions.Duration != nil && *p.GenerationOptions.Duration <= 0 {
		return fmt.Errorf("%w: generationOptions.duration must be positive", ErrInvalidPayload)
	}
	return nil
}

// LipSyncPayload drives lip-sync video tasks.
type LipSyncPayload struct {
	LipSyncModel string         `json:"lipSyncModel,omitempty"`
	VideoURL     string         `json:"videoUrl"`
	AudioURL     string         `json:"audioUrl"`
	Meta         map[string]any `json:"meta,omitempty"`
}

func (p LipSyncPayload) Validate() error {
	if strings.TrimSpace(p.VideoURL) == "" || strings.TrimSpace(p.AudioURL) == "" {
		return fmt.Errorf("%w: videoUrl and audioUrl are required", ErrInvalidPayload)
	}
	return nil
}

// VoiceLinePayload drives text-to-speech for one line.
type VoiceLinePayload struct {
	Text       string         `json:"text"`
	VoiceID    string         `json:"voiceId,omitempty"`
	MaxSeconds *int           `json:"maxSeconds,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

func (p VoiceLinePayload) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidPayload)
	}
	if p.MaxSeconds != nil && (*p.MaxSeconds < 0 || *p.MaxSeconds > 600) {
		return fmt.Errorf("%w: maxSeconds must be within 0..600", ErrInvalidPayload)
	}
	return nil
}

// VoiceDesignPayload drives voice design from a description.
type VoiceDesignPayload struct {
	Prompt      string         `json:"prompt"`
	PreviewText string         `json:"previewText,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

func (p VoiceDesignPayload) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidPayload)
	}
	return nil
}

// TextPayload drives LLM-backed text tasks.
type TextPayload struct {
	AnalysisModel   string         `json:"analysisModel,omitempty"`
	Model           string         `json:"model,omitempty"`
	Content         string         `json:"content,omitempty"`
	MaxInputTokens  *int           `json:"maxInputTokens,omitempty"`
	MaxOutputTokens *int           `json:"maxOutputTokens,omitempty"`
	Meta            map[string]any `json:"meta,omitempty"`
}

func (p TextPayload) Validate() error {
	if err := nonNegative("maxInputTokens", p.MaxInputTokens); err != nil {
		return err
	}
	return nonNegative("maxOutputTokens", p.MaxOutputTokens)
}

// DecodePayload decodes raw into the concrete payload for t and validates it.
func DecodePayload(t TaskType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var (
		p   Payload
		err error
	)
	switch t.Family() {
	case FamilyImage:
		p, err = decodeInto[ImagePayload](raw)
	case FamilyVideo:
		if t == TaskLipSync {
			p, err = decodeInto[LipSyncPayload](raw)
		} else {
			p, err = decodeInto[VideoPayload](raw)
		}
	case FamilyVoice:
		if t == TaskVoiceDesign {
			p, err = decodeInto[VoiceDesignPayload](raw)
		} else {
			p, err = decodeInto[VoiceLinePayload](raw)
		}
	case FamilyText:
		p, err = decodeInto[TextPayload](raw)
	default:
		return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidPayload, t)
	}
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}

func nonNegative(field string, v *int) error {
	if v != nil && *v < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidPayload, field)
	}
	return nil
}
