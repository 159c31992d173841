// Package billing prices tasks before they are submitted. Pricing is pure: the same
// task type and payload always produce the same intent.
package billing

import (
	"strings"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

// PricedIntent is a quote for one task: what will be used and the most it may cost.
type PricedIntent struct {
	TaskType       models.TaskType
	APIType        APIType
	Model          string
	Quantity       int
	Unit           string
	MaxFrozenCost  models.Money
	PricingVersion string
	Metadata       map[string]any
}

// BillingInfo converts the quote into the record stored on the task.
func (p *PricedIntent) BillingInfo() *models.BillingInfo {
	if p == nil {
		return nil
	}
	return &models.BillingInfo{
		APIType:        string(p.APIType),
		Model:          p.Model,
		Quantity:       p.Quantity,
		Unit:           p.Unit,
		MaxFrozenCost:  p.MaxFrozenCost,
		PricingVersion: p.PricingVersion,
		Metadata:       p.Metadata,
		Status:         models.BillingQuoted,
	}
}

const (
	defaultMaxInputTokens  = 3000
	defaultMaxOutputTokens = 1200
	defaultVoiceSeconds    = 5
	defaultVideoResolution = "720p"
	defaultLipSyncModel    = "kling"
	voiceModel             = "index-tts2"
	voiceDesignModel       = "qwen-voice-design"
)

var nonBillable = map[models.TaskType]bool{
	models.TaskEpisodeSplit: true,
}

// IsBillable reports whether tasks of this type must carry a priced intent.
func IsBillable(t models.TaskType) bool {
	return t.Valid() && !nonBillable[t]
}

// Policy prices tasks against a catalog. Mode is snapshotted onto every billing
// record it produces; empty means ENFORCE.
type Policy struct {
	Catalog *Catalog
	Mode    models.BillingMode
}

// EffectiveMode is Mode with the default applied.
func (p Policy) EffectiveMode() models.BillingMode {
	if p.Mode == "" {
		return models.BillingModeEnforce
	}
	return p.Mode
}

// BillingInfo is intent.BillingInfo stamped with the policy's mode.
func (p Policy) BillingInfo(intent *PricedIntent) *models.BillingInfo {
	info := intent.BillingInfo()
	if info != nil {
		info.ModeSnapshot = p.EffectiveMode()
	}
	return info
}

// PriceTask prices against the built-in catalog.
func PriceTask(t models.TaskType, payload models.Payload) *PricedIntent {
	return Policy{Catalog: DefaultCatalog}.Price(t, payload)
}

// Price returns the quote for the task, or nil when the type is not billable or the
// payload lacks what pricing needs (no model, or a model missing from the catalog).
// Callers must reject a billable task that prices to nil.
func (p Policy) Price(t models.TaskType, payload models.Payload) *PricedIntent {
	if !IsBillable(t) || payload == nil {
		return nil
	}
	var intent *PricedIntent
	switch pl := payload.(type) {
	case models.ImagePayload:
		intent = p.priceImage(pl)
	case models.VideoPayload:
		intent = p.priceVideo(pl)
	case models.LipSyncPayload:
		intent = p.priceLipSync(pl)
	case models.VoiceLinePayload:
		intent = p.priceVoice(pl)
	case models.VoiceDesignPayload:
		intent = p.priceVoiceDesign()
	case models.TextPayload:
		intent = p.priceText(pl)
	}
	if intent == nil {
		return nil
	}
	intent.TaskType = t
	intent.PricingVersion = PricingVersion
	return intent
}

func (p Policy) priceText(pl models.TextPayload) *PricedIntent {
	model := firstNonEmpty(pl.AnalysisModel, pl.Model)
	if model == "" {
		return nil
	}
	entry, ok := p.Catalog.Lookup(APIText, model)
	if !ok {
		return nil
	}
	in := intOr(pl.MaxInputTokens, defaultMaxInputTokens)
	out := intOr(pl.MaxOutputTokens, defaultMaxOutputTokens)
	return &PricedIntent{
		APIType:       APIText,
		Model:         model,
		Quantity:      in + out,
		Unit:          "token",
		MaxFrozenCost: entry.TextCost(in, out),
		Metadata:      map[string]any{"inputTokens": in, "outputTokens": out},
	}
}

func (p Policy) priceImage(pl models.ImagePayload) *PricedIntent {
	model := firstNonEmpty(pl.ImageModel, pl.ModelID, pl.Model)
	if model == "" {
		return nil
	}
	entry, ok := p.Catalog.Lookup(APIImage, model)
	if !ok {
		return nil
	}
	count := pl.CandidateCount
	if count == nil {
		count = pl.Count
	}
	quantity := max(1, intOr(count, 1))

	var metadata map[string]any
	resolution := pl.Resolution
	if pl.GenerationOptions != nil && pl.GenerationOptions.Resolution != "" {
		resolution = pl.GenerationOptions.Resolution
	}
	if resolution != "" {
		metadata = map[string]any{"resolution": resolution}
	}
	unit, ok := entry.UnitPrice(metadata)
	if !ok {
		return nil
	}
	return &PricedIntent{
		APIType:       APIImage,
		Model:         model,
		Quantity:      quantity,
		Unit:          "image",
		MaxFrozenCost: unit * models.Money(quantity),
		Metadata:      metadata,
	}
}

func (p Policy) priceVideo(pl models.VideoPayload) *PricedIntent {
	mode := "normal"
	flModel := ""
	if pl.FirstLastFrame != nil {
		mode = "firstlastframe"
		flModel = pl.FirstLastFrame.FLModel
	}
	model := firstNonEmpty(pl.VideoModel, pl.ModelID, pl.Model, flModel)
	if model == "" {
		return nil
	}
	entry, ok := p.Catalog.Lookup(APIVideo, model)
	if !ok {
		return nil
	}

	opts := pl.GenerationOptions
	if opts == nil {
		opts = &models.GenerationOptions{}
	}
	resolution := firstNonEmpty(opts.Resolution, pl.Resolution, defaultVideoResolution)
	metadata := map[string]any{
		"resolution":     resolution,
		"generationMode": mode,
	}
	if d := firstFloat(opts.Duration, pl.Duration); d != nil {
		metadata["duration"] = *d
	}
	if opts.GenerateAudio != nil {
		metadata["generateAudio"] = *opts.GenerateAudio
	}
	unit, ok := entry.UnitPrice(metadata)
	if !ok {
		return nil
	}
	quantity := max(1, intOr(pl.Count, 1))
	return &PricedIntent{
		APIType:       APIVideo,
		Model:         model,
		Quantity:      quantity,
		Unit:          "video",
		MaxFrozenCost: unit * models.Money(quantity),
		Metadata:      metadata,
	}
}

func (p Policy) priceLipSync(pl models.LipSyncPayload) *PricedIntent {
	model := firstNonEmpty(pl.LipSyncModel, defaultLipSyncModel)
	entry, ok := p.Catalog.Lookup(APILipSync, model)
	if !ok {
		return nil
	}
	unit, ok := entry.UnitPrice(nil)
	if !ok {
		return nil
	}
	return &PricedIntent{
		APIType:       APILipSync,
		Model:         model,
		Quantity:      1,
		Unit:          "call",
		MaxFrozenCost: unit,
	}
}

func (p Policy) priceVoice(pl models.VoiceLinePayload) *PricedIntent {
	entry, ok := p.Catalog.Lookup(APIVoice, voiceModel)
	if !ok {
		return nil
	}
	seconds := max(1, intOr(pl.MaxSeconds, defaultVoiceSeconds))
	unit, _ := entry.UnitPrice(nil)
	return &PricedIntent{
		APIType:       APIVoice,
		Model:         voiceModel,
		Quantity:      seconds,
		Unit:          "second",
		MaxFrozenCost: unit * models.Money(seconds),
		Metadata:      map[string]any{"maxSeconds": seconds},
	}
}

func (p Policy) priceVoiceDesign() *PricedIntent {
	entry, ok := p.Catalog.Lookup(APIVoiceDesign, voiceDesignModel)
	if !ok {
		return nil
	}
	unit, _ := entry.UnitPrice(nil)
	return &PricedIntent{
		APIType:       APIVoiceDesign,
		Model:         voiceDesignModel,
		Quantity:      1,
		Unit:          "call",
		MaxFrozenCost: unit,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func firstFloat(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
