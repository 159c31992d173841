package billing

import (
	"fmt"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

// APIType groups models that share a pricing unit.
type APIType string

const (
	APIText        APIType = "text"
	APIImage       APIType = "image"
	APIVideo       APIType = "video"
	APIVoice       APIType = "voice"
	APIVoiceDesign APIType = "voice-design"
	APILipSync     APIType = "lip-sync"
)

// PricingVersion is stamped on every quote so settlements can be traced to a price list.
const PricingVersion = "builtin-2025-06"

// Tier prices one capability combination. Every key in When must equal the
// stringified capability value for the tier to match.
type Tier struct {
	When   map[string]string
	Amount models.Money
}

// Entry prices one (api type, model) pair. Flat entries use Amount; capability
// entries walk Tiers in order and fall back to Amount when it is non-zero.
type Entry struct {
	APIType APIType
	Model   string
	Amount  models.Money
	Tiers   []Tier
	// Text models are priced per million tokens.
	InputPerMillion  models.Money
	OutputPerMillion models.Money
}

// Catalog is an immutable price list.
type Catalog struct {
	entries map[string]Entry
}

func catalogKey(api APIType, model string) string {
	return string(api) + "::" + model
}

// NewCatalog indexes entries by api type and model.
func NewCatalog(entries ...Entry) *Catalog {
	c := &Catalog{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		c.entries[catalogKey(e.APIType, e.Model)] = e
	}
	return c
}

// Lookup returns the entry for the pair.
func (c *Catalog) Lookup(api APIType, model string) (Entry, bool) {
	e, ok := c.entries[catalogKey(api, model)]
	return e, ok
}

// UnitPrice resolves the per-unit amount for the capability set.
func (e Entry) UnitPrice(capabilities map[string]any) (models.Money, bool) {
	for _, tier := range e.Tiers {
		if tierMatches(tier, capabilities) {
			return tier.Amount, true
		}
	}
	if e.Amount > 0 {
		return e.Amount, true
	}
	return 0, false
}

func tierMatches(t Tier, capabilities map[string]any) bool {
	for key, want := range t.When {
		got, ok := capabilities[key]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

// TextCost prices a token budget, rounding up to the next micro-unit.
func (e Entry) TextCost(inputTokens, outputTokens int) models.Money {
	total := int64(inputTokens)*int64(e.InputPerMillion) + int64(outputTokens)*int64(e.OutputPerMillion)
	return models.Money((total + 999_999) / 1_000_000)
}

// DefaultCatalog is the built-in price list.
var DefaultCatalog = NewCatalog(
	Entry{APIType: APIText, Model: "gpt-4.1-mini", InputPerMillion: models.Units(2, 800000), OutputPerMillion: models.Units(11, 200000)},
	Entry{APIType: APIText, Model: "gemini-2.5-flash", InputPerMillion: models.Units(2, 100000), OutputPerMillion: models.Units(17, 500000)},
	Entry{APIType: APIText, Model: "gemini-2.5-pro", InputPerMillion: models.Units(8, 750000), OutputPerMillion: models.Units(70, 0)},
	Entry{APIType: APIText, Model: "doubao-seed-1-6", InputPerMillion: models.Units(0, 800000), OutputPerMillion: models.Units(8, 0)},

	Entry{APIType: APIImage, Model: "seedream-4.0", Amount: models.Units(0, 200000)},
	Entry{APIType: APIImage, Model: "gemini-2.5-flash-image", Amount: models.Units(0, 300000)},
	Entry{APIType: APIImage, Model: "nano-banana-pro", Tiers: []Tier{
		{When: map[string]string{"resolution": "1K"}, Amount: models.Units(1, 0)},
		{When: map[string]string{"resolution": "2K"}, Amount: models.Units(1, 0)},
		{When: map[string]string{"resolution": "4K"}, Amount: models.Units(2, 0)},
	}, Amount: models.Units(1, 0)},

	Entry{APIType: APIVideo, Model: "doubao-seedance-1-0-pro", Tiers: []Tier{
		{When: map[string]string{"resolution": "480p", "duration": "5"}, Amount: models.Units(0, 730000)},
		{When: map[string]string{"resolution": "720p", "duration": "5"}, Amount: models.Units(1, 620000)},
		{When: map[string]string{"resolution": "1080p", "duration": "5"}, Amount: models.Units(3, 670000)},
		{When: map[string]string{"resolution": "480p"}, Amount: models.Units(1, 460000)},
		{When: map[string]string{"resolution": "720p"}, Amount: models.Units(3, 240000)},
		{When: map[string]string{"resolution": "1080p"}, Amount: models.Units(7, 340000)},
	}},
	Entry{APIType: APIVideo, Model: "kling-v2", Tiers: []Tier{
		{When: map[string]string{"generationMode": "firstlastframe"}, Amount: models.Units(3, 500000)},
		{When: map[string]string{"generationMode": "normal", "generateAudio": "true"}, Amount: models.Units(4, 0)},
	}, Amount: models.Units(2, 500000)},

	Entry{APIType: APIVoice, Model: "index-tts2", Amount: models.Units(0, 10000)},
	Entry{APIType: APIVoiceDesign, Model: "qwen-voice-design", Amount: models.Units(0, 200000)},
	Entry{APIType: APILipSync, Model: "kling", Amount: models.Units(0, 500000)},
	Entry{APIType: APILipSync, Model: "vidu", Amount: models.Units(0, 400000)},
)
