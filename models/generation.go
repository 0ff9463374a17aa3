package models

import "time"

// DefaultCallToAction is used when a request does not name one
const DefaultCallToAction = "LEARN_MORE"

// GenerationRequest describes one ad copy generation call
type GenerationRequest struct {
	Prompt         string   `json:"prompt" validate:"required,min=3,max=4000"`
	VariationCount int      `json:"variation_count" validate:"required,gte=1,lte=10"`
	Language       string   `json:"language,omitempty" validate:"omitempty,min=2,max=16"`
	CallToAction   string   `json:"call_to_action,omitempty" validate:"omitempty,max=32"`
	AdLinks        []string `json:"ad_links,omitempty" validate:"omitempty,max=5,dive,url"`
}

// LanguageOrDefault returns the request language, "en" when unset
func (r GenerationRequest) LanguageOrDefault() string {
	if r.Language == "" {
		return "en"
	}
	return r.Language
}

// CallToActionOrDefault returns the CTA, DefaultCallToAction when unset
func (r GenerationRequest) CallToActionOrDefault() string {
	if r.CallToAction == "" {
		return DefaultCallToAction
	}
	return r.CallToAction
}

// Variation is one generated ad copy candidate
type Variation struct {
	Headline     string `json:"headline"`
	Description  string `json:"description"`
	PrimaryText  string `json:"primary_text"`
	ImageURL     string `json:"image_url,omitempty"`
	CallToAction string `json:"call_to_action,omitempty"`
	Provider     string `json:"provider"`
	IsFallback   bool   `json:"is_fallback"`
}

// GenerationResult is the ordered list of variations for a request.
// len(Variations) always equals the requested count.
type GenerationResult struct {
	Variations    []Variation `json:"variations"`
	Provider      string      `json:"provider"`
	FromCache     bool        `json:"from_cache"`
	FallbackCount int         `json:"fallback_count"`
	GeneratedAt   time.Time   `json:"generated_at"`
}

// Clone returns a copy whose variation slice can be mutated independently
func (r *GenerationResult) Clone() *GenerationResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Variations = append([]Variation(nil), r.Variations...)
	return &c
}

// ImageRequest describes one image generation call
type ImageRequest struct {
	Prompt string `json:"prompt" validate:"required,min=3,max=4000"`
}

// ImageResult is the stable URL of a generated (or placeholder) image
type ImageResult struct {
	URL         string    `json:"url"`
	Provider    string    `json:"provider"`
	IsFallback  bool      `json:"is_fallback"`
	FromCache   bool      `json:"from_cache"`
	GeneratedAt time.Time `json:"generated_at"`
}
