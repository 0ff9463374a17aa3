package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/upb/adgen/models"
)

// DefaultTextProvider is used when an ad content job names no text provider
const DefaultTextProvider = "openai"

// Generator is the part of the orchestrator the job handlers need
type Generator interface {
	Generate(ctx context.Context, req models.GenerationRequest, providerName string) (*models.GenerationResult, error)
	GenerateImage(ctx context.Context, req models.ImageRequest, providerName string) (*models.ImageResult, error)
}

// AdContentPayload is the persisted input of an AD_CONTENT_GENERATION job
type AdContentPayload struct {
	Request       models.GenerationRequest `json:"request"`
	TextProvider  string                   `json:"text_provider"`
	ImageProvider string                   `json:"image_provider,omitempty"`
}

// Steps returns the number of progress steps the job reports
func (p AdContentPayload) Steps() int {
	// prepare, generate text, process, validate
	steps := 4
	if p.ImageProvider != "" {
		steps += p.Request.VariationCount
	}
	return steps
}

// ImagePayload is the persisted input of an IMAGE_GENERATION job
type ImagePayload struct {
	Request  models.ImageRequest `json:"request"`
	Provider string              `json:"provider"`
}

// Steps returns the number of progress steps the job reports
func (ImagePayload) Steps() int { return 2 }

// RegisterHandlers binds the generation job types to gen
func RegisterHandlers(e *Engine, gen Generator) {
	e.RegisterHandler(models.JobTypeAdContent, AdContentHandler(gen))
	e.RegisterHandler(models.JobTypeImage, ImageHandler(gen))
}

// AdContentHandler generates ad copy and, when an image provider is set,
// one image per variation
func AdContentHandler(gen Generator) Handler {
	return func(ctx context.Context, job *models.Job, progress Progress) (interface{}, error) {
		var p AdContentPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid job payload: %w", err)
		}
		if p.TextProvider == "" {
			p.TextProvider = DefaultTextProvider
		}

		progress.Step(0, "Preparing content generation")
		progress.Step(1, "Generating text content")
		result, err := gen.Generate(ctx, p.Request, p.TextProvider)
		if err != nil {
			return nil, err
		}
		result = result.Clone()

		progress.Step(2, "Processing generated content")
		if p.ImageProvider != "" {
			total := len(result.Variations)
			progress.Step(2, "Generating images")
			for i := range result.Variations {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				v := &result.Variations[i]
				img, err := gen.GenerateImage(ctx, models.ImageRequest{Prompt: imagePrompt(*v)}, p.ImageProvider)
				if err != nil {
					return nil, err
				}
				v.ImageURL = img.URL
				progress.Step(3+i, fmt.Sprintf("Generated image %d/%d", i+1, total))
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress.Step(p.Steps()-1, "Validating content")
		if len(result.Variations) != p.Request.VariationCount {
			return nil, fmt.Errorf("expected %d variations, got %d", p.Request.VariationCount, len(result.Variations))
		}
		return result, nil
	}
}

// ImageHandler generates a single image
func ImageHandler(gen Generator) Handler {
	return func(ctx context.Context, job *models.Job, progress Progress) (interface{}, error) {
		var p ImagePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid job payload: %w", err)
		}

		progress.Step(0, "Generating image")
		result, err := gen.GenerateImage(ctx, p.Request, p.Provider)
		if err != nil {
			return nil, err
		}
		progress.Step(1, "Storing image")
		return result, nil
	}
}

func imagePrompt(v models.Variation) string {
	if text := strings.TrimSpace(v.PrimaryText); len(text) >= 3 {
		return text
	}
	return strings.TrimSpace(v.Headline + ". " + v.Description)
}
