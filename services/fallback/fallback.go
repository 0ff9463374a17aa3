package fallback

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/language"

	"github.com/upb/adgen/models"
)

// DefaultPlaceholderImage is served when no generated image is available
const DefaultPlaceholderImage = "/img/placeholder.png"

const maxHeadlineSubject = 20

type templates struct {
	headline    string
	description string
	primaryText string
}

var byLanguage = map[string]templates{
	"en": {
		headline:    "Version %d: %s",
		description: "Ad copy for %s, sample %d",
		primaryText: "Ad version %d for: %s. Discover what makes it worth your time today.",
	},
	"vi": {
		headline:    "Phiên bản %d: %s",
		description: "Nội dung quảng cáo cho %s, mẫu số %d",
		primaryText: "Phiên bản quảng cáo %d cho: %s. Khám phá ngay hôm nay.",
	},
}

// Generator produces deterministic placeholder ad copy
type Generator struct {
	placeholderImage string
}

// New creates a generator. An empty placeholder uses DefaultPlaceholderImage.
func New(placeholderImage string) *Generator {
	if placeholderImage == "" {
		placeholderImage = DefaultPlaceholderImage
	}
	return &Generator{placeholderImage: placeholderImage}
}

// PlaceholderImage returns the static image URL used for fallback content
func (g *Generator) PlaceholderImage() string {
	return g.placeholderImage
}

// Fill returns the variations needed to bring already up to req.VariationCount.
// The same (prompt, index, language) always yields the same variation.
func (g *Generator) Fill(req models.GenerationRequest, already []models.Variation, provider string) []models.Variation {
	missing := req.VariationCount - len(already)
	if missing <= 0 {
		return nil
	}

	tpl := templatesFor(req.LanguageOrDefault())
	prompt := strings.Join(strings.Fields(req.Prompt), " ")
	subject := shorten(prompt, maxHeadlineSubject)
	cta := req.CallToActionOrDefault()

	out := make([]models.Variation, 0, missing)
	for i := len(already); i < req.VariationCount; i++ {
		n := i + 1
		out = append(out, models.Variation{
			Headline:     fmt.Sprintf(tpl.headline, n, subject),
			Description:  fmt.Sprintf(tpl.description, subject, n),
			PrimaryText:  fmt.Sprintf(tpl.primaryText, n, prompt),
			ImageURL:     g.placeholderImage,
			CallToAction: cta,
			Provider:     provider,
			IsFallback:   true,
		})
	}
	return out
}

func templatesFor(tag string) templates {
	parsed, err := language.Parse(tag)
	if err == nil {
		base, _ := parsed.Base()
		if tpl, ok := byLanguage[base.String()]; ok {
			return tpl
		}
	}
	return byLanguage["en"]
}

func shorten(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}
