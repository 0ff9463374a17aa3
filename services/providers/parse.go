package providers

import (
	"encoding/json"
	"strings"

	"github.com/upb/adgen/models"
)

type rawVariation struct {
	Headline       string `json:"headline"`
	Description    string `json:"description"`
	PrimaryText    string `json:"primary_text"`
	PrimaryTextAlt string `json:"primaryText"`
	CallToAction   string `json:"call_to_action"`
}

// ParseVariations extracts up to want structured variations from raw model
// output. Malformed or incomplete entries are dropped; order is preserved.
func ParseVariations(content string, want int, provider string) []models.Variation {
	items := extractItems(content)
	out := make([]models.Variation, 0, want)
	for _, item := range items {
		if len(out) >= want {
			break
		}
		var rv rawVariation
		if err := json.Unmarshal(item, &rv); err != nil {
			continue
		}
		primary := strings.TrimSpace(rv.PrimaryText)
		if primary == "" {
			primary = strings.TrimSpace(rv.PrimaryTextAlt)
		}
		headline := strings.TrimSpace(rv.Headline)
		if headline == "" || primary == "" {
			continue
		}
		out = append(out, models.Variation{
			Headline:     headline,
			Description:  strings.TrimSpace(rv.Description),
			PrimaryText:  primary,
			CallToAction: strings.TrimSpace(rv.CallToAction),
			Provider:     provider,
		})
	}
	return out
}

func extractItems(content string) []json.RawMessage {
	body := stripFences(strings.TrimSpace(content))
	if body == "" {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(body), &items); err == nil {
		return items
	}

	var wrapped struct {
		Variations []json.RawMessage `json:"variations"`
	}
	if err := json.Unmarshal([]byte(body), &wrapped); err == nil && wrapped.Variations != nil {
		return wrapped.Variations
	}

	// Models sometimes surround the array with prose.
	start := strings.Index(body, "[")
	end := strings.LastIndex(body, "]")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(body[start:end+1]), &items); err == nil {
			return items
		}
	}
	return nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
