package providers

import (
	"fmt"
	"strings"
)

// BuildAdCopyPrompt renders the instruction sent to text providers.
// Every adapter asks for the same JSON shape so ParseVariations stays shared.
func BuildAdCopyPrompt(req *TextRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write %d distinct Facebook ad variations in language %q.\n", req.VariationCount, req.Language)
	fmt.Fprintf(&sb, "Product or campaign brief: %s\n", req.Prompt)
	if req.CallToAction != "" {
		fmt.Fprintf(&sb, "Call to action: %s\n", req.CallToAction)
	}
	if len(req.AdLinks) > 0 {
		fmt.Fprintf(&sb, "Reference links: %s\n", strings.Join(req.AdLinks, ", "))
	}
	sb.WriteString(`Respond with only a JSON array. Each element must be an object with the string fields "headline", "description" and "primary_text".`)
	return sb.String()
}
