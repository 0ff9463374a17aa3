package prompt

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Category represents a class of prompt injection neutralized by Sanitize
type Category string

const (
	CategoryInstructionOverride Category = "instruction_override"
	CategorySystemPromptLeak    Category = "system_prompt_leak"
	CategoryRoleManipulation    Category = "role_manipulation"
	CategoryJailbreak           Category = "jailbreak"
	CategoryMarkup              Category = "markup"
)

const (
	// MaxLength is the longest prompt, in runes, forwarded to providers
	MaxLength = 4000

	// Placeholder replaces every neutralized fragment
	Placeholder = "[blocked]"
)

type rule struct {
	category Category
	pattern  *regexp.Regexp
}

var (
	rules = []rule{
		{CategoryInstructionOverride, regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|prior|above)(\s+(instructions?|prompts?|commands?))?`)},
		{CategoryInstructionOverride, regexp.MustCompile(`(?i)\bdisregard\s+(all|previous|above|any)\s+(instructions?|rules|commands?)`)},
		{CategorySystemPromptLeak, regexp.MustCompile(`(?i)\bsystem\s*prompt`)},
		{CategoryRoleManipulation, regexp.MustCompile(`(?i)\byou\s+are\s+chatgpt\b`)},
		{CategoryRoleManipulation, regexp.MustCompile(`(?i)\bact\s+as\b`)},
		{CategoryJailbreak, regexp.MustCompile(`(?i)\bjailbreak\b`)},
		{CategoryJailbreak, regexp.MustCompile(`(?i)\bDAN\s+mode\b`)},
		{CategoryMarkup, regexp.MustCompile(`(?i)</?script>`)},
		{CategoryMarkup, regexp.MustCompile("```")},
	}

	controlChars = regexp.MustCompile(`[\x00-\x1F\x7F]+`)
	multiSpace   = regexp.MustCompile(`\s{2,}`)
)

// Result is the outcome of sanitizing one prompt
type Result struct {
	Text    string
	Blocked []Category // distinct categories, in rule order
}

// Sanitize normalizes a user prompt before it reaches a provider.
// The text is NFKC-normalized, control characters become spaces,
// injection patterns are replaced by Placeholder, runs of whitespace
// collapse to one space and the result is truncated to MaxLength runes.
func Sanitize(text string) Result {
	if text == "" {
		return Result{}
	}

	out := norm.NFKC.String(text)
	out = controlChars.ReplaceAllString(out, " ")

	var blocked []Category
	seen := make(map[Category]bool)
	for _, r := range rules {
		if !r.pattern.MatchString(out) {
			continue
		}
		out = r.pattern.ReplaceAllLiteralString(out, Placeholder)
		if !seen[r.category] {
			seen[r.category] = true
			blocked = append(blocked, r.category)
		}
	}

	out = strings.TrimSpace(multiSpace.ReplaceAllString(out, " "))
	if runes := []rune(out); len(runes) > MaxLength {
		out = string(runes[:MaxLength])
	}

	return Result{Text: out, Blocked: blocked}
}

// Clean is Sanitize without the report
func Clean(text string) string {
	return Sanitize(text).Text
}
