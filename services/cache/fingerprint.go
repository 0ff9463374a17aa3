package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"github.com/upb/adgen/models"
)

// TextFingerprint identifies an ad copy request for one provider.
// Prompts differing only in case or whitespace share a fingerprint.
func TextFingerprint(req models.GenerationRequest, provider string) string {
	links := make([]string, 0, len(req.AdLinks))
	for _, l := range req.AdLinks {
		if l = strings.TrimSpace(l); l != "" {
			links = append(links, l)
		}
	}
	sort.Strings(links)

	return digest(
		"text",
		NormalizePrompt(req.Prompt),
		normalizeProvider(provider),
		strconv.Itoa(req.VariationCount),
		CanonicalLanguage(req.LanguageOrDefault()),
		strings.ToUpper(strings.TrimSpace(req.CallToActionOrDefault())),
		strings.Join(links, ","),
	)
}

// ImageFingerprint identifies an image request for one provider
func ImageFingerprint(prompt, provider string) string {
	return digest("image", NormalizePrompt(prompt), normalizeProvider(provider))
}

// NormalizePrompt lower-cases, trims and collapses internal whitespace
func NormalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
}

// CanonicalLanguage returns the BCP 47 form of tag, or its lower-cased text when unparseable
func CanonicalLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "en"
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return strings.ToLower(tag)
	}
	return parsed.String()
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		// unit separator keeps ("ab","c") distinct from ("a","bc")
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}
