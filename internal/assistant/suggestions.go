package assistant

import (
	"regexp"
	"strings"
)

// Suggestion is one proposed English phrase with its Japanese translation.
type Suggestion struct {
	EnglishText  string `json:"english_text"`
	JapaneseText string `json:"japanese_text"`
}

// Accepts both ASCII and full-width parentheses around the translation.
var suggestionLine = regexp.MustCompile(`^\d+\.\s*"(.+?)"\s*[（(](.+?)[)）]`)

// ParseSuggestions extracts numbered `N. "<english>" (<japanese>)` lines
// from the model reply. Lines that don't match the format are skipped.
func ParseSuggestions(text string) []Suggestion {
	var out []Suggestion
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		match := suggestionLine.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		out = append(out, Suggestion{
			EnglishText:  strings.TrimSpace(match[1]),
			JapaneseText: strings.TrimSpace(match[2]),
		})
	}
	return out
}
