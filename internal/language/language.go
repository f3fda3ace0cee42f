// Package language validates language selections and resolves display names.
package language

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Auto is the source-language value that requests automatic detection.
const Auto = "auto"

// supported lists the target languages the downstream executors accept.
var supported = []language.Tag{
	language.English, language.French, language.Spanish, language.BrazilianPortuguese,
	language.German, language.Italian, language.Dutch, language.Polish, language.Swedish,
	language.Danish, language.Norwegian, language.Finnish, language.Greek, language.Czech,
	language.Slovak, language.Romanian, language.Bulgarian, language.Croatian,
	language.Hungarian, language.Ukrainian, language.Russian, language.Turkish,
	language.Arabic, language.Chinese, language.Hindi, language.Japanese, language.Korean,
	language.Vietnamese, language.Indonesian, language.Malay, language.Filipino,
	language.Tamil, language.Bengali, language.Urdu, language.Thai, language.Swahili,
	language.Afrikaans, language.Amharic, language.Zulu,
}

var matcher = language.NewMatcher(supported)

var namer = display.English.Tags()

// Normalize validates a target language code and returns its canonical form.
func Normalize(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("language is required")
	}
	tag, err := language.Parse(code)
	if err != nil {
		return "", fmt.Errorf("invalid language %q: %w", code, err)
	}
	_, index, confidence := matcher.Match(tag)
	if confidence < language.High {
		return "", fmt.Errorf("unsupported language %q", code)
	}
	return supported[index].String(), nil
}

// NormalizeSource accepts Auto in addition to any supported language.
func NormalizeSource(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" || strings.EqualFold(code, Auto) {
		return Auto, nil
	}
	return Normalize(code)
}

// Name returns the English display name for a code, or the code itself when unknown.
func Name(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := namer.Name(tag); name != "" {
		return name
	}
	return code
}

// Supported returns the canonical codes of all supported target languages.
func Supported() []string {
	codes := make([]string, len(supported))
	for i, tag := range supported {
		codes[i] = tag.String()
	}
	return codes
}
