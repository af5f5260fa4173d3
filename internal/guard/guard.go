// Package guard scans message text for contact details and banned keywords
// and decides whether a message may be delivered on a protected thread.
package guard

import (
	"regexp"
	"strings"
	"unicode"
)

type FlagType string

const (
	FlagEmail   FlagType = "email"
	FlagPhone   FlagType = "phone"
	FlagURL     FlagType = "url"
	FlagKeyword FlagType = "keyword"
)

// Flag is a single unsafe match found in a message body.
type Flag struct {
	Type        FlagType `json:"type"`
	MatchedText string   `json:"matchedText"`
}

// Mode is the workspace content policy.
type Mode string

const (
	ModeFlag  Mode = "flag"
	ModeBlock Mode = "block"
)

// ParseMode normalises a stored policy value. Anything unknown flags only.
func ParseMode(value string) Mode {
	if Mode(strings.ToLower(strings.TrimSpace(value))) == ModeBlock {
		return ModeBlock
	}
	return ModeFlag
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:\+|\b00)?\(?\d[\d\s.\-()]{6,}\d`)
	urlPattern   = regexp.MustCompile(`(?i)\b(?:https?://[^\s<>"']+|www\.[^\s<>"']+|[a-z0-9](?:[a-z0-9\-]*[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9\-]*[a-z0-9])?)*\.(?:com|net|org|io|fr|be|ch|ca|uk|de|es|it|eu|co|me|app|gg|ly|tv|info|biz|xyz|dev|link|site|online)\b(?:/[^\s<>"']*)?)`)
)

// datePattern matches calendar dates with an optional time. They are never
// phone numbers.
var datePattern = regexp.MustCompile(`\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}[/.]\d{1,2}[/.]\d{4})(?:[ T]\d{1,2}[:h]\d{2}(?::\d{2})?)?\b`)

const (
	minPhoneDigits = 9
	maxPhoneDigits = 15
)

type span struct{ start, end int }

func (s span) overlaps(others []span) bool {
	for _, o := range others {
		if s.start < o.end && o.start < s.end {
			return true
		}
	}
	return false
}

// Detect returns the deduplicated flags for text. Flags are ordered by type
// (email, phone, url, keyword) and then by first occurrence.
func Detect(text string, keywords []string) []Flag {
	flags := make([]Flag, 0)
	if strings.TrimSpace(text) == "" {
		return flags
	}
	seen := make(map[Flag]struct{})
	add := func(flagType FlagType, matched string) {
		flag := Flag{Type: flagType, MatchedText: matched}
		if _, ok := seen[flag]; ok {
			return
		}
		seen[flag] = struct{}{}
		flags = append(flags, flag)
	}

	var emailSpans []span
	for _, loc := range emailPattern.FindAllStringIndex(text, -1) {
		emailSpans = append(emailSpans, span{loc[0], loc[1]})
		add(FlagEmail, text[loc[0]:loc[1]])
	}

	var urlSpans []span
	var urls []string
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		s := span{loc[0], loc[1]}
		if s.overlaps(emailSpans) {
			continue
		}
		matched := strings.TrimRight(text[loc[0]:loc[1]], ".,;:!?)]}")
		if matched == "" {
			continue
		}
		urlSpans = append(urlSpans, s)
		urls = append(urls, matched)
	}

	phoneText := maskDates(text)
	for _, loc := range phonePattern.FindAllStringIndex(phoneText, -1) {
		s := span{loc[0], loc[1]}
		if s.overlaps(emailSpans) || s.overlaps(urlSpans) {
			continue
		}
		matched := strings.TrimSpace(strings.TrimRight(phoneText[loc[0]:loc[1]], ".-( "))
		if digits := countDigits(matched); digits < minPhoneDigits || digits > maxPhoneDigits {
			continue
		}
		add(FlagPhone, matched)
	}

	for _, matched := range urls {
		add(FlagURL, matched)
	}

	lowered := strings.ToLower(text)
	for _, keyword := range keywords {
		needle := strings.ToLower(strings.TrimSpace(keyword))
		if needle == "" {
			continue
		}
		if strings.Contains(lowered, needle) {
			add(FlagKeyword, needle)
		}
	}

	return flags
}

// ShouldBlock is true only for block mode on a minor thread with at least one flag.
func ShouldBlock(mode Mode, minorThread bool, flags []Flag) bool {
	return mode == ModeBlock && minorThread && len(flags) > 0
}

// Types returns the distinct flag types in first-seen order.
func Types(flags []Flag) []string {
	out := make([]string, 0, len(flags))
	seen := make(map[FlagType]struct{}, len(flags))
	for _, flag := range flags {
		if _, ok := seen[flag.Type]; ok {
			continue
		}
		seen[flag.Type] = struct{}{}
		out = append(out, string(flag.Type))
	}
	return out
}

// maskDates blanks date spans with spaces so byte offsets still line up
// with text.
func maskDates(text string) string {
	locs := datePattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}
	masked := []byte(text)
	for _, loc := range locs {
		for i := loc[0]; i < loc[1]; i++ {
			masked[i] = ' '
		}
	}
	return string(masked)
}

func countDigits(value string) int {
	count := 0
	for _, r := range value {
		if unicode.IsDigit(r) {
			count++
		}
	}
	return count
}
