package pages

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

var symbols = "1234567890!@#$%^&*()-=_+[]{};\"|;'\\<>?/.,~`"

// words that mark a bracketed or dashed suffix as release noise
var guffWords = []string{
	"a cappella", "acoustic", "bonus", "censored", "clean", "club", "clubmix", "cut",
	"demo", "dirty", "edit", "explicit", "extended", "instrumental", "karaoke", "long",
	"maxi", "megamix", "mix", "mono", "official", "original", "radio", "re-edit", "reedit",
	"remastered", "remaster", "master", "remix", "remixed", "rework", "reworked", "rmx",
	"session", "short", "single", "stereo", "version", "ver", "video", "deluxe", "anniversary",
	"edition", "mixed", "digital",
}

// TitleCleaner strips suffixes like "- Remastered 2011" or "(Radio Edit)"
// so long titles fit on the card.
type TitleCleaner struct {
	expressions []*regexp2.Regexp
	yearExpr    *regexp2.Regexp
}

func NewTitleCleaner() *TitleCleaner {
	patterns := []string{
		`(?<title>.+?)\s+(?<enclosed>\(.+\)|\[.+\])$`,
		`(?<title>.+?)(?:\s+?[\u2010\u2012\u2013\u2014~/-])(?![^(]*\))(?<dash>.*)`,
	}

	compiled := make([]*regexp2.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		compiled = append(compiled, regexp2.MustCompile(`(?i)`+pattern, 0))
	}

	return &TitleCleaner{
		expressions: compiled,
		yearExpr:    regexp2.MustCompile(`(20[0-9]{2}|19[0-9]{2})`, 0),
	}
}

// isGuff reports whether the text is mostly release noise.
func (tc *TitleCleaner) isGuff(text string) bool {
	t := strings.ToLower(text)
	before := utf8.RuneCountInString(t)

	for _, guff := range guffWords {
		t = strings.ReplaceAll(t, guff, "")
	}
	t, _ = tc.yearExpr.Replace(t, "", -1, -1)

	guffChars := before - utf8.RuneCountInString(t)
	letters := 0
	for _, ch := range t {
		if strings.ContainsRune(symbols, ch) {
			guffChars++
		}
		if unicode.IsLetter(ch) {
			letters++
		}
	}
	return guffChars > letters
}

func balanced(text string) bool {
	for _, pair := range [][2]string{{"(", ")"}, {"[", "]"}} {
		if strings.Count(text, pair[0]) != strings.Count(text, pair[1]) {
			return false
		}
	}
	return true
}

// Clean returns the title without a trailing noise suffix. Titles that
// would end up empty, or have unbalanced brackets, are returned unchanged.
func (tc *TitleCleaner) Clean(title string) string {
	text := strings.TrimSpace(title)
	if !balanced(text) {
		return text
	}

	for _, expr := range tc.expressions {
		match, err := expr.FindStringMatch(text)
		if err != nil || match == nil {
			continue
		}

		head := strings.TrimSpace(match.GroupByName("title").String())
		if head == "" {
			continue
		}
		if enclosed := strings.TrimSpace(match.GroupByName("enclosed").String()); enclosed != "" && tc.isGuff(enclosed) {
			return head
		}
		if dash := strings.TrimSpace(match.GroupByName("dash").String()); dash != "" && tc.isGuff(dash) {
			return head
		}
	}
	return text
}
