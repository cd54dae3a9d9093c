package engine

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Resolution is the outcome of temporal phrase extraction: the resolved
// date (if any), the text with the phrase stripped, and the phrase itself.
type Resolution struct {
	Date        *time.Time
	CleanedText string
	Phrase      string
}

// TemporalResolver extracts a temporal phrase from free text and
// resolves it to an absolute date.
type TemporalResolver interface {
	Resolve(text string, now time.Time) Resolution
}

// RuleResolver resolves relative phrases ("yesterday", "3 days ago",
// "last tuesday") with fixed rules and absolute date substrings
// ("on March 5 2024", "2024-03-05") via dateparse.
type RuleResolver struct{}

type temporalRule struct {
	re *regexp.Regexp
	fn func(match []string, now time.Time) *time.Time
}

func daysAgo(n int) func([]string, time.Time) *time.Time {
	return func(_ []string, now time.Time) *time.Time {
		d := now.AddDate(0, 0, -n)
		return &d
	}
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

// Rules are ordered: more specific phrases first so "the day before
// yesterday" wins over "yesterday".
var temporalRules = []temporalRule{
	{regexp.MustCompile(`(?i)\b(?:the\s+)?day before yesterday\b`), daysAgo(2)},
	{regexp.MustCompile(`(?i)\byesterday\b`), daysAgo(1)},
	{regexp.MustCompile(`(?i)\blast night\b`), daysAgo(1)},
	{regexp.MustCompile(`(?i)\bthis (?:morning|afternoon|evening)\b`), daysAgo(0)},
	{regexp.MustCompile(`(?i)\btoday\b`), daysAgo(0)},
	{regexp.MustCompile(`(?i)\btonight\b`), daysAgo(0)},
	{regexp.MustCompile(`(?i)\btomorrow\b`), func(_ []string, now time.Time) *time.Time {
		d := now.AddDate(0, 0, 1)
		return &d
	}},
	{regexp.MustCompile(`(?i)\b(\d+)\s+days?\s+ago\b`), func(m []string, now time.Time) *time.Time {
		n, _ := strconv.Atoi(m[1])
		d := now.AddDate(0, 0, -n)
		return &d
	}},
	{regexp.MustCompile(`(?i)\b(\d+)\s+weeks?\s+ago\b`), func(m []string, now time.Time) *time.Time {
		n, _ := strconv.Atoi(m[1])
		d := now.AddDate(0, 0, -7*n)
		return &d
	}},
	{regexp.MustCompile(`(?i)\b(\d+)\s+months?\s+ago\b`), func(m []string, now time.Time) *time.Time {
		n, _ := strconv.Atoi(m[1])
		d := now.AddDate(0, -n, 0)
		return &d
	}},
	{regexp.MustCompile(`(?i)\ba week ago\b`), daysAgo(7)},
	{regexp.MustCompile(`(?i)\blast week\b`), daysAgo(7)},
	{regexp.MustCompile(`(?i)\blast month\b`), func(_ []string, now time.Time) *time.Time {
		d := now.AddDate(0, -1, 0)
		return &d
	}},
	{regexp.MustCompile(`(?i)\blast year\b`), func(_ []string, now time.Time) *time.Time {
		d := now.AddDate(-1, 0, 0)
		return &d
	}},
	{regexp.MustCompile(`(?i)\blast (sunday|monday|tuesday|wednesday|thursday|friday|saturday)\b`),
		func(m []string, now time.Time) *time.Time {
			target := weekdays[strings.ToLower(m[1])]
			// Walk back 1-7 days to the previous occurrence.
			back := (int(now.Weekday()) - int(target) + 6) % 7
			d := now.AddDate(0, 0, -(back + 1))
			return &d
		}},
	{regexp.MustCompile(`(?i)\b(?:on\s+)?((?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?)\b`),
		parseAbsolute},
	{regexp.MustCompile(`\b(?:on\s+)?(\d{4}-\d{2}-\d{2})\b`), parseAbsolute},
}

// parseAbsolute hands the captured substring to dateparse, retrying with
// the current year appended when no year was written.
func parseAbsolute(m []string, now time.Time) *time.Time {
	raw := ordinalRe.ReplaceAllString(m[1], "$1")
	d, err := dateparse.ParseAny(raw)
	if err != nil || d.Year() == 0 {
		d, err = dateparse.ParseAny(raw + ", " + strconv.Itoa(now.Year()))
		if err != nil {
			return nil
		}
	}
	return &d
}

var ordinalRe = regexp.MustCompile(`(\d{1,2})(?:st|nd|rd|th)\b`)

// Resolve applies the first matching rule, strips the phrase from the
// text, and returns the resolved date. Text without a temporal phrase
// comes back unchanged with a nil date.
func (RuleResolver) Resolve(text string, now time.Time) Resolution {
	for _, rule := range temporalRules {
		loc := rule.re.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		match := expandMatch(rule.re, text, loc)
		date := rule.fn(match, now)
		if date == nil {
			continue
		}
		return Resolution{
			Date:        date,
			CleanedText: stripPhrase(text, loc[0], loc[1]),
			Phrase:      text[loc[0]:loc[1]],
		}
	}
	return Resolution{CleanedText: strings.TrimSpace(text)}
}

func expandMatch(re *regexp.Regexp, text string, loc []int) []string {
	match := make([]string, len(loc)/2)
	for i := range match {
		if loc[2*i] >= 0 {
			match[i] = text[loc[2*i]:loc[2*i+1]]
		}
	}
	return match
}

// stripPhrase removes text[start:end] plus a dangling "on"/"at" that
// preceded it, then tidies whitespace and trailing punctuation.
func stripPhrase(text string, start, end int) string {
	before := strings.TrimRight(text[:start], " ")
	lower := strings.ToLower(before)
	if lower == "on" || lower == "at" ||
		strings.HasSuffix(lower, " on") || strings.HasSuffix(lower, " at") {
		before = strings.TrimRight(before[:len(before)-2], " ")
	}

	cleaned := strings.Join(strings.Fields(before+" "+text[end:]), " ")
	return strings.TrimRight(cleaned, " ,.")
}
