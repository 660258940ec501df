package monitor

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Parsed is the result of recognizing a date expression in a text.
type Parsed struct {
	// Expr is the expression as matched (canonical capitalization for
	// month names), kept for display.
	Expr string
	// InEffectAt is the instant the announcement takes effect: the
	// start of the announced range.
	InEffectAt time.Time
	// ExpiresAt is the end of the announced range plus a one-day
	// grace period, used by the expiry sweep.
	ExpiresAt time.Time
}

// Parser recognizes the supported date grammar. Matchers run in a
// fixed order and the first match wins:
//
//  1. DD.MM HH:MM-HH:MM  (time range on a single day)
//  2. DD.MM-DD.MM        (date range)
//  3. month name         (English or Polish, diacritics optional)
//
// Dates carry no year; the current year is assumed unless that puts
// the in-effect instant in the past, in which case it rolls forward
// one year (announcements are always forward-looking). Parsing is
// pure: the same (text, now) always yields the same result.
type Parser struct {
	loc *time.Location
}

func NewParser(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{loc: loc}
}

var (
	timeRangeRe = regexp.MustCompile(`(\d{1,2})\.(\d{1,2})\s+(\d{1,2}):(\d{2})\s*-\s*(\d{1,2}):(\d{2})`)
	dateRangeRe = regexp.MustCompile(`(\d{1,2})\.(\d{1,2})\s*-\s*(\d{1,2})\.(\d{1,2})`)
)

// months maps lowercased month tokens (English and Polish, with and
// without diacritics) to month numbers.
var months = map[string]time.Month{
	"january": 1, "february": 2, "march": 3, "april": 4,
	"may": 5, "june": 6, "july": 7, "august": 8,
	"september": 9, "october": 10, "november": 11, "december": 12,

	"styczeń": 1, "styczen": 1,
	"luty":    2,
	"marzec":  3,
	"kwiecień": 4, "kwiecien": 4,
	"maj":      5,
	"czerwiec": 6,
	"lipiec":   7,
	"sierpień": 8, "sierpien": 8,
	"wrzesień": 9, "wrzesien": 9,
	"październik": 10, "pazdziernik": 10,
	"listopad": 11,
	"grudzień": 12, "grudzien": 12,
}

// monthDisplay maps lowercased tokens to their canonical spelling.
var monthDisplay = map[string]string{
	"january": "January", "february": "February", "march": "March", "april": "April",
	"may": "May", "june": "June", "july": "July", "august": "August",
	"september": "September", "october": "October", "november": "November", "december": "December",

	"styczeń": "Styczeń", "styczen": "Styczeń",
	"luty":    "Luty",
	"marzec":  "Marzec",
	"kwiecień": "Kwiecień", "kwiecien": "Kwiecień",
	"maj":      "Maj",
	"czerwiec": "Czerwiec",
	"lipiec":   "Lipiec",
	"sierpień": "Sierpień", "sierpien": "Sierpień",
	"wrzesień": "Wrzesień", "wrzesien": "Wrzesień",
	"październik": "Październik", "pazdziernik": "Październik",
	"listopad": "Listopad",
	"grudzień": "Grudzień", "grudzien": "Grudzień",
}

// Parse extracts the first recognized date expression from text.
// Returns ErrNoDate when nothing matches. A pattern that matches
// textually but names an impossible calendar date (30.02) falls
// through to the next matcher.
func (p *Parser) Parse(text string, now time.Time) (Parsed, error) {
	now = now.In(p.loc)
	for _, match := range []func(string, time.Time) (Parsed, bool){
		p.matchTimeRange,
		p.matchDateRange,
		p.matchMonthName,
	} {
		if parsed, ok := match(text, now); ok {
			return parsed, nil
		}
	}
	return Parsed{}, ErrNoDate
}

// matchTimeRange handles "DD.MM HH:MM-HH:MM": in effect at the start
// time, expiring a grace day after the end time.
func (p *Parser) matchTimeRange(text string, now time.Time) (Parsed, bool) {
	m := timeRangeRe.FindStringSubmatch(text)
	if m == nil {
		return Parsed{}, false
	}
	day, mon := atoi(m[1]), atoi(m[2])
	h1, min1 := atoi(m[3]), atoi(m[4])
	h2, min2 := atoi(m[5]), atoi(m[6])
	if !validClock(h1, min1) || !validClock(h2, min2) {
		return Parsed{}, false
	}
	start, ok := p.resolveDate(day, mon, h1, min1, 0, now)
	if !ok {
		return Parsed{}, false
	}
	end := time.Date(start.Year(), time.Month(mon), day, h2, min2, 0, 0, p.loc)
	return Parsed{
		Expr:       strings.TrimSpace(m[0]),
		InEffectAt: start,
		ExpiresAt:  end.Add(24 * time.Hour),
	}, true
}

// matchDateRange handles "DD.MM-DD.MM": in effect at midnight of the
// start date. An end before the start spans into the next year.
func (p *Parser) matchDateRange(text string, now time.Time) (Parsed, bool) {
	m := dateRangeRe.FindStringSubmatch(text)
	if m == nil {
		return Parsed{}, false
	}
	d1, m1 := atoi(m[1]), atoi(m[2])
	d2, m2 := atoi(m[3]), atoi(m[4])
	start, ok := p.resolveDate(d1, m1, 0, 0, 0, now)
	if !ok {
		return Parsed{}, false
	}
	if !validDate(start.Year(), d2, m2) {
		return Parsed{}, false
	}
	end := time.Date(start.Year(), time.Month(m2), d2, 23, 59, 59, 0, p.loc)
	if end.Before(start) {
		end = time.Date(start.Year()+1, time.Month(m2), d2, 23, 59, 59, 0, p.loc)
	}
	return Parsed{
		Expr:       strings.TrimSpace(m[0]),
		InEffectAt: start,
		ExpiresAt:  end.Add(24 * time.Hour),
	}, true
}

// matchMonthName handles a bare month token: in effect on the first
// of that month. A month already passed this year rolls to the next
// year; the current month counts as this month.
func (p *Parser) matchMonthName(text string, now time.Time) (Parsed, bool) {
	token, mon, ok := firstMonthToken(text)
	if !ok {
		return Parsed{}, false
	}
	year := now.Year()
	if mon < now.Month() {
		year++
	}
	start := time.Date(year, mon, 1, 0, 0, 0, 0, p.loc)
	// Last instant of the month, then the grace day.
	end := time.Date(year, mon+1, 1, 0, 0, 0, 0, p.loc).Add(-time.Second)
	return Parsed{
		Expr:       monthDisplay[token],
		InEffectAt: start,
		ExpiresAt:  end.Add(24 * time.Hour),
	}, true
}

// resolveDate builds the instant for day.month at the given clock
// time, assuming the current year, rolling one year forward if that
// instant already passed. Reports false for impossible dates.
func (p *Parser) resolveDate(day, mon, hh, mm, ss int, now time.Time) (time.Time, bool) {
	for _, year := range []int{now.Year(), now.Year() + 1} {
		if !validDate(year, day, mon) {
			continue
		}
		t := time.Date(year, time.Month(mon), day, hh, mm, ss, 0, p.loc)
		if !t.Before(now) {
			return t, true
		}
	}
	return time.Time{}, false
}

// validDate reports whether day.month exists in year, by checking
// that time.Date did not normalize the values away.
func validDate(year, day, mon int) bool {
	if mon < 1 || mon > 12 || day < 1 || day > 31 {
		return false
	}
	t := time.Date(year, time.Month(mon), day, 0, 0, 0, 0, time.UTC)
	return t.Day() == day && t.Month() == time.Month(mon)
}

func validClock(hh, mm int) bool {
	return hh >= 0 && hh < 24 && mm >= 0 && mm < 60
}

// firstMonthToken scans the text word by word (unicode letters) and
// returns the first token that names a month. Word splitting instead
// of \b keeps diacritic spellings like "styczeń" intact.
func firstMonthToken(text string) (string, time.Month, bool) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		if mon, ok := months[w]; ok {
			return w, mon, true
		}
	}
	return "", 0, false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
