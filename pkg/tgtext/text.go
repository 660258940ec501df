// Package tgtext holds plain-text helpers for Telegram message limits.
package tgtext

import (
	"strings"
	"unicode/utf8"
)

// MessageLimit is Telegram's hard cap on a single message, in characters.
const MessageLimit = 4096

// TruncRunes returns s truncated to at most n runes.
// It appends an ellipsis "…" when truncated.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}

// Split chunks s into Telegram-sized messages. Chunks break at newline
// boundaries when one falls in the last two thirds of the window, so
// list-style output stays readable. Counting is rune-based; a chunk
// never splits a multi-byte character.
func Split(s string, limit int) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	if limit <= 0 || limit > MessageLimit {
		limit = MessageLimit
	}

	var out []string
	start := 0
	for start < len(s) {
		runes := 0
		end := start
		lastNL := -1 // byte index after the last newline in this window
		lastNLRunes := 0
		for end < len(s) && runes < limit {
			r, size := utf8.DecodeRuneInString(s[end:])
			if r == '\n' {
				lastNL = end + size
				lastNLRunes = runes + 1
			}
			runes++
			end += size
		}
		if end < len(s) && lastNL != -1 && lastNLRunes >= limit/3 {
			end = lastNL
		}
		chunk := strings.TrimRight(s[start:end], "\n")
		if chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(s) {
			r, size := utf8.DecodeRuneInString(s[start:])
			if r != '\n' {
				break
			}
			start += size
		}
	}
	return out
}
