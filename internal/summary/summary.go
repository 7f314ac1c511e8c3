// Package summary aggregates processed work items into an execution summary and sanitizes
// diagnostic text before it is persisted.
package summary

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/probehub/pkg/models"
)

// Normalization regexes compiled once at package init.
var (
	reDatetime   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`)
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reLongHex    = regexp.MustCompile(`(?i)\b[0-9a-f]{16,}\b`)
	reNumber     = regexp.MustCompile(`\b\d+(\.\d+)?(ms|s|m|h)?\b`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

// Redaction patterns applied by Sanitize.
var (
	reBearer     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	reSecretKV   = regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|token|password|secret)(["']?\s*[:=]\s*["']?)[^\s"'&,;]+`)
	reAPIKey     = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}`)
	reURLUserPwd = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/\s:@]+:[^/\s@]+@`)
)

const (
	maxSanitizedBytes  = 1000
	maxNormalizedBytes = 500
	fingerprintLen     = 16
)

// Build aggregates item results into an ExecutionSummary. total is the number of planned
// work items, which exceeds len(items) when the execution stopped early.
// FailureClasses are sorted by count, ties broken by first occurrence.
func Build(items []models.ItemResult, total int, duration time.Duration) models.ExecutionSummary {
	s := models.ExecutionSummary{
		TotalItems: total,
		Processed:  len(items),
		DurationMS: duration.Milliseconds(),
	}

	type classState struct {
		class models.FailureClass
		first int
	}
	groups := make(map[string]*classState)

	for i, item := range items {
		s.Attempts += item.Attempts
		if item.Succeeded() {
			s.Succeeded++
			continue
		}
		s.Failed++
		fp := Fingerprint(item.Error)
		cs, ok := groups[fp]
		if !ok {
			cs = &classState{
				class: models.FailureClass{Fingerprint: fp, Sample: Sanitize(item.Error)},
				first: i,
			}
			groups[fp] = cs
		}
		cs.class.Count++
	}

	if len(groups) == 0 {
		return s
	}
	states := make([]*classState, 0, len(groups))
	for _, cs := range groups {
		states = append(states, cs)
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].class.Count != states[j].class.Count {
			return states[i].class.Count > states[j].class.Count
		}
		return states[i].first < states[j].first
	})
	s.FailureClasses = make([]models.FailureClass, len(states))
	for i, cs := range states {
		s.FailureClasses[i] = cs.class
	}
	return s
}

// Fingerprint computes a short stable fingerprint for an error message.
func Fingerprint(message string) string {
	hash := sha256.Sum256([]byte(NormalizeMessage(message)))
	return fmt.Sprintf("%x", hash)[:fingerprintLen]
}

// NormalizeMessage strips the volatile parts of an error message.
func NormalizeMessage(msg string) string {
	msg = reDatetime.ReplaceAllString(msg, "TS")
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reHexAddr.ReplaceAllString(msg, "0xADDR")
	msg = reLongHex.ReplaceAllString(msg, "HEX")
	msg = reNumber.ReplaceAllString(msg, "N")
	msg = reWhitespace.ReplaceAllString(msg, " ")
	msg = strings.ToLower(msg)
	msg = strings.TrimSpace(msg)
	return truncateString(msg, maxNormalizedBytes)
}

// Sanitize redacts credentials from msg and bounds its length.
func Sanitize(msg string) string {
	msg = reURLUserPwd.ReplaceAllString(msg, "${1}[REDACTED]@")
	msg = reBearer.ReplaceAllString(msg, "Bearer [REDACTED]")
	msg = reSecretKV.ReplaceAllString(msg, "${1}${2}[REDACTED]")
	msg = reAPIKey.ReplaceAllString(msg, "[REDACTED]")
	return truncateString(msg, maxSanitizedBytes)
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
