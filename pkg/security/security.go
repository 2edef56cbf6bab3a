// Package security bounds what callers can put into the job store: queue
// names, payload sizes, user ids and stored error text.
package security

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jdziat/projectsync/pkg/core"
)

const (
	MaxQueueNameLength    = 255
	MaxPayloadSize        = 1 << 20 // serialized JSON
	MaxConcurrency        = 1000    // per queue and process
	MaxErrorMessageLength = 4096
	MaxUniqueKeyLength    = 255
	MaxUserIDLength       = 128
	MaxBatchSize          = 10000 // jobs per Insert call
)

// Queue names look like "sap-sync-project" or "report-actuals".
var validQueueName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateQueueName returns core.ErrInvalidQueueName or
// core.ErrQueueNameTooLong.
func ValidateQueueName(name string) error {
	switch {
	case len(name) > MaxQueueNameLength:
		return core.ErrQueueNameTooLong
	case !validQueueName.MatchString(name):
		return core.ErrInvalidQueueName
	}
	return nil
}

func ValidatePayload(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return core.ErrPayloadTooLarge
	}
	return nil
}

func ValidateUniqueKey(key string) error {
	if len(key) > MaxUniqueKeyLength {
		return core.ErrUniqueKeyTooLong
	}
	return nil
}

// ValidateUserID accepts any printable id up to MaxUserIDLength. The id is
// opaque here; it is only stored and logged.
func ValidateUserID(id string) error {
	if len(id) > MaxUserIDLength {
		return core.ErrInvalidUserID
	}
	for _, r := range id {
		if !unicode.IsPrint(r) {
			return core.ErrInvalidUserID
		}
	}
	return nil
}

// SanitizeErrorMessage strips control characters other than line breaks and
// tabs, then truncates to MaxErrorMessageLength runes. ERP response bodies
// end up in these messages verbatim.
func SanitizeErrorMessage(msg string) string {
	clean := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, msg)

	if utf8.RuneCountInString(clean) <= MaxErrorMessageLength {
		return clean
	}
	return string([]rune(clean)[:MaxErrorMessageLength-3]) + "..."
}

func clamp(n, lo, hi int) int {
	return min(max(n, lo), hi)
}

// ClampConcurrency keeps a queue's concurrency in [1, MaxConcurrency].
func ClampConcurrency(n int) int { return clamp(n, 1, MaxConcurrency) }

// ClampChunkSize keeps a fan-out chunk in [1, MaxBatchSize].
func ClampChunkSize(n int) int { return clamp(n, 1, MaxBatchSize) }
