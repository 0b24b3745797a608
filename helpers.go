package mangaflow

import (
	"fmt"
	"time"
)

// TimestampLayout is fixed-width so lexicographic order equals time order
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ToPtr returns a pointer to the given value.
// This is useful for creating pointers to literals or converting values to pointers.
func ToPtr[T any](v T) *T {
	return &v
}

// FormatTimestamp renders t in UTC with millisecond precision
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a value written by FormatTimestamp
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// PadEpisodeNumber zero-pads to 3 digits so sort-key order equals numeric order
func PadEpisodeNumber(n int) string {
	return fmt.Sprintf("%03d", n)
}

// BatchRequestID derives the request id of batch item n from the workflow's
// base request id. Item 1 uses the base id itself.
func BatchRequestID(baseRequestID string, n int) string {
	if n <= 1 {
		return baseRequestID
	}
	return fmt.Sprintf("%s-batch-%d", baseRequestID, n)
}
