package pricetext

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnparseable is returned when a raw amount carries no usable number.
var ErrUnparseable = errors.New("unparseable price")

var (
	spaceDecimal = regexp.MustCompile(`^(\d+)[\s\x{00A0}](\d{2})$`)
	nonAmount    = regexp.MustCompile(`[^\d,]`)
)

// ParseCents converts a comma-decimal amount such as "1,72€" to integer cents.
// A lone space between the integer part and two trailing digits is read as the
// decimal separator ("3 99" is 399).
func ParseCents(raw string) (int64, error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "€"))
	if m := spaceDecimal.FindStringSubmatch(trimmed); m != nil {
		trimmed = m[1] + "," + m[2]
	}
	cleaned := nonAmount.ReplaceAllString(trimmed, "")
	if cleaned == "" {
		return 0, fmt.Errorf("parse %q: %w", raw, ErrUnparseable)
	}
	value, err := strconv.ParseFloat(strings.Replace(cleaned, ",", ".", 1), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", raw, ErrUnparseable)
	}
	cents := math.Round(value * 100)
	if cents >= math.MaxInt64 {
		return 0, fmt.Errorf("parse %q: out of range: %w", raw, ErrUnparseable)
	}
	return int64(cents), nil
}

// OptionalCents converts raw when present. Absent or unparseable input yields nil.
func OptionalCents(raw *string) *int64 {
	if raw == nil {
		return nil
	}
	cents, err := ParseCents(*raw)
	if err != nil {
		return nil
	}
	return &cents
}
