package actuals

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidAmount is returned for amounts that are not plain decimals with
// at most two fractional digits.
var ErrInvalidAmount = errors.New("actuals: invalid amount")

// ParseMinorUnits converts a decimal string such as "-1234.5" into minor
// currency units (-123450) without going through floating point.
func ParseMinorUnits(s string) (int64, error) {
	in := strings.TrimSpace(s)
	if in == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	neg := false
	switch in[0] {
	case '-':
		neg = true
		in = in[1:]
	case '+':
		in = in[1:]
	}

	whole, frac, hasDot := strings.Cut(in, ".")
	if whole == "" || !digitsOnly(whole) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if hasDot && (frac == "" || len(frac) > 2 || !digitsOnly(frac)) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units > (math.MaxInt64-99)/100 {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, s)
	}
	cents, _ := strconv.ParseInt(frac, 10, 64)

	minor := units*100 + cents
	if neg {
		minor = -minor
	}
	return minor, nil
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FormatMinorUnits renders minor units as a decimal string with two
// fractional digits.
func FormatMinorUnits(minor int64) string {
	sign := ""
	u := uint64(minor)
	if minor < 0 {
		sign = "-"
		u = uint64(-(minor + 1)) + 1
	}
	return fmt.Sprintf("%s%d.%02d", sign, u/100, u%100)
}
