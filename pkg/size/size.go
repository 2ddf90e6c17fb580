// Package size converts between byte counts and human friendly size strings
// such as "4GiB", "500 MB" or "-20MiB".
package size

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kairos-io/disklayout/internal/constants"
)

var exponents = map[byte]int{'B': 0, 'K': 1, 'M': 2, 'G': 3, 'T': 4}

var bases = map[string]int64{"": 1024, "B": 1000, "IB": 1024}

// ParseHumanNumber parses an optionally negative number followed by an
// optional unit. B, K, M, G and T pick the exponent, a trailing "B" switches to
// base 1000 and "iB" (or nothing) keeps base 1024.
func ParseHumanNumber(value string) (int64, error) {
	operand := strings.TrimSpace(value)
	sign := int64(1)
	if strings.HasPrefix(operand, "-") {
		sign = -1
		operand = operand[1:]
	}

	end := 0
	for end < len(operand) && operand[end] >= '0' && operand[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("%w: no digits in size %q", constants.ErrInvalidAdjustment, value)
	}
	digits, err := strconv.ParseInt(operand[:end], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: size %q: %s", constants.ErrInvalidAdjustment, value, err)
	}

	suffix := strings.ToUpper(strings.TrimSpace(operand[end:]))
	if suffix == "" {
		return digits * sign, nil
	}

	exponent, ok := exponents[suffix[0]]
	if !ok {
		return 0, fmt.Errorf("%w: unknown size type %s", constants.ErrInvalidAdjustment, suffix)
	}
	if exponent == 0 && len(suffix) > 1 {
		return 0, fmt.Errorf("%w: unknown size type %s", constants.ErrInvalidAdjustment, suffix)
	}
	base, ok := bases[suffix[1:]]
	if !ok {
		return 0, fmt.Errorf("%w: unknown size type %s", constants.ErrInvalidAdjustment, suffix)
	}

	factor := pow(base, exponent)
	if digits > math.MaxInt64/factor {
		return 0, fmt.Errorf("%w: size %q overflows", constants.ErrInvalidAdjustment, value)
	}
	return digits * factor * sign, nil
}

// ParseRelativeNumber returns value relative to max. "90%" is a percentage of
// max, a negative number is subtracted from max and anything else is returned
// as is.
func ParseRelativeNumber(max int64, value string) (int64, error) {
	value = strings.TrimSpace(value)
	if strings.HasSuffix(value, "%") {
		percent, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(value, "%")), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad percentage %q", constants.ErrInvalidAdjustment, value)
		}
		return int64(float64(max) * percent / 100), nil
	}

	n, err := ParseHumanNumber(value)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return max + n, nil
	}
	return n, nil
}

var units = []string{"", "K", "M", "G", "T"}

// ProduceHumanNumber is the inverse of ParseHumanNumber. It picks the largest
// unit that divides n exactly, preferring binary units.
func ProduceHumanNumber(n int64) string {
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	for exponent := len(units) - 1; exponent > 0; exponent-- {
		binary := pow(1024, exponent)
		if n >= binary && n%binary == 0 {
			return fmt.Sprintf("%s%d %siB", sign, n/binary, units[exponent])
		}
		decimal := pow(1000, exponent)
		if n >= decimal && n%decimal == 0 {
			return fmt.Sprintf("%s%d %sB", sign, n/decimal, units[exponent])
		}
	}
	return fmt.Sprintf("%s%d", sign, n)
}

func pow(base int64, exponent int) int64 {
	r := int64(1)
	for i := 0; i < exponent; i++ {
		r *= base
	}
	return r
}
