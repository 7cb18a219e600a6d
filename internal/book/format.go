package book

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	plainLower = decimal.New(1, -6)
	plainUpper = decimal.New(1, 21)
)

// FormatNumber renders d the way the exchange renders JSON numbers when it builds
// checksums: shortest plain decimal, switching to exponent notation below 1e-6 and
// from 1e21 upwards (JavaScript Number#toString).
func FormatNumber(d decimal.Decimal) string {
	if d.IsZero() {
		return "0"
	}
	abs := d.Abs()
	if abs.GreaterThanOrEqual(plainLower) && abs.LessThan(plainUpper) {
		return d.String()
	}

	digits := d.Coefficient().String()
	exp := int(d.Exponent())
	neg := strings.HasPrefix(digits, "-")
	digits = strings.TrimPrefix(digits, "-")
	for len(digits) > 1 && strings.HasSuffix(digits, "0") {
		digits = digits[:len(digits)-1]
		exp++
	}
	sciExp := len(digits) - 1 + exp

	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	sb.WriteByte(digits[0])
	if len(digits) > 1 {
		sb.WriteByte('.')
		sb.WriteString(digits[1:])
	}
	sb.WriteByte('e')
	if sciExp >= 0 {
		sb.WriteByte('+')
	}
	sb.WriteString(strconv.Itoa(sciExp))
	return sb.String()
}
