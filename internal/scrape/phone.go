package scrape

import "strings"

// NormalizePhone reduces a South African number to its 10-digit national form.
// Numbers that do not look South African are returned digits-only.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case strings.HasPrefix(digits, "+27") && len(digits) == 12:
		return "0" + digits[3:]
	case strings.HasPrefix(digits, "27") && len(digits) == 11:
		return "0" + digits[2:]
	default:
		return strings.TrimPrefix(digits, "+")
	}
}
