package audit

import "strings"

// RedactPhone masks all but the last four digits of a phone number so audit
// sinks can correlate a caller without storing the full number.
func RedactPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 4 {
		return strings.Repeat("*", len(phone))
	}
	keep := 4
	out := []rune(phone)
	for i := len(out) - 1; i >= 0; i-- {
		r := out[i]
		if r < '0' || r > '9' {
			continue
		}
		if keep > 0 {
			keep--
			continue
		}
		out[i] = '*'
	}
	return string(out)
}
