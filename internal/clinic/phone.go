package clinic

import "strings"

// NormalizePhone strips everything but digits so numbers from different
// sources ("+1 (403) 555-0100", "14035550100") compare equal.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneLast10 returns the last ten digits of a phone number, the portion
// patient lookups match on. Shorter numbers are returned whole.
func PhoneLast10(phone string) string {
	digits := NormalizePhone(phone)
	if len(digits) <= 10 {
		return digits
	}
	return digits[len(digits)-10:]
}
