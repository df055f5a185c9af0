package internal

import (
	"errors"
	"strings"
)

// NormalizeISBN strips hyphens and spaces and upper-cases any check digit.
// It does not validate; see ValidISBN. Normalization is idempotent.
func NormalizeISBN(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'x' || r == 'X':
			b.WriteByte('X')
		case r == '-' || r == ' ':
			// Dropped.
		default:
			b.WriteRune(r) // Left in place so validation fails loudly.
		}
	}
	return b.String()
}

// ValidISBN reports whether the normalized input is a checksum-valid
// ISBN-10 or ISBN-13.
func ValidISBN(s string) bool {
	s = NormalizeISBN(s)
	switch len(s) {
	case 10:
		return validISBN10(s)
	case 13:
		return validISBN13(s)
	}
	return false
}

// CanonicalISBN normalizes and validates, returning the 13-digit form. A
// valid ISBN-10 is converted to its ISBN-13 equivalent.
func CanonicalISBN(s string) (string, error) {
	s = NormalizeISBN(s)
	switch len(s) {
	case 10:
		if !validISBN10(s) {
			return "", errors.Join(errBadRequest, errors.New("invalid ISBN-10 checksum"))
		}
		return isbn10to13(s), nil
	case 13:
		if !validISBN13(s) {
			return "", errors.Join(errBadRequest, errors.New("invalid ISBN-13 checksum"))
		}
		return s, nil
	}
	return "", errors.Join(errBadRequest, errors.New("ISBN must be 10 or 13 digits"))
}

// isbnSet collects every known form of an ISBN: the canonical 13-digit
// form plus the 10-digit form when one was supplied.
func isbnSet(raw ...string) (primary string, all []string) {
	seen := newSet[string]()
	for _, r := range raw {
		n := NormalizeISBN(r)
		if !ValidISBN(n) {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		all = append(all, n)
		if len(n) == 13 && primary == "" {
			primary = n
		}
	}
	if primary == "" && len(all) > 0 {
		primary = isbn10to13(all[0])
		if _, ok := seen[primary]; !ok {
			all = append(all, primary)
		}
	}
	return primary, all
}

func validISBN10(s string) bool {
	if len(s) != 10 {
		return false
	}
	sum := 0
	for i := 0; i < 10; i++ {
		var v int
		switch {
		case s[i] >= '0' && s[i] <= '9':
			v = int(s[i] - '0')
		case s[i] == 'X' && i == 9:
			v = 10
		default:
			return false
		}
		sum += v * (10 - i)
	}
	return sum%11 == 0
}

func validISBN13(s string) bool {
	if len(s) != 13 {
		return false
	}
	sum := 0
	for i := 0; i < 13; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
		v := int(s[i] - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	return sum%10 == 0
}

// isbn10to13 converts a valid ISBN-10 to ISBN-13 by prefixing 978 and
// recomputing the check digit.
func isbn10to13(s string) string {
	if len(s) != 10 {
		return s
	}
	body := "978" + s[:9]
	sum := 0
	for i := 0; i < 12; i++ {
		v := int(body[i] - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	check := (10 - sum%10) % 10
	return body + string(rune('0'+check))
}
