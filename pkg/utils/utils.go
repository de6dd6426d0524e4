package utils

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode"
)

const uppercaseAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateUppercaseString generates a cryptographically secure random string
// of the given length from an uppercase alphanumeric alphabet.
func GenerateUppercaseString(length int) string {
	result := make([]byte, length)
	max := big.NewInt(int64(len(uppercaseAlphabet)))
	for i := range result {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the platform RNG is broken
			panic(err)
		}
		result[i] = uppercaseAlphabet[n.Int64()]
	}
	return string(result)
}

// GenerateRandomDigits generates a cryptographically secure numeric string
// of the given length, zero-padded (e.g. 6 -> "042896").
func GenerateRandomDigits(length int) string {
	result := make([]byte, length)
	ten := big.NewInt(10)
	for i := range result {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			panic(err)
		}
		result[i] = byte('0' + n.Int64())
	}
	return string(result)
}

// MaskEmail masks an email address for display, keeping the first and last
// character of the local part (e.g. "john.doe@example.com" -> "j******e@example.com")
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return email
	}
	local, domain := email[:at], email[at:]
	if len(local) <= 2 {
		return strings.Repeat("*", len(local)) + domain
	}
	return local[:1] + strings.Repeat("*", len(local)-2) + local[len(local)-1:] + domain
}

// NormalizeThrottleKey builds a rate-limit key from a username and a client
// network address. The username is lower-cased and transliterated to ASCII so
// that "José" and "jose" share one counter.
func NormalizeThrottleKey(username, remoteAddr string) string {
	return transliterate(strings.ToLower(strings.TrimSpace(username))) + "|" + remoteAddr
}

// transliterate reduces a string to ASCII by stripping combining marks and
// dropping any remaining non-ASCII runes.
func transliterate(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		if d, ok := asciiFold[r]; ok {
			b.WriteRune(d)
			continue
		}
		if r < 128 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// asciiFold covers the Latin-1 letters common in usernames. Anything outside
// this table that is still non-ASCII is dropped.
var asciiFold = map[rune]rune{
	'à': 'a', 'á': 'a', 'â': 'a', 'ã': 'a', 'ä': 'a', 'å': 'a',
	'ç': 'c',
	'è': 'e', 'é': 'e', 'ê': 'e', 'ë': 'e',
	'ì': 'i', 'í': 'i', 'î': 'i', 'ï': 'i',
	'ñ': 'n',
	'ò': 'o', 'ó': 'o', 'ô': 'o', 'õ': 'o', 'ö': 'o', 'ø': 'o',
	'ù': 'u', 'ú': 'u', 'û': 'u', 'ü': 'u',
	'ý': 'y', 'ÿ': 'y',
	'ß': 's',
}

// StringPtr returns a pointer to the given string
func StringPtr(s string) *string {
	return &s
}
