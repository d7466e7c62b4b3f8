package command

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// whitespaceRegex matches one or more whitespace characters
var whitespaceRegex = regexp.MustCompile(`\s+`)

// Normalize folds a spoken-text or name string for matching:
// 1. Trim leading/trailing whitespace
// 2. Lowercase
// 3. Collapse internal whitespace to single spaces
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	s = whitespaceRegex.ReplaceAllString(s, " ")
	return s
}

// NormalizeLocale folds a locale tag to lowercase BCP-47-ish form ("en-US"
// and "en_us" both become "en-us"). Empty stays empty; callers apply the
// configured default.
func NormalizeLocale(locale string) string {
	locale = strings.TrimSpace(strings.ToLower(locale))
	return strings.ReplaceAll(locale, "_", "-")
}

// Signature digests the shape of an observed environment: the sorted set of
// normalized candidate texts. Two visits to the same screen with the same
// controls produce the same signature even when the extraction order differs.
func Signature(candidates []Candidate) string {
	texts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if norm := Normalize(c.Text); norm != "" {
			texts = append(texts, norm)
		}
	}
	sort.Strings(texts)

	h := sha256.New()
	for _, t := range texts {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
