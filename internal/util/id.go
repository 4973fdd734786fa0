package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"unicode"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// Slugify lowers a project name into a storage-safe path segment.
// Accents are stripped, runs of non-alphanumerics collapse to one dash.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case unicode.Is(unicode.Latin, r):
			if folded, ok := foldAccent(r); ok {
				b.WriteRune(folded)
				dash = false
				continue
			}
			fallthrough
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func foldAccent(r rune) (rune, bool) {
	switch r {
	case 'à', 'â', 'ä', 'á':
		return 'a', true
	case 'é', 'è', 'ê', 'ë':
		return 'e', true
	case 'î', 'ï', 'í':
		return 'i', true
	case 'ô', 'ö', 'ó':
		return 'o', true
	case 'ù', 'û', 'ü', 'ú':
		return 'u', true
	case 'ç':
		return 'c', true
	}
	return r, false
}
