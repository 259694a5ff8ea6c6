package indexer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxPageText caps the page text kept in the catalog.
const maxPageText = 8000

// pageText normalizes extracted page text for storage: control characters are dropped,
// whitespace runs collapse to one space, and the result is capped at maxPageText bytes.
func pageText(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	pendingSpace := false
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		case !unicode.IsPrint(r):
		default:
			n := utf8.RuneLen(r)
			if pendingSpace {
				n++
			}
			if b.Len()+n > maxPageText {
				return b.String()
			}
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}
