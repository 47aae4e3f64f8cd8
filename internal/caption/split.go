package caption

import (
	"strings"
	"unicode/utf8"
)

// runeLen returns the caption length of s.
func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// splitAtWords breaks s into chunks of at most limit runes. Chunks end on
// word boundaries; a single word longer than limit is cut mid-word. s is
// returned unchanged when it already fits.
func splitAtWords(s string, limit int) []string {
	if runeLen(s) <= limit {
		return []string{s}
	}

	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, word := range strings.Fields(s) {
		wl := runeLen(word)
		for wl > limit {
			flush()
			head, tail := cutRunes(word, limit)
			chunks = append(chunks, head)
			word, wl = tail, wl-limit
		}
		if wl == 0 {
			continue
		}
		switch {
		case curLen == 0:
			cur.WriteString(word)
			curLen = wl
		case curLen+1+wl <= limit:
			cur.WriteByte(' ')
			cur.WriteString(word)
			curLen += 1 + wl
		default:
			flush()
			cur.WriteString(word)
			curLen = wl
		}
	}
	flush()
	return chunks
}

// cutRunes splits s after n runes.
func cutRunes(s string, n int) (string, string) {
	i := 0
	for n > 0 && i < len(s) {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n--
	}
	return s[:i], s[i:]
}
