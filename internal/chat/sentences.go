package chat

import "strings"

func isSentenceEnd(r rune) bool {
	switch r {
	case '。', '！', '？', '!', '?', '\n':
		return true
	}
	return false
}

// SplitSentences splits text after each 。！？!? or newline, keeping the
// delimiter with its sentence. Runs of delimiters stay together and
// whitespace-only pieces are dropped.
func SplitSentences(text string) []string {
	var (
		out []string
		buf strings.Builder
	)
	flush := func() {
		if strings.TrimSpace(buf.String()) != "" {
			out = append(out, buf.String())
		} else if buf.Len() > 0 && len(out) > 0 {
			out[len(out)-1] += buf.String()
		}
		buf.Reset()
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		buf.WriteRune(runes[i])
		if !isSentenceEnd(runes[i]) {
			continue
		}
		for i+1 < len(runes) && isSentenceEnd(runes[i+1]) {
			i++
			buf.WriteRune(runes[i])
		}
		flush()
	}
	flush()
	return out
}
