package memory

import "unicode"

// EstimateTokens approximates the model token count of text: one token per CJK
// rune and one per four other runes, rounded up.
func EstimateTokens(text string) int {
	var cjk, other int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r), unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r), unicode.Is(unicode.Hangul, r):
			cjk++
		default:
			other++
		}
	}
	return cjk + (other+3)/4
}

// EstimateBlobTokens sums the estimate over every message of a blob.
func EstimateBlobTokens(blob ChatBlob) int {
	total := 0
	for _, m := range blob.Messages {
		total += EstimateTokens(m.Content)
	}
	return total
}
