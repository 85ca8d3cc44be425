// Package language provides the heuristic used to pick a synthesis path.
//
// Classification is majority character-class detection and is allowed to be
// wrong for mixed-language text; callers fall back rather than treat a
// misclassification as an error.
package language

import (
	"strings"
	"unicode/utf8"
)

// Tag identifies a synthesis language.
type Tag string

const (
	ZH Tag = "zh"
	EN Tag = "en"
)

// CJK Unified Ideographs block.
const (
	cjkStart = '一'
	cjkEnd   = '鿿'
)

// chineseThreshold is the CJK-character ratio above which text is treated
// as Chinese.
const chineseThreshold = 0.3

// CountChinese returns the number of CJK Unified Ideographs in text.
func CountChinese(text string) int {
	n := 0
	for _, r := range text {
		if r >= cjkStart && r <= cjkEnd {
			n++
		}
	}
	return n
}

// Ratio returns the fraction of CJK characters in the trimmed text (0.0-1.0).
func Ratio(text string) float64 {
	total := utf8.RuneCountInString(strings.TrimSpace(text))
	if total == 0 {
		return 0
	}
	return float64(CountChinese(text)) / float64(total)
}

// IsChinese reports whether text is primarily Chinese.
func IsChinese(text string) bool {
	total := utf8.RuneCountInString(strings.TrimSpace(text))
	if total == 0 {
		return false
	}
	return float64(CountChinese(text))/float64(total) > chineseThreshold
}

// Detect returns the primary language of text.
// It is pure and never fails; empty input defaults to Chinese, matching the
// speaker's native locale.
func Detect(text string) Tag {
	total := utf8.RuneCountInString(strings.TrimSpace(text))
	if total == 0 {
		return ZH
	}
	if float64(CountChinese(text))/float64(total) > chineseThreshold {
		return ZH
	}
	return EN
}

// Parse maps an explicit hint ("zh", "en", "zh-CN", ...) onto a Tag.
// Unrecognized hints return ok=false so callers fall back to Detect.
func Parse(hint string) (Tag, bool) {
	h := strings.ToLower(strings.TrimSpace(hint))
	switch {
	case h == "zh" || strings.HasPrefix(h, "zh-") || strings.HasPrefix(h, "zh_"):
		return ZH, true
	case h == "en" || strings.HasPrefix(h, "en-") || strings.HasPrefix(h, "en_"):
		return EN, true
	default:
		return "", false
	}
}
