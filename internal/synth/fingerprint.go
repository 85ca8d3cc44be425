package synth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/palemoky/xiaomi-speaker/internal/language"
)

// NormalizeText collapses runs of whitespace and trims the ends, so cosmetic
// differences in an incoming message do not defeat the cache.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Fingerprint derives the deterministic cache key for one synthesis request.
// Two messages with equal normalized text, language, engine and voice
// parameters always map to the same artifact.
func Fingerprint(text string, lang language.Tag, engineID string, p VoiceParams) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%d\x00%.3f",
		NormalizeText(text), lang, engineID, p.Voice, p.Speaker, p.LengthScale)
	return hex.EncodeToString(h.Sum(nil))
}
