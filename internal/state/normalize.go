package state

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Spinner glyphs that animate without meaning the output changed.
// Braille dots (cli-spinners "dots") plus asterisk spinner variants.
var spinnerRunes = map[rune]bool{
	'⠋': true, '⠙': true, '⠹': true, '⠸': true, '⠼': true,
	'⠴': true, '⠦': true, '⠧': true, '⠇': true, '⠏': true,
	'✳': true, '✽': true, '✶': true, '✢': true,
}

// Normalize prepares a buffer snapshot for stability comparison: ANSI codes
// and spinner glyphs are stripped, trailing whitespace is trimmed per line,
// and runs of blank lines collapse to one. Two snapshots that differ only in
// animation noise normalize to the same string.
func Normalize(content string) string {
	stripped := StripANSI(content)

	lines := strings.Split(stripped, "\n")
	out := make([]string, 0, len(lines))
	prevBlank := false
	for _, line := range lines {
		var b strings.Builder
		b.Grow(len(line))
		for _, r := range line {
			if !spinnerRunes[r] {
				b.WriteRune(r)
			}
		}
		cleaned := strings.TrimRight(b.String(), " \t\u00a0")
		blank := cleaned == ""
		if blank && prevBlank {
			continue
		}
		out = append(out, cleaned)
		prevBlank = blank
	}

	return strings.Join(out, "\n")
}

// Fingerprint returns a content hash of the normalized snapshot, used to
// detect whether a session's visible output has actually changed between
// polls.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(Normalize(content)))
	return hex.EncodeToString(sum[:])
}
