package pipeline

import "strings"

var (
	citationMarkers = strings.NewReplacer("【†", "[", "†】", "]")
	bulletBreaks    = strings.NewReplacer("•", "\n\n")
)

// NormalizeCitationMarkers rewrites the engine's citation brackets to plain
// square brackets.
func NormalizeCitationMarkers(text string) string {
	return citationMarkers.Replace(text)
}

// RenderBullets turns inline bullet characters into paragraph breaks for
// terminal display.
func RenderBullets(text string) string {
	return bulletBreaks.Replace(text)
}
