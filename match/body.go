package match

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

const spoilerMask = "_______"

// PrepareBody converts a raw post body into the plain text used for
// matching and for notification messages: spoiler spans are masked, markup
// is dropped, and entities are decoded.
func PrepareBody(raw string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		// Malformed enough that even the lenient parser gave up; fall back
		// to the raw text rather than dropping the post.
		return strings.TrimSpace(raw)
	}

	doc.Find("span.jt_spoiler").Each(func(_ int, sel *goquery.Selection) {
		sel.SetText(spoilerMask)
	})
	doc.Find("br").Each(func(_ int, sel *goquery.Selection) {
		sel.ReplaceWithHtml("\n")
	})

	return strings.TrimSpace(doc.Text())
}

// containsWord reports whether word occurs in body as a whole word.
// Both sides are lower-cased and punctuation-flattened identically, so
// "test" matches "a test." and "(test)" but not "testtest", and a
// punctuated needle like "half-life" still matches its literal form.
func containsWord(body, word string) bool {
	word = normalizeWords(word)
	if word == "" {
		return false
	}
	return strings.Contains(" "+normalizeWords(body)+" ", " "+word+" ")
}

// normalizeWords lower-cases s, flattens every non-alphanumeric rune to a
// space, and collapses runs of whitespace.
func normalizeWords(s string) string {
	flat := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(flat), " ")
}
