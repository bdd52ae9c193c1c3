package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Normalizer reduces message bodies to a canonical form so the same physical
// SMS always yields the same fingerprint. Rich (RCS/MMS) bodies may carry HTML.
type Normalizer struct {
	tagRegex        *regexp.Regexp
	whitespaceRegex *regexp.Regexp
	invisibleRegex  *regexp.Regexp
}

// NewNormalizer creates a new text normalizer
func NewNormalizer() *Normalizer {
	return &Normalizer{
		tagRegex:        regexp.MustCompile(`(?i)</?[a-z][a-z0-9]*(\s[^>]*)?/?>`),
		whitespaceRegex: regexp.MustCompile(`\s+`),
		// Remove invisible Unicode characters (zero-width spaces, etc.)
		invisibleRegex: regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{034F}\x{061C}\x{115F}\x{1160}\x{17B4}\x{17B5}\x{180E}\x{2060}-\x{2064}\x{206A}-\x{206F}\x{FE00}-\x{FE0F}\x{FFF0}-\x{FFF8}]+`),
	}
}

// PlainText strips markup from rich message bodies. Plain SMS text is returned unchanged.
func (n *Normalizer) PlainText(text string) string {
	if !n.tagRegex.MatchString(text) {
		return text
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return text
	}

	// Remove script and style elements
	doc.Find("script, style, head, meta, link").Remove()

	// Keep link targets, they matter for risk detection
	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			s.AppendHtml(" " + href)
		}
	})

	doc.Find("p, div, br, li, tr").Each(func(i int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	return doc.Text()
}

// Normalize returns the canonical form used for fingerprinting:
// markup and invisible characters removed, whitespace collapsed, lower case
func (n *Normalizer) Normalize(text string) string {
	text = n.PlainText(text)
	text = n.invisibleRegex.ReplaceAllString(text, "")
	text = n.whitespaceRegex.ReplaceAllString(text, " ")
	return strings.ToLower(strings.TrimSpace(text))
}
