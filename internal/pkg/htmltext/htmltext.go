// Package htmltext reduces an HTML email body to visible text and a rough
// structural size, using the golang.org/x/net/html tokenizer.
package htmltext

import (
	"strings"

	"golang.org/x/net/html"
)

// Summary is the result of one tokenizer pass over a document.
type Summary struct {
	Text string
	// Tags counts start and self-closing tags.
	Tags int
	// Links counts anchors with an href.
	Links int
}

var skipped = map[string]bool{
	"script":   true,
	"style":    true,
	"head":     true,
	"title":    true,
	"noscript": true,
}

var blockBreaks = map[string]bool{
	"p": true, "div": true, "br": true, "tr": true, "li": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// Summarize tokenizes doc once. The tokenizer tolerates malformed markup and
// stops at the first error, which for an in-memory reader is EOF.
func Summarize(doc string) Summary {
	var (
		sum   Summary
		b     strings.Builder
		depth int
	)
	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			sum.Text = collapse(b.String())
			return sum
		case html.StartTagToken, html.SelfClosingTagToken:
			sum.Tags++
			name, hasAttr := z.TagName()
			tag := string(name)
			if tag == "a" && hasAttr && hasHref(z) {
				sum.Links++
			}
			if skipped[tag] && tt == html.StartTagToken {
				depth++
			}
			if blockBreaks[tag] {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipped[tag] && depth > 0 {
				depth--
			}
			if blockBreaks[tag] {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if depth == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

// Text returns only the visible text of doc.
func Text(doc string) string {
	return Summarize(doc).Text
}

func hasHref(z *html.Tokenizer) bool {
	for {
		key, val, more := z.TagAttr()
		if string(key) == "href" && len(val) > 0 {
			return true
		}
		if !more {
			return false
		}
	}
}

// collapse squeezes runs of spaces and blank lines.
func collapse(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
