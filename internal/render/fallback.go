package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"unicode"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/pkg/htmltext"
)

const (
	fallbackMargin     = 16
	fallbackLineHeight = 16
	fallbackMinHeight  = 200
	glyphWidth         = 7 // basicfont.Face7x13 advance
)

var (
	headerColor = color.RGBA{R: 0x1f, G: 0x2a, B: 0x44, A: 0xff}
	ruleColor   = color.RGBA{R: 0xd0, G: 0xd4, B: 0xdc, A: 0xff}
)

// Fallback draws a deterministic text image: sender and subject header, a
// rule, then the first excerptChars characters of the body, word wrapped.
// It only fails if PNG encoding fails.
func Fallback(msg domain.RawMessage, width, excerptChars int) ([]byte, error) {
	if width < 2*fallbackMargin+glyphWidth*10 {
		width = 600
	}
	cols := (width - 2*fallbackMargin) / glyphWidth

	header := append(
		wrap("From: "+printable(msg.SenderAddress), cols),
		wrap("Subject: "+printable(msg.Subject), cols)...,
	)
	body := wrap(excerpt(msg, excerptChars), cols)
	if len(body) == 0 {
		body = []string{"(no text content)"}
	}

	lines := len(header) + 1 + len(body)
	height := 2*fallbackMargin + lines*fallbackLineHeight
	if height < fallbackMinHeight {
		height = fallbackMinHeight
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	d := &font.Drawer{Dst: img, Face: basicfont.Face7x13}
	y := fallbackMargin + 12
	d.Src = image.NewUniform(headerColor)
	for _, line := range header {
		d.Dot = fixed.P(fallbackMargin, y)
		d.DrawString(line)
		y += fallbackLineHeight
	}

	ruleY := y - fallbackLineHeight/2
	draw.Draw(img, image.Rect(fallbackMargin, ruleY, width-fallbackMargin, ruleY+1),
		image.NewUniform(ruleColor), image.Point{}, draw.Src)
	y += fallbackLineHeight / 2

	d.Src = image.Black
	for _, line := range body {
		d.Dot = fixed.P(fallbackMargin, y)
		d.DrawString(line)
		y += fallbackLineHeight
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode fallback png: %w", err)
	}
	return buf.Bytes(), nil
}

// excerpt prefers the plain-text part and derives text from HTML otherwise.
func excerpt(msg domain.RawMessage, n int) string {
	text := msg.TextBody
	if strings.TrimSpace(text) == "" && msg.HTMLBody != "" {
		text = htmltext.Text(msg.HTMLBody)
	}
	text = printable(text)
	if r := []rune(text); n > 0 && len(r) > n {
		text = string(r[:n]) + "..."
	}
	return text
}

// printable drops control characters but keeps line breaks.
func printable(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case r == '\t' || r == '\r':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
}

// wrap breaks text into lines of at most cols runes, splitting long words.
func wrap(text string, cols int) []string {
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}
		var cur []rune
		for _, w := range words {
			word := []rune(w)
			for len(word) > cols {
				if len(cur) > 0 {
					lines = append(lines, string(cur))
					cur = nil
				}
				lines = append(lines, string(word[:cols]))
				word = word[cols:]
			}
			switch {
			case len(cur) == 0:
				cur = append(cur, word...)
			case len(cur)+1+len(word) <= cols:
				cur = append(append(cur, ' '), word...)
			default:
				lines = append(lines, string(cur))
				cur = append([]rune(nil), word...)
			}
		}
		if len(cur) > 0 {
			lines = append(lines, string(cur))
		}
	}
	return lines
}
