package htmltext

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	doc := `<html><head><title>x</title><style>.a{color:red}</style></head>
<body><div><p>Big   <b>Sale</b> today</p><a href="https://brand.com/u">Unsubscribe</a>
<img src="a.png"/><script>alert(1)</script></div></body></html>`

	sum := Summarize(doc)

	assert.Equal(t, "Big Sale today\nUnsubscribe", sum.Text)
	assert.Equal(t, 1, sum.Links)
	assert.Equal(t, 11, sum.Tags)
}

func TestSummarize_Malformed(t *testing.T) {
	sum := Summarize("<div><p>unclosed <b>tags")
	assert.Equal(t, "unclosed tags", sum.Text)
	assert.Equal(t, 3, sum.Tags)
}

func TestText_Empty(t *testing.T) {
	assert.Equal(t, "", Text(""))
}
