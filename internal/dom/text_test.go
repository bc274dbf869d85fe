package dom

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVisibleText_SkipsNonVisualContent(t *testing.T) {
	t.Parallel()

	doc := `<html><head>
<style>.x{color:red}</style>
<script>console.log("not visible")</script>
</head><body>
<h1>Checkout</h1>
<p>Thank you for your order!</p>
<noscript>Enable JavaScript</noscript>
<div>  </div>
<button>Place order</button>
</body></html>`

	got := VisibleText(doc)
	assert.Equal(t, []string{"Checkout", "Thank you for your order!", "Place order"}, got)
}

func TestVisibleText_EmptyDocument(t *testing.T) {
	t.Parallel()

	assert.Nil(t, VisibleText(""))
}

func TestVisibleText_ToleratesMalformedMarkup(t *testing.T) {
	t.Parallel()

	got := VisibleText("<div><p>still readable")
	assert.Contains(t, got, "still readable")
}

func TestVisibleText_CapsNodeCount(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	for i := 0; i < maxVisibleTextNodes+50; i++ {
		b.WriteString("<p>n</p>")
	}

	got := VisibleText(b.String())
	assert.Len(t, got, maxVisibleTextNodes)
}
