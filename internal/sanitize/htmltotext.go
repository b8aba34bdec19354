package sanitize

import (
	"strings"

	"golang.org/x/net/html"
)

const wrapColumn = 80

// blockTags force a paragraph break in the rendered text; skipTags are
// never rendered at all.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "tr": true, "table": true,
	"li": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"h5": true, "h6": true, "blockquote": true, "hr": true,
}

var skipTags = map[string]bool{
	"script": true, "style": true, "head": true, "title": true,
}

// htmlToText renders an HTML document as wrapped plaintext at 80 columns,
// mirroring a browser's block-level line breaks without preserving markup.
func htmlToText(document string) string {
	node, err := html.Parse(strings.NewReader(document))
	if err != nil {
		return document
	}

	var b strings.Builder
	renderNode(node, &b)

	return wrapText(collapseBlankLines(b.String()))
}

func renderNode(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode && skipTags[n.Data] {
		return
	}

	if n.Type == html.TextNode {
		text := strings.TrimSpace(n.Data)
		if text != "" {
			b.WriteString(text)
			b.WriteString(" ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderNode(c, b)
	}

	if n.Type == html.ElementNode && blockTags[n.Data] {
		b.WriteString("\n")
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}

func wrapText(s string) string {
	var out strings.Builder
	for _, paragraph := range strings.Split(s, "\n") {
		if paragraph == "" {
			out.WriteString("\n")
			continue
		}
		out.WriteString(wrapLine(paragraph))
		out.WriteString("\n")
	}
	return strings.TrimRight(out.String(), "\n")
}

func wrapLine(line string) string {
	words := strings.Fields(line)
	if len(words) == 0 {
		return ""
	}

	var out strings.Builder
	col := 0
	for i, w := range words {
		if i > 0 {
			if col+1+len(w) > wrapColumn {
				out.WriteString("\n")
				col = 0
			} else {
				out.WriteString(" ")
				col++
			}
		}
		out.WriteString(w)
		col += len(w)
	}
	return out.String()
}
