package worker

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// PageText is the text rendering of a page DOM.
type PageText struct {
	Text        string
	Title       string
	Description string
	Truncated   bool
}

// htmlToText renders rawHTML as markdown-ish text: headings become #
// prefixes, links keep their targets, images collapse to their alt text and
// lines are never wrapped. Output beyond maxLength runes is cut off.
func htmlToText(rawHTML string, maxLength int) (*PageText, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	w := &textWriter{maxLength: maxLength}
	w.node(doc)

	return &PageText{
		Text:        w.String(),
		Title:       extractTitle(doc),
		Description: extractMetaDescription(doc),
		Truncated:   w.truncated,
	}, nil
}

type textWriter struct {
	b         strings.Builder
	length    int
	maxLength int
	truncated bool
	listDepth int
	inPre     bool
}

func (w *textWriter) String() string {
	lines := strings.Split(w.b.String(), "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func (w *textWriter) write(s string) {
	if w.truncated || s == "" {
		return
	}
	if w.maxLength > 0 && w.length+len(s) > w.maxLength {
		remaining := w.maxLength - w.length
		if remaining > 0 {
			w.b.WriteString(s[:remaining])
		}
		w.b.WriteString("...")
		w.length = w.maxLength
		w.truncated = true
		return
	}
	w.b.WriteString(s)
	w.length += len(s)
}

func (w *textWriter) newline() {
	w.write("\n")
}

func (w *textWriter) node(n *html.Node) {
	if w.truncated {
		return
	}

	switch n.Type {
	case html.CommentNode, html.DoctypeNode:
		return
	case html.TextNode:
		w.text(n.Data)
		return
	case html.ElementNode:
		w.element(n)
		return
	}
	w.children(n)
}

func (w *textWriter) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.node(c)
	}
}

func (w *textWriter) text(data string) {
	if w.inPre {
		w.write(data)
		return
	}
	fields := strings.Fields(data)
	if len(fields) == 0 {
		if data != "" {
			w.write(" ")
		}
		return
	}
	text := strings.Join(fields, " ")
	if startsWithSpace(data) {
		text = " " + text
	}
	if endsWithSpace(data) {
		text += " "
	}
	w.write(text)
}

func (w *textWriter) element(n *html.Node) {
	tag := strings.ToLower(n.Data)
	if isSkippedElement(tag) || tag == "head" {
		return
	}

	switch tag {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		w.newline()
		w.newline()
		w.write(strings.Repeat("#", int(tag[1]-'0')) + " ")
		w.children(n)
		w.newline()
		return
	case "br":
		w.newline()
		return
	case "hr":
		w.newline()
		w.write("* * *")
		w.newline()
		return
	case "img":
		if alt := attr(n, "alt"); alt != "" {
			w.write("![" + alt + "]")
		}
		return
	case "a":
		href := attr(n, "href")
		if href == "" || strings.HasPrefix(href, "javascript:") {
			w.children(n)
			return
		}
		w.write("[")
		w.children(n)
		w.write("](" + href + ")")
		return
	case "input", "textarea", "select":
		w.formControl(n, tag)
		return
	case "li":
		w.newline()
		w.write(strings.Repeat("  ", max(w.listDepth-1, 0)) + "* ")
		w.children(n)
		return
	case "ul", "ol":
		w.listDepth++
		w.newline()
		w.children(n)
		w.listDepth--
		w.newline()
		return
	case "pre":
		w.newline()
		w.newline()
		w.inPre = true
		w.children(n)
		w.inPre = false
		w.newline()
		w.newline()
		return
	case "strong", "b":
		w.write("**")
		w.children(n)
		w.write("**")
		return
	case "em", "i":
		w.write("_")
		w.children(n)
		w.write("_")
		return
	case "td", "th":
		w.write(" | ")
		w.children(n)
		return
	}

	if isBlockElement(tag) {
		w.newline()
		w.newline()
		w.children(n)
		w.newline()
		w.newline()
		return
	}
	w.children(n)
}

func (w *textWriter) formControl(n *html.Node, tag string) {
	if tag == "input" {
		switch strings.ToLower(attr(n, "type")) {
		case "hidden":
			return
		case "submit", "button":
			if v := attr(n, "value"); v != "" {
				w.write("[" + v + "]")
			}
			return
		}
	}
	label := attr(n, "value")
	if label == "" {
		label = attr(n, "placeholder")
	}
	if label == "" && tag != "input" {
		label = strings.TrimSpace(nodeText(n))
	}
	w.write("[" + label + "]")
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func startsWithSpace(s string) bool {
	return s != "" && strings.ContainsRune(" \t\n\r", rune(s[0]))
}

func endsWithSpace(s string) bool {
	return s != "" && strings.ContainsRune(" \t\n\r", rune(s[len(s)-1]))
}

// isSkippedElement returns true for elements that should be completely removed
func isSkippedElement(tagName string) bool {
	switch tagName {
	case "script", "style", "noscript", "iframe", "embed", "object", "svg", "template":
		return true
	}
	return false
}

// isBlockElement returns true for block-level elements (for formatting)
func isBlockElement(tagName string) bool {
	switch tagName {
	case "div", "p", "section", "article", "header", "footer", "nav", "main",
		"aside", "table", "tr", "form", "fieldset", "blockquote", "figure", "dl", "dd", "dt":
		return true
	}
	return false
}

// extractTitle extracts the page title from the document
func extractTitle(doc *html.Node) string {
	var title string
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
			if title != "" {
				return
			}
		}
	}
	traverse(doc)
	return title
}

// extractMetaDescription extracts the meta description from the document
func extractMetaDescription(doc *html.Node) string {
	var description string
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "meta" && attr(n, "name") == "description" {
			description = strings.TrimSpace(attr(n, "content"))
			if description != "" {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
			if description != "" {
				return
			}
		}
	}
	traverse(doc)
	return description
}
