// Package htmlconv turns provider HTML into the markdown and plain-text forms
// stored on graph objects.
package htmlconv

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var (
	excessiveLinesRe = regexp.MustCompile(`\n{3,}`)

	// defanged links are re-armed so they render as links on the platform.
	linkFixer = strings.NewReplacer(
		"hxxps", "https",
		"](//", "](https://",
	)

	// angle brackets decoded from entities must not read as tags again.
	bracketEscaper = strings.NewReplacer("<", "&lt;", ">", "&gt;")

	blockElements = map[string]bool{
		"p": true, "div": true, "br": true, "li": true, "tr": true, "table": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
		"ul": true, "ol": true, "pre": true, "blockquote": true, "section": true, "article": true,
	}
)

// Converter converts HTML fragments to markdown.
type Converter struct {
	converter *md.Converter
}

// NewConverter creates a converter producing GitHub flavored markdown.
func NewConverter() *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Converter{converter: converter}
}

// ToMarkdown converts an HTML fragment to markdown. Links, images, tables and
// emphasis are preserved; protocol-relative and defanged links are rewritten
// to https.
func (c *Converter) ToMarkdown(fragment string) (string, error) {
	markdown, err := c.converter.ConvertString(fragment)
	if err != nil {
		return "", err
	}
	markdown = rearmLinks(markdown)
	markdown = excessiveLinesRe.ReplaceAllString(markdown, "\n\n")
	return strings.TrimSpace(markdown), nil
}

func rearmLinks(markdown string) string {
	return linkFixer.Replace(markdown)
}

// PlainText strips all markup from an HTML fragment and returns its text.
// Malformed markup is tolerated; the parser recovers the same way a browser would.
// A fragment without any tag is returned unchanged, entities included. Angle
// brackets in the extracted text are escaped, so PlainText(PlainText(s)) equals
// PlainText(s).
func PlainText(fragment string) string {
	if !hasMarkup(fragment) {
		return fragment
	}
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteString("\n")
		}
	}
	walk(doc)

	text := excessiveLinesRe.ReplaceAllString(b.String(), "\n\n")
	return bracketEscaper.Replace(strings.TrimSpace(text))
}

// hasMarkup reports whether the fragment contains a tag, comment or doctype.
func hasMarkup(fragment string) bool {
	if !strings.Contains(fragment, "<") {
		return false
	}
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken, html.CommentToken, html.DoctypeToken:
			return true
		}
	}
}
