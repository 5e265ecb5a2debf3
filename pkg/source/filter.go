package source

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Filter limits collection to a topic by keyword.
type Filter struct {
	keywords []string
	exclude  []string
}

// NewFilter creates a filter. With no keywords every text matches unless it
// contains an excluded keyword.
func NewFilter(keywords, excludeKeywords []string) *Filter {
	return &Filter{keywords: lower(keywords), exclude: lower(excludeKeywords)}
}

// Matches reports whether text is on topic.
func (f *Filter) Matches(text string) bool {
	l := strings.ToLower(text)

	for _, ex := range f.exclude {
		if strings.Contains(l, ex) {
			return false
		}
	}
	if len(f.keywords) == 0 {
		return true
	}
	for _, kw := range f.keywords {
		if strings.Contains(l, kw) {
			return true
		}
	}
	return false
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// PlainText strips markup from a feed field and collapses whitespace.
func PlainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	doc.Find("script, style").Remove()
	doc.Find("br, p, div, li").Each(func(_ int, sel *goquery.Selection) {
		sel.AfterHtml(" ")
	})
	return strings.Join(strings.Fields(doc.Text()), " ")
}
