package pipeline

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	markdown = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)
	blankRuns = regexp.MustCompile(`\n{3,}`)
)

// Sanitize renders markdown (and any inline HTML) to plain text.
func Sanitize(md string) string {
	if strings.TrimSpace(md) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return strings.TrimSpace(md)
	}
	doc, err := goquery.NewDocumentFromReader(&buf)
	if err != nil {
		return strings.TrimSpace(md)
	}
	doc.Find("script, style").Remove()
	text := strings.ReplaceAll(doc.Text(), "\r\n", "\n")
	return strings.TrimSpace(blankRuns.ReplaceAllString(text, "\n\n"))
}
