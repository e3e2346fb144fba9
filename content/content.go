// Package content converts rendered page HTML into the formats task
// results are delivered in: markdown, plain text, selector-filtered
// fragments, and readability-extracted articles.
package content

import (
	"bytes"
	"log/slog"
	nurl "net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// Pipeline holds the reusable conversion machinery. The markdown converter
// is goroutine-safe, so one Pipeline serves all workers.
type Pipeline struct {
	md *converter.Converter
}

// NewPipeline creates a Pipeline with a converter configured for compact
// output:
//
//   - base plugin: strips script, style, iframe, noscript, head, meta,
//     link, input, textarea, and HTML comments.
//   - commonmark plugin: standard Markdown rendering.
//   - table plugin: preserves table structure with minimal cell padding.
func NewPipeline() *Pipeline {
	return &Pipeline{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(
					table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
				),
			),
		),
	}
}

// Markdown converts rendered HTML to Markdown. The sourceURL's domain
// resolves relative links so the output is self-contained.
func (p *Pipeline) Markdown(rawHTML, sourceURL string) (string, error) {
	domain := ""
	if u, err := nurl.Parse(sourceURL); err == nil {
		domain = u.Hostname()
	}
	return p.md.ConvertString(rawHTML, converter.WithDomain(domain))
}

// Text strips all markup and returns the document's visible text with
// whitespace collapsed.
func (p *Pipeline) Text(rawHTML string) (string, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.TrimSpace(sb.String()), nil
}

// Select parses rawHTML, matches elements against the given CSS selector,
// and returns the concatenated outer HTML of all matched elements.
// matched reports how many elements the selector hit. The selector is
// compiled upfront because goquery silently treats an invalid selector as
// matching nothing, which would be indistinguishable from an empty page.
func (p *Pipeline) Select(rawHTML, selector string) (out string, matched int, err error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return "", 0, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return "", 0, err
	}

	var buf bytes.Buffer
	matches := doc.FindMatcher(sel)
	matches.Each(func(_ int, s *goquery.Selection) {
		for _, node := range s.Nodes {
			if err == nil {
				err = html.Render(&buf, node)
			}
		}
	})
	if err != nil {
		return "", 0, err
	}
	return buf.String(), matches.Length(), nil
}

// minArticleLength is the minimum TextContent length (in characters) for
// readability output to be considered valid. Below this threshold we assume
// the algorithm failed to locate the main content and fall back to raw HTML.
const minArticleLength = 50

// Article runs the Mozilla Readability algorithm on rawHTML and returns the
// extracted main content plus its title. Falls back to the raw HTML when
// extraction fails or produces next to nothing, so downstream formatting
// always has input to work with.
func (p *Pipeline) Article(rawHTML, sourceURL string) (contentHTML, title string) {
	parsedURL, err := nurl.Parse(sourceURL)
	if err != nil {
		slog.Warn("readability: invalid source URL, falling back to raw HTML",
			"url", sourceURL, "error", err)
		return rawHTML, ""
	}

	article, err := readability.FromReader(strings.NewReader(rawHTML), parsedURL)
	if err != nil {
		slog.Warn("readability: extraction failed, falling back to raw HTML",
			"url", sourceURL, "error", err)
		return rawHTML, ""
	}

	if len(strings.TrimSpace(article.TextContent)) < minArticleLength {
		slog.Warn("readability: extracted content too short, falling back to raw HTML",
			"url", sourceURL, "length", len(article.TextContent))
		return rawHTML, ""
	}

	return article.Content, article.Title
}

// Format converts rawHTML into the requested output format: "html"
// (passthrough), "markdown", or "text".
func (p *Pipeline) Format(rawHTML, sourceURL, format string) (string, error) {
	switch format {
	case "markdown":
		return p.Markdown(rawHTML, sourceURL)
	case "text":
		return p.Text(rawHTML)
	default:
		return rawHTML, nil
	}
}
