// Package parser extracts text, metadata, links and structured data from raw
// HTML. Parsing is a pure function of (html, url); it performs no I/O.
package parser

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/brandlens/crawler/internal/crawler"
)

// Elements removed before text extraction; chrome and interactive widgets
// contribute noise, not content.
var strippedSelectors = []string{
	"script", "style", "noscript", "nav", "header", "footer",
	"form", "button", "iframe", "svg",
}

// Heading is one h1-h6 element in document order.
type Heading struct {
	Level int
	Text  string
}

// ParsedContent is everything the crawl engine needs from one page.
type ParsedContent struct {
	URL             string
	Title           string
	MetaDescription string
	Text            string
	WordCount       int
	Headings        []Heading
	Links           []string
	Images          []string
	StructuredData  []map[string]any
	PageType        string
	Language        string
	CanonicalURL    string
}

// Parse extracts content from html fetched at pageURL.
func Parse(html string, pageURL string) (*ParsedContent, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	content := &ParsedContent{
		URL:             pageURL,
		Title:           strings.TrimSpace(doc.Find("title").First().Text()),
		MetaDescription: metaDescription(doc),
		Language:        strings.TrimSpace(doc.Find("html").AttrOr("lang", "")),
		CanonicalURL:    canonicalURL(doc, base),
		Headings:        headings(doc),
		Links:           links(doc, base),
		Images:          images(doc, base),
		StructuredData:  structuredData(doc),
	}
	content.Text = extractText(doc)
	content.WordCount = len(strings.Fields(content.Text))
	content.PageType = classifyPageType(base.Path, content.StructuredData)
	return content, nil
}

// InternalLinks returns links on the same domain (or a subdomain) as the page.
func (p *ParsedContent) InternalLinks() []string {
	return p.filterLinks(true)
}

// ExternalLinks returns links pointing off the page's domain.
func (p *ParsedContent) ExternalLinks() []string {
	return p.filterLinks(false)
}

func (p *ParsedContent) filterLinks(internal bool) []string {
	domain := crawler.DomainOf(p.URL)
	var out []string
	for _, link := range p.Links {
		same := crawler.SameOrSubdomain(crawler.DomainOf(link), domain)
		if same == internal {
			out = append(out, link)
		}
	}
	return out
}

func metaDescription(doc *goquery.Document) string {
	desc := doc.Find(`meta[name="description"]`).First().AttrOr("content", "")
	if desc == "" {
		desc = doc.Find(`meta[property="og:description"]`).First().AttrOr("content", "")
	}
	return strings.TrimSpace(desc)
}

func canonicalURL(doc *goquery.Document, base *url.URL) string {
	href := doc.Find(`link[rel="canonical"]`).First().AttrOr("href", "")
	if href == "" {
		return ""
	}
	return resolve(base, href)
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func headings(doc *goquery.Document) []Heading {
	var out []Heading
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		level := int(s.Nodes[0].Data[1] - '0')
		out = append(out, Heading{Level: level, Text: text})
	})
	return out
}

func links(doc *goquery.Document, base *url.URL) []string {
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "javascript:") ||
			strings.HasPrefix(lower, "mailto:") ||
			strings.HasPrefix(lower, "tel:") {
			return
		}
		if resolved := resolve(base, href); resolved != "" {
			out = append(out, resolved)
		}
	})
	return out
}

func images(doc *goquery.Document, base *url.URL) []string {
	var out []string
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		if resolved := resolve(base, src); resolved != "" {
			out = append(out, resolved)
		}
	})
	return out
}

func structuredData(doc *goquery.Document) []map[string]any {
	var out []map[string]any
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			out = append(out, obj)
			return
		}
		// Some sites wrap multiple entities in a top-level array.
		var list []map[string]any
		if err := json.Unmarshal([]byte(raw), &list); err == nil {
			out = append(out, list...)
		}
	})
	return out
}

func extractText(doc *goquery.Document) string {
	clone := goquery.CloneDocument(doc)
	clone.Find(strings.Join(strippedSelectors, ", ")).Remove()
	body := clone.Find("body")
	raw := body.Text()
	if body.Length() == 0 {
		raw = clone.Text()
	}
	return strings.Join(strings.Fields(raw), " ")
}

// Path substrings checked in order; first match wins.
var pathTypePatterns = []struct {
	substr   string
	pageType string
}{
	{"product", "product"},
	{"service", "service"},
	{"blog", "blog"},
	{"about", "about"},
	{"contact", "contact"},
	{"pricing", "pricing"},
}

func classifyPageType(path string, data []map[string]any) string {
	trimmed := strings.Trim(strings.ToLower(path), "/")
	if trimmed == "" {
		return "homepage"
	}
	for _, pat := range pathTypePatterns {
		if strings.Contains(trimmed, pat.substr) {
			return pat.pageType
		}
	}
	if t := typeFromStructuredData(data); t != "" {
		return t
	}
	return "other"
}

func typeFromStructuredData(data []map[string]any) string {
	for _, obj := range data {
		for _, t := range schemaTypes(obj["@type"]) {
			switch t {
			case "Product":
				return "product"
			case "BlogPosting", "Article":
				return "blog"
			case "Organization", "AboutPage":
				return "about"
			case "ContactPage":
				return "contact"
			}
		}
	}
	return ""
}

func schemaTypes(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
