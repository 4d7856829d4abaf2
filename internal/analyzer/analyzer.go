// Package analyzer turns fetched HTML into crawler.PageReport values.
//
// Analysis is a pure function of the URL and the response: nothing here
// touches the network or shared state, and missing markup degrades to zero
// values instead of errors.
package analyzer

import (
	"bytes"
	"math"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/siteaudit/internal/clock/system"
	"github.com/JakeFAU/siteaudit/internal/crawler"
	"github.com/JakeFAU/siteaudit/internal/hash/sha256"
)

// Option customises an Analyzer.
type Option func(*Analyzer)

// WithHasher overrides the content hasher (SHA-256 by default).
func WithHasher(h crawler.Hasher) Option {
	return func(a *Analyzer) {
		if h != nil {
			a.hasher = h
		}
	}
}

// WithClock overrides the clock used to stamp reports.
func WithClock(c crawler.Clock) Option {
	return func(a *Analyzer) {
		if c != nil {
			a.clock = c
		}
	}
}

// Analyzer implements crawler.Analyzer on top of goquery.
type Analyzer struct {
	hasher crawler.Hasher
	clock  crawler.Clock
}

// New builds an Analyzer.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		hasher: sha256.New(),
		clock:  system.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze builds the report for one response.
func (a *Analyzer) Analyze(pageURL string, resp crawler.Response) crawler.PageReport {
	report := crawler.PageReport{
		URL:             pageURL,
		StatusCode:      resp.StatusCode,
		LoadTime:        resp.Elapsed,
		ContentLength:   len(resp.Body),
		Headings:        map[string]int{},
		MetaTags:        map[string]string{},
		Headers:         flattenHeaders(resp.Headers),
		SocialLinks:     map[string]string{},
		SecurityHeaders: SecurityHeaders(resp.Headers),
		Technologies:    DetectTechnologies(resp.Body, ""),
		Timestamp:       a.clock.Now().UTC(),
	}
	if digest, err := a.hasher.Hash(resp.Body); err == nil {
		report.ContentHash = digest
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return report
	}

	report.Title = strings.TrimSpace(doc.Find("title").First().Text())

	var hrefs []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		hrefs = append(hrefs, href)
	})
	report.InternalLinks, report.ExternalLinks = crawler.ClassifyLinks(pageURL, hrefs)
	report.SocialLinks = SocialLinks(hrefs)

	report.ImagesFound = doc.Find("img").Length()
	report.Scripts = doc.Find("script").Length()
	report.Stylesheets = doc.Find(`link[rel~="stylesheet"]`).Length()
	report.Forms = doc.Find("form").Length()
	for _, tag := range []string{"h1", "h2", "h3", "h4", "h5", "h6"} {
		if n := doc.Find(tag).Length(); n > 0 {
			report.Headings[tag] = n
		}
	}
	report.H1Count = report.Headings["h1"]

	words := strings.Fields(strings.ToLower(DocumentText(doc)))
	report.WordCount = len(words)
	report.TopWords = TopWords(words, topWordsLimit)
	report.TextToHTMLRatio = TextRatio(len(VisibleText(doc)), len(resp.Body))

	report.MetaTags = metaTags(doc)
	report.ResponsiveMeta = doc.Find(`meta[name="viewport"]`).Length() > 0
	doc.Find("html[lang]").Each(func(_ int, s *goquery.Selection) {
		lang, _ := s.Attr("lang")
		report.Languages = append(report.Languages, lang)
	})

	report.SEO = SEO(doc)
	report.Performance = Performance(doc, resp.Elapsed)
	report.Accessibility = Accessibility(doc)
	report.Technologies = DetectTechnologies(resp.Body, generator(doc))
	return report
}

const topWordsLimit = 10

// TextRatio returns textLen/markupLen*100 rounded to two decimals, or 0 for
// empty markup.
func TextRatio(textLen, markupLen int) float64 {
	if markupLen <= 0 {
		return 0
	}
	ratio := float64(textLen) / float64(markupLen) * 100
	return math.Round(ratio*100) / 100
}

func metaTags(doc *goquery.Document) map[string]string {
	tags := map[string]string{}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name := s.AttrOr("name", "")
		if name == "" {
			name = s.AttrOr("property", "")
		}
		content := s.AttrOr("content", "")
		if name != "" && content != "" {
			tags[name] = content
		}
	})
	return tags
}

func generator(doc *goquery.Document) string {
	return doc.Find(`meta[name="generator"]`).First().AttrOr("content", "")
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
