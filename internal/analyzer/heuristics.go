package analyzer

import (
	"net/http"
	"regexp"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/siteaudit/internal/crawler"
)

// NotSet is reported for security headers missing from the response.
const NotSet = "Not Set"

var securityHeaderNames = []string{
	"X-Content-Type-Options",
	"X-Frame-Options",
	"X-XSS-Protection",
	"Content-Security-Policy",
	"Strict-Transport-Security",
}

type signature struct {
	name    string
	pattern *regexp.Regexp
}

// technologySignatures is matched against the raw body in order.
var technologySignatures = []signature{
	{"wordpress", regexp.MustCompile(`(?i)wp-content|wp-includes`)},
	{"react", regexp.MustCompile(`(?i)react(\.production)?\.min\.js`)},
	{"angular", regexp.MustCompile(`(?i)angular(\.min)?\.js`)},
	{"bootstrap", regexp.MustCompile(`(?i)bootstrap(\.min)?\.css`)},
	{"jquery", regexp.MustCompile(`(?i)jquery(-[\d.]+)?(\.min)?\.js`)},
}

var socialSignatures = []signature{
	{"facebook", regexp.MustCompile(`(?i)facebook\.com`)},
	{"twitter", regexp.MustCompile(`(?i)twitter\.com|(^|[/.])x\.com`)},
	{"linkedin", regexp.MustCompile(`(?i)linkedin\.com`)},
	{"instagram", regexp.MustCompile(`(?i)instagram\.com`)},
	{"youtube", regexp.MustCompile(`(?i)youtube\.com`)},
}

var (
	sitemapPattern      = regexp.MustCompile(`(?i)sitemap[^/]*\.xml`)
	resourceHintPattern = regexp.MustCompile(`(?i)\b(preload|prefetch|preconnect)\b`)
)

// SecurityHeaders reports each well-known security header, or NotSet.
func SecurityHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(securityHeaderNames))
	for _, name := range securityHeaderNames {
		v := h.Get(name)
		if v == "" {
			v = NotSet
		}
		out[name] = v
	}
	return out
}

// DetectTechnologies matches body against the signature table. A non-empty
// generator is recorded verbatim as the CMS.
func DetectTechnologies(body []byte, generator string) crawler.Technologies {
	tech := crawler.Technologies{Detected: []string{}, CMS: generator}
	for _, sig := range technologySignatures {
		if sig.pattern.Match(body) {
			tech.Detected = append(tech.Detected, sig.name)
		}
	}
	return tech
}

// SocialLinks maps each platform to the last matching href.
func SocialLinks(hrefs []string) map[string]string {
	out := map[string]string{}
	for _, href := range hrefs {
		for _, sig := range socialSignatures {
			if sig.pattern.MatchString(href) {
				out[sig.name] = href
			}
		}
	}
	return out
}

// SEO extracts search-engine related markup.
func SEO(doc *goquery.Document) crawler.SEOMetrics {
	seo := crawler.SEOMetrics{
		MetaDescription: doc.Find(`meta[name="description"]`).First().AttrOr("content", ""),
		CanonicalURL:    doc.Find(`link[rel~="canonical"]`).First().AttrOr("href", ""),
		RobotsMeta:      doc.Find(`meta[name="robots"]`).First().AttrOr("content", ""),
		SitemapLinks:    []string{},
		HasSchema:       doc.Find(`[type="application/ld+json"]`).Length() > 0,
	}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href := s.AttrOr("href", ""); sitemapPattern.MatchString(href) {
			seo.SitemapLinks = append(seo.SitemapLinks, href)
		}
	})
	return seo
}

// Performance extracts page-weight indicators. ImageSize is the total length
// of the serialized <img> markup.
func Performance(doc *goquery.Document, loadTime time.Duration) crawler.PerformanceMetrics {
	perf := crawler.PerformanceMetrics{
		TotalLoadTime: loadTime.Seconds(),
		ScriptCount:   doc.Find("script").Length(),
		CSSCount:      doc.Find(`link[rel~="stylesheet"]`).Length(),
		TotalLinks:    doc.Find("a").Length(),
		ResourceHints: []string{},
	}
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if markup, err := goquery.OuterHtml(s); err == nil {
			perf.ImageSize += len(markup)
		}
	})
	doc.Find("link[rel]").Each(func(_ int, s *goquery.Selection) {
		if resourceHintPattern.MatchString(s.AttrOr("rel", "")) {
			perf.ResourceHints = append(perf.ResourceHints, s.AttrOr("href", ""))
		}
	})
	return perf
}

// Accessibility counts basic accessibility markup.
func Accessibility(doc *goquery.Document) crawler.AccessibilityMetrics {
	acc := crawler.AccessibilityMetrics{
		AriaLandmarks:     doc.Find("[role]").Length(),
		FormLabels:        doc.Find("label").Length(),
		SkipLinks:         doc.Find(`a[href="#main-content"]`).Length(),
		LanguageSpecified: doc.Find("html[lang]").Length() > 0,
	}
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if s.AttrOr("alt", "") != "" {
			acc.ImagesWithAlt++
		}
	})
	return acc
}
