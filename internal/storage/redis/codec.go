package redisstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/JakeFAU/siteaudit/internal/crawler"
)

// codecVersion is written to every hash. Hashes without it are treated as
// version 0, the layout written before the field was introduced: top_words
// as a word->count object and naive local timestamps.
const codecVersion = 1

const fieldVersion = "codec_version"

// FieldError reports a stored field that could not be decoded. The field is
// left at its zero value.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("decode field %q: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func encodeSummary(s crawler.CrawlSummary) map[string]any {
	return map[string]any{
		fieldVersion:    codecVersion,
		"pages_visited": s.PagesVisited,
		"start_url":     s.StartURL,
		"crawl_time":    s.CrawlTime.UTC().Format(time.RFC3339Nano),
		"total_words":   s.TotalWords,
		"total_images":  s.TotalImages,
	}
}

func decodeSummary(fields map[string]string) (crawler.CrawlSummary, []error) {
	r := &fieldReader{fields: fields}
	s := crawler.CrawlSummary{
		PagesVisited: r.integer("pages_visited"),
		StartURL:     r.str("start_url"),
		CrawlTime:    r.timestamp("crawl_time"),
		TotalWords:   r.integer("total_words"),
		TotalImages:  r.integer("total_images"),
	}
	return s, r.errs
}

func encodePage(p crawler.PageReport) (map[string]any, error) {
	fields := map[string]any{
		fieldVersion:         codecVersion,
		"url":                p.URL,
		"title":              p.Title,
		"status_code":        p.StatusCode,
		"load_time":          strconv.FormatFloat(p.LoadTime.Seconds(), 'f', -1, 64),
		"content_length":     p.ContentLength,
		"images_found":       p.ImagesFound,
		"scripts":            p.Scripts,
		"stylesheets":        p.Stylesheets,
		"forms":              p.Forms,
		"h1_count":           p.H1Count,
		"word_count":         p.WordCount,
		"responsive_meta":    strconv.FormatBool(p.ResponsiveMeta),
		"text_to_html_ratio": strconv.FormatFloat(p.TextToHTMLRatio, 'f', -1, 64),
		"content_hash":       p.ContentHash,
		"snapshot_uri":       p.SnapshotURI,
		"timestamp":          p.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	structured := map[string]any{
		"internal_links":      p.InternalLinks,
		"external_links":      p.ExternalLinks,
		"headings":            p.Headings,
		"top_words":           p.TopWords,
		"meta_tags":           p.MetaTags,
		"headers":             p.Headers,
		"languages":           p.Languages,
		"social_links":        p.SocialLinks,
		"seo_metrics":         p.SEO,
		"performance_metrics": p.Performance,
		"accessibility":       p.Accessibility,
		"security_headers":    p.SecurityHeaders,
		"technologies":        p.Technologies,
		"health_check":        p.HealthCheck,
	}
	for name, v := range structured {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", name, err)
		}
		fields[name] = string(raw)
	}
	return fields, nil
}

func decodePage(fields map[string]string) (crawler.PageReport, []error) {
	r := &fieldReader{fields: fields}
	version := r.integer(fieldVersion)
	p := crawler.PageReport{
		URL:             r.str("url"),
		Title:           r.str("title"),
		StatusCode:      r.integer("status_code"),
		LoadTime:        r.seconds("load_time"),
		ContentLength:   r.integer("content_length"),
		ImagesFound:     r.integer("images_found"),
		Scripts:         r.integer("scripts"),
		Stylesheets:     r.integer("stylesheets"),
		Forms:           r.integer("forms"),
		H1Count:         r.integer("h1_count"),
		WordCount:       r.integer("word_count"),
		ResponsiveMeta:  r.boolean("responsive_meta"),
		TextToHTMLRatio: r.float("text_to_html_ratio"),
		ContentHash:     r.str("content_hash"),
		SnapshotURI:     r.str("snapshot_uri"),
		Timestamp:       r.timestamp("timestamp"),
		InternalLinks:   decodeJSON[[]string](r, "internal_links"),
		ExternalLinks:   decodeJSON[[]string](r, "external_links"),
		Headings:        decodeJSON[map[string]int](r, "headings"),
		MetaTags:        decodeJSON[map[string]string](r, "meta_tags"),
		Headers:         decodeJSON[map[string]string](r, "headers"),
		Languages:       decodeJSON[[]string](r, "languages"),
		SocialLinks:     decodeJSON[map[string]string](r, "social_links"),
		SEO:             decodeJSON[crawler.SEOMetrics](r, "seo_metrics"),
		Performance:     decodeJSON[crawler.PerformanceMetrics](r, "performance_metrics"),
		Accessibility:   decodeJSON[crawler.AccessibilityMetrics](r, "accessibility"),
		SecurityHeaders: decodeJSON[map[string]string](r, "security_headers"),
		Technologies:    decodeJSON[crawler.Technologies](r, "technologies"),
	}
	if version == 0 {
		p.TopWords = legacyTopWords(decodeJSON[map[string]int](r, "top_words"))
		p.HealthCheck = decodeJSON[legacyHealthCheck](r, "health_check").result()
	} else {
		p.TopWords = decodeJSON[[]crawler.WordCount](r, "top_words")
		p.HealthCheck = decodeJSON[*crawler.HealthCheckResult](r, "health_check")
	}
	fillEmpty(&p)
	return p, r.errs
}

func fillEmpty(p *crawler.PageReport) {
	if p.Headings == nil {
		p.Headings = map[string]int{}
	}
	if p.MetaTags == nil {
		p.MetaTags = map[string]string{}
	}
	if p.Headers == nil {
		p.Headers = map[string]string{}
	}
	if p.SocialLinks == nil {
		p.SocialLinks = map[string]string{}
	}
	if p.SecurityHeaders == nil {
		p.SecurityHeaders = map[string]string{}
	}
}

func legacyTopWords(counts map[string]int) []crawler.WordCount {
	out := make([]crawler.WordCount, 0, len(counts))
	for w, n := range counts {
		out = append(out, crawler.WordCount{Word: w, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Word < out[j].Word
	})
	return out
}

// legacyHealthCheck is the version 0 health layout, where status is either a
// code or the string "error" and response_time is in seconds.
type legacyHealthCheck struct {
	URL          string          `json:"url"`
	Status       json.RawMessage `json:"status"`
	ResponseTime float64         `json:"response_time"`
	Error        string          `json:"error"`
}

func (h legacyHealthCheck) result() *crawler.HealthCheckResult {
	if h.URL == "" && len(h.Status) == 0 {
		return nil
	}
	res := &crawler.HealthCheckResult{
		URL:          h.URL,
		Error:        h.Error,
		ResponseTime: time.Duration(h.ResponseTime * float64(time.Second)),
	}
	var code int
	if err := json.Unmarshal(h.Status, &code); err == nil {
		res.StatusCode = code
	} else {
		res.ErrorKind = crawler.FetchOther
	}
	return res
}

// fieldReader decodes hash fields, collecting failures instead of stopping.
// Missing fields decode to zero values without error.
type fieldReader struct {
	fields map[string]string
	errs   []error
}

func (r *fieldReader) fail(key string, err error) {
	r.errs = append(r.errs, &FieldError{Field: key, Err: err})
}

func (r *fieldReader) raw(key string) (string, bool) {
	v, ok := r.fields[key]
	return v, ok && v != ""
}

func (r *fieldReader) str(key string) string {
	return r.fields[key]
}

func (r *fieldReader) integer(key string) int {
	v, ok := r.raw(key)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return 0
	}
	return n
}

func (r *fieldReader) float(key string) float64 {
	v, ok := r.raw(key)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, err)
		return 0
	}
	return f
}

func (r *fieldReader) boolean(key string) bool {
	v, ok := r.raw(key)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, err)
		return false
	}
	return b
}

func (r *fieldReader) seconds(key string) time.Duration {
	return time.Duration(r.float(key) * float64(time.Second))
}

func (r *fieldReader) timestamp(key string) time.Time {
	v, ok := r.raw(key)
	if !ok {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	r.fail(key, fmt.Errorf("unrecognised timestamp %q", v))
	return time.Time{}
}

func decodeJSON[T any](r *fieldReader, key string) T {
	var v T
	raw, ok := r.raw(key)
	if !ok {
		return v
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		r.fail(key, err)
		var zero T
		return zero
	}
	return v
}
