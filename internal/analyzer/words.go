package analyzer

import (
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/siteaudit/internal/crawler"
)

// TopWords returns the limit most frequent words, highest count first. Ties
// keep first-occurrence order.
func TopWords(words []string, limit int) []crawler.WordCount {
	counts := make(map[string]int, len(words))
	order := make([]string, 0, len(words))
	for _, w := range words {
		if _, ok := counts[w]; !ok {
			order = append(order, w)
		}
		counts[w]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	out := make([]crawler.WordCount, 0, len(order))
	for _, w := range order {
		out = append(out, crawler.WordCount{Word: w, Count: counts[w]})
	}
	return out
}

var invisible = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"template": {},
	"head":     {},
}

var nonText = map[string]struct{}{
	"script":   {},
	"style":    {},
	"template": {},
}

// VisibleText concatenates the document's rendered text, skipping script,
// style and head content. Adjacent text nodes are separated by a space.
func VisibleText(doc *goquery.Document) string {
	return collectText(doc, invisible)
}

// DocumentText is every text node of the document, title and other head text
// included, minus script, style and template bodies. Word counts use it.
func DocumentText(doc *goquery.Document) string {
	return collectText(doc, nonText)
}

func collectText(doc *goquery.Document, skip map[string]struct{}) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if _, ok := skip[n.Data]; ok {
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return b.String()
}
