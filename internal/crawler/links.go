package crawler

import (
	"net/url"
	"strings"
)

// ClassifyLinks resolves raw hrefs against baseURL and partitions them by
// authority (scheme, host and port). Both results are absolute, fragment-free,
// deduplicated and in first-seen order. Links that are malformed, empty,
// fragment-only or not http(s) are dropped. An unparsable base drops everything.
func ClassifyLinks(baseURL string, rawLinks []string) (internal, external []string) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, nil
	}
	baseAuthority := Authority(base)
	if baseAuthority == "" {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(rawLinks))
	for _, raw := range rawLinks {
		abs, authority, ok := resolveLink(base, raw)
		if !ok {
			continue
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		if authority == baseAuthority {
			internal = append(internal, abs)
		} else {
			external = append(external, abs)
		}
	}
	return internal, external
}

func resolveLink(base *url.URL, raw string) (string, string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", "", false
	}
	abs := base.ResolveReference(ref)
	authority := Authority(abs)
	if authority == "" {
		return "", "", false
	}
	abs.Host = canonicalHost(strings.ToLower(abs.Scheme), abs.Host)
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs.String(), authority, true
}
