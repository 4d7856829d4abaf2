// Package crawler implements the crawl engine: request and report types, the
// link classifier, the breadth-first scheduler with its bounded worker pool
// and retry policy, and the post-crawl health checker.
package crawler
