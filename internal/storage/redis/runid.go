package redisstore

import (
	"strconv"
	"strings"
)

const runIDPrefix = "crawl:"

// FormatRunID builds the run identifier crawl:<normalizedURL>:<epochSeconds>.
func FormatRunID(normalizedURL string, epoch int64) string {
	return runIDPrefix + normalizedURL + ":" + strconv.FormatInt(epoch, 10)
}

// ParseRunID splits a run identifier into its normalized URL and epoch. The
// epoch is the last colon-separated segment, so URLs carrying ports parse.
func ParseRunID(runID string) (string, int64, bool) {
	rest, ok := strings.CutPrefix(runID, runIDPrefix)
	if !ok {
		return "", 0, false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", 0, false
	}
	epoch, err := strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return rest[:i], epoch, true
}

func summaryKey(runID string) string { return runID + ":summary" }

func pagesKey(runID string) string { return runID + ":pages" }

func pageKey(runID string, index int) string { return runID + ":page:" + strconv.Itoa(index) }
