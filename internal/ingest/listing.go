package ingest

import (
	"html"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

const listingTimeLayout = "02-Jan-2006 15:04"

var (
	hrefPattern     = regexp.MustCompile(`href="([^"]+)"`)
	modifiedPattern = regexp.MustCompile(`(\d{2}-[A-Za-z]{3}-\d{4}\s+\d{2}:\d{2})`)
)

// ParseListing extracts .zip and .txt entries from a directory index page.
// Each line is matched on its own: the anchor's href gives the file and a
// DD-Mon-YYYY HH:MM stamp on the same line its last-modified time (UTC).
func ParseListing(page string, base *url.URL) Listing {
	listing := make(Listing)
	for _, line := range strings.Split(page, "\n") {
		m := hrefPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		href := html.UnescapeString(m[1])
		if strings.HasSuffix(href, "/") {
			continue
		}
		name := path.Base(href)
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, ".zip") && !strings.HasSuffix(lower, ".txt") {
			continue
		}

		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		entry := Entry{Name: name, URL: base.ResolveReference(ref).String()}
		if d := modifiedPattern.FindStringSubmatch(line); d != nil {
			stamp := strings.Join(strings.Fields(d[1]), " ")
			if t, err := time.Parse(listingTimeLayout, stamp); err == nil {
				entry.LastModified = t
			}
		}
		listing[name] = entry
	}
	return listing
}
