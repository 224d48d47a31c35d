package upstream

import (
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// nginx autoindex timestamp, e.g. "24-Aug-2026 00:12".
const autoindexTimeLayout = "02-Jan-2006 15:04"

// parseAutoindex extracts feed entries from an autoindex (nginx or Apache)
// HTML listing. Only *.xml.gz anchors count as feeds; the text that follows
// an anchor is scanned for a modification time and byte size when present.
func parseAutoindex(r io.Reader) ([]Source, error) {
	z := html.NewTokenizer(r)
	var (
		sources    []Source
		insideFeed bool
		awaitMeta  bool
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return sources, nil
			}
			return nil, z.Err()

		case html.StartTagToken:
			t := z.Token()
			if t.Data != "a" {
				continue
			}
			awaitMeta = false
			for _, attr := range t.Attr {
				if attr.Key != "href" {
					continue
				}
				if name, ok := feedName(attr.Val); ok {
					sources = append(sources, Source{Filename: name})
					insideFeed = true
				}
			}

		case html.EndTagToken:
			if t := z.Token(); t.Data == "a" && insideFeed {
				insideFeed = false
				awaitMeta = true
			}

		case html.TextToken:
			if awaitMeta && len(sources) > 0 {
				fillMeta(&sources[len(sources)-1], string(z.Text()))
				awaitMeta = false
			}
		}
	}
}

// feedName resolves an href to a feed filename, rejecting directories, sort
// links and channel lists.
func feedName(href string) (string, bool) {
	if href == "" || strings.HasSuffix(href, "/") || strings.HasPrefix(href, "?") {
		return "", false
	}
	name := path.Base(href)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if !strings.HasSuffix(name, ".xml.gz") {
		return "", false
	}
	return name, true
}

// fillMeta parses the "24-Aug-2026 00:12  4301234" tail nginx prints after
// each anchor. Listings without it leave the Source as filename-only.
func fillMeta(s *Source, text string) {
	fields := strings.Fields(text)
	if len(fields) >= 2 {
		if t, err := time.Parse(autoindexTimeLayout, fields[0]+" "+fields[1]); err == nil {
			s.Modified = t.UTC()
		}
	}
	if len(fields) >= 3 {
		if n, err := strconv.ParseInt(fields[len(fields)-1], 10, 64); err == nil {
			s.Size = n
		}
	}
}
