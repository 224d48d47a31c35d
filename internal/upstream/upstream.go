// Package upstream talks to the share that publishes prebuilt XMLTV guide
// feeds. Feeds live in per-timeframe folders served as plain autoindex
// listings; each feed has a sibling *_channel_list.txt naming its channels.
package upstream

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultBaseURL is the public share the merger pulls from.
const DefaultBaseURL = "https://share.jesmann.com/"

// Sentinels. ErrUnavailable covers network failures and upstream 5xx;
// ErrNotFound is a definite upstream 404 for a named file.
var (
	ErrUnavailable = errors.New("upstream: unavailable")
	ErrNotFound    = errors.New("upstream: not found")
	ErrNoFolder    = errors.New("upstream: no folder for timeframe/feed type")
)

// Source is one downloadable feed in an upstream folder. Size and Modified
// are zero when the listing does not carry them.
type Source struct {
	Filename string    `json:"filename"`
	Size     int64     `json:"size,omitempty"`
	Modified time.Time `json:"modified,omitempty"`
}

// FolderFor maps a guide timeframe and feed type to the share folder that
// publishes it. The 14-day guide exists only for iptv.
func FolderFor(timeframe int, feedType string) (string, error) {
	switch feedType {
	case "iptv":
		switch timeframe {
		case 3:
			return "iptv_3day", nil
		case 7:
			return "iptv_7day", nil
		case 14:
			return "iptv_14day", nil
		}
	case "gracenote":
		switch timeframe {
		case 3:
			return "gracenote_3day", nil
		case 7:
			return "gracenote_7day", nil
		}
	}
	return "", fmt.Errorf("%w: %d-day %s", ErrNoFolder, timeframe, feedType)
}

// ChannelListName returns the sibling channel-list filename for a feed:
// canada_iptv.xml.gz -> canada_iptv_channel_list.txt.
func ChannelListName(sourceFilename string) string {
	return strings.TrimSuffix(sourceFilename, ".xml.gz") + "_channel_list.txt"
}
