package merge

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const feedCanada = `<?xml version="1.0" encoding="UTF-8"?>
<tv generator-info-name="upstream">
  <channel id="cbc.ca"><display-name>CBC</display-name></channel>
  <channel id="ctv.ca"><display-name>CTV</display-name></channel>
  <programme start="20260824060000 +0000" stop="20260824070000 +0000" channel="cbc.ca">
    <title lang="en">Morning News</title>
    <desc>Headlines.</desc>
  </programme>
  <programme start="20260824070000 +0000" stop="20260824080000 +0000" channel="ctv.ca">
    <title lang="en">Talk Show</title>
  </programme>
</tv>`

const feedUS = `<?xml version="1.0" encoding="UTF-8"?>
<tv generator-info-name="upstream">
  <channel id="cbc.ca"><display-name>CBC (US mirror)</display-name></channel>
  <channel id="abc.us"><display-name>ABC</display-name></channel>
  <programme start="20260824060000 +0000" stop="20260824070000 +0000" channel="cbc.ca">
    <title lang="en">Morning News</title>
  </programme>
  <programme start="20260824090000 +0000" stop="20260824100000 +0000" channel="abc.us">
    <title lang="en">Quiz Hour</title>
  </programme>
</tv>`

// tvDoc is the decoded shape used to assert on merged output.
type tvDoc struct {
	XMLName  xml.Name `xml:"tv"`
	Channels []struct {
		ID      string `xml:"id,attr"`
		Display string `xml:"display-name"`
	} `xml:"channel"`
	Programmes []struct {
		Channel string `xml:"channel,attr"`
		Start   string `xml:"start,attr"`
		Stop    string `xml:"stop,attr"`
		Title   string `xml:"title"`
	} `xml:"programme"`
}

func writeFeed(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func decodeMerged(t *testing.T, raw []byte) tvDoc {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("output not gzipped: %v", err)
	}
	var doc tvDoc
	if err := xml.NewDecoder(zr).Decode(&doc); err != nil {
		t.Fatalf("output not XMLTV: %v", err)
	}
	return doc
}

func TestWriteMerged_channelIntersection(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeFeed(t, dir, "canada.xml.gz", feedCanada),
		writeFeed(t, dir, "us.xml.gz", feedUS),
	}
	want := map[string]bool{"cbc.ca": true, "abc.us": true, "ghost.tv": true}

	var out bytes.Buffer
	channels, programs, err := writeMerged(context.Background(), &out, paths, want)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if channels != 2 {
		t.Errorf("channels = %d, want 2 (ghost.tv exists in no source)", channels)
	}
	if programs != 2 {
		t.Errorf("programs = %d, want 2 (duplicate Morning News collapses)", programs)
	}

	doc := decodeMerged(t, out.Bytes())
	if len(doc.Channels) != 2 {
		t.Fatalf("output channels = %+v", doc.Channels)
	}
	// First occurrence wins: cbc.ca keeps the canada feed's display name.
	for _, c := range doc.Channels {
		if c.ID == "cbc.ca" && c.Display != "CBC" {
			t.Errorf("cbc.ca display = %q, want first-source value", c.Display)
		}
	}
	for _, p := range doc.Programmes {
		if p.Channel != "cbc.ca" && p.Channel != "abc.us" {
			t.Errorf("programme for unemitted channel %q leaked through", p.Channel)
		}
	}
}

func TestWriteMerged_programmeDedupKey(t *testing.T) {
	// Same channel/start/title but different stop are distinct programmes.
	const feedA = `<tv>
  <channel id="cbc.ca"><display-name>CBC</display-name></channel>
  <programme start="20260824060000 +0000" stop="20260824070000 +0000" channel="cbc.ca"><title>News</title></programme>
</tv>`
	const feedB = `<tv>
  <channel id="cbc.ca"><display-name>CBC</display-name></channel>
  <programme start="20260824060000 +0000" stop="20260824073000 +0000" channel="cbc.ca"><title>News</title></programme>
  <programme start="20260824060000 +0000" stop="20260824070000 +0000" channel="cbc.ca"><title>News</title></programme>
</tv>`
	dir := t.TempDir()
	paths := []string{
		writeFeed(t, dir, "a.xml.gz", feedA),
		writeFeed(t, dir, "b.xml.gz", feedB),
	}

	var out bytes.Buffer
	_, programs, err := writeMerged(context.Background(), &out, paths, map[string]bool{"cbc.ca": true})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if programs != 2 {
		t.Errorf("programs = %d, want 2 (identical key collapses, differing stop kept)", programs)
	}
}

func TestWriteMerged_emptyStillValid(t *testing.T) {
	dir := t.TempDir()
	paths := []string{writeFeed(t, dir, "canada.xml.gz", feedCanada)}

	var out bytes.Buffer
	channels, programs, err := writeMerged(context.Background(), &out, paths, map[string]bool{"nomatch.tv": true})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if channels != 0 || programs != 0 {
		t.Errorf("counts = %d/%d, want 0/0", channels, programs)
	}
	doc := decodeMerged(t, out.Bytes())
	if doc.XMLName.Local != "tv" {
		t.Errorf("root = %s", doc.XMLName.Local)
	}
	if len(doc.Channels) != 0 || len(doc.Programmes) != 0 {
		t.Errorf("document not empty: %+v", doc)
	}
}

func TestWriteMerged_malformedSource(t *testing.T) {
	dir := t.TempDir()
	paths := []string{writeFeed(t, dir, "bad.xml.gz", `<tv><channel id="cbc.ca">`)}

	var out bytes.Buffer
	_, _, err := writeMerged(context.Background(), &out, paths, map[string]bool{"cbc.ca": true})
	if kind, ok := KindOf(err); !ok || kind != KindParse {
		t.Errorf("err = %v, want ParseError kind", err)
	}
}

func TestWriteMerged_notGzip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.xml.gz")
	if err := os.WriteFile(path, []byte("<tv></tv>"), 0644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	_, _, err := writeMerged(context.Background(), &out, []string{path}, map[string]bool{"x": true})
	if kind, ok := KindOf(err); !ok || kind != KindParse {
		t.Errorf("err = %v, want ParseError kind", err)
	}
}

func TestWriteMerged_cancelled(t *testing.T) {
	dir := t.TempDir()
	paths := []string{writeFeed(t, dir, "canada.xml.gz", feedCanada)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	_, _, err := writeMerged(ctx, &out, paths, map[string]bool{"cbc.ca": true})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestTitleText(t *testing.T) {
	cases := []struct {
		inner string
		want  string
	}{
		{`<title lang="en">Morning News</title><desc>x</desc>`, "Morning News"},
		{`<title>Movie <b>Night</b> Live</title>`, "Movie  Live"},
		{`<desc>no title here</desc>`, ""},
		{``, ""},
	}
	for _, c := range cases {
		if got := titleText(c.inner); got != c.want {
			t.Errorf("titleText(%q) = %q, want %q", c.inner, got, c.want)
		}
	}
}

func TestHumanSize(t *testing.T) {
	cases := []struct {
		n    int64
		want string
	}{
		{41943, "0.04MB"},
		{0, "0.00MB"},
		{1048576, "1.00MB"},
		{4301234, "4.10MB"},
	}
	for _, c := range cases {
		if got := HumanSize(c.n); got != c.want {
			t.Errorf("HumanSize(%d) = %q, want %q", c.n, got, c.want)
		}
	}
}
