package merge

import (
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// rawElement carries an element through the merge untouched: attributes and
// inner XML are preserved byte for byte.
type rawElement struct {
	XMLName  xml.Name   `xml:""`
	Attrs    []xml.Attr `xml:",any,attr"`
	InnerXML string     `xml:",innerxml"`
}

// emitAs writes the element under the given local name, keeping attributes
// and body as they arrived.
func (e rawElement) emitAs(enc *xml.Encoder, local string) error {
	e.XMLName = xml.Name{Local: local}
	return enc.EncodeElement(e, xml.StartElement{Name: e.XMLName})
}

// programmeKey identifies a programme for dedup purposes. Two programmes
// with the same channel, start, stop and title text are one programme seen
// through overlapping regional feeds.
type programmeKey struct {
	channel string
	start   string
	stop    string
	title   string
}

// writeMerged streams the fetched source files into one gzipped XMLTV
// document on w.
//
// Channel pass: sources in input order; a <channel> is emitted when its id
// is wanted and not yet emitted (first occurrence wins). Programme pass: a
// second scan in the same order; a <programme> is emitted when its channel
// was emitted and its dedup key is new. Everything is written as it is read;
// the only accumulated state is the emitted-id set and the dedup key set.
func writeMerged(ctx context.Context, w io.Writer, paths []string, want map[string]bool) (channels, programs int, err error) {
	gz := gzip.NewWriter(w)
	if _, err := io.WriteString(gz, xml.Header); err != nil {
		return 0, 0, err
	}
	enc := xml.NewEncoder(gz)

	root := xml.StartElement{
		Name: xml.Name{Local: "tv"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "generator-info-name"}, Value: "epg-merge"}},
	}
	if err := enc.EncodeToken(root); err != nil {
		return 0, 0, err
	}

	emitted := make(map[string]bool, len(want))
	for _, p := range paths {
		if err := copyChannels(ctx, enc, p, want, emitted); err != nil {
			return 0, 0, err
		}
	}

	seen := make(map[programmeKey]bool)
	for _, p := range paths {
		n, err := copyProgrammes(ctx, enc, p, emitted, seen)
		if err != nil {
			return 0, 0, err
		}
		programs += n
	}

	if err := enc.EncodeToken(xml.EndElement{Name: root.Name}); err != nil {
		return 0, 0, err
	}
	if err := enc.Flush(); err != nil {
		return 0, 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, 0, err
	}
	return len(emitted), programs, nil
}

// copyChannels emits wanted, not-yet-emitted <channel> elements from one
// source.
func copyChannels(ctx context.Context, enc *xml.Encoder, path string, want, emitted map[string]bool) error {
	return scanSource(ctx, path, func(dec *xml.Decoder, se xml.StartElement) error {
		if se.Name.Local != "channel" {
			return dec.Skip()
		}
		id := attrValue(se.Attr, "id")
		if !want[id] || emitted[id] {
			return dec.Skip()
		}
		var node rawElement
		if err := dec.DecodeElement(&node, &se); err != nil {
			return err
		}
		if err := node.emitAs(enc, "channel"); err != nil {
			return err
		}
		emitted[id] = true
		return nil
	})
}

// copyProgrammes emits programmes for emitted channels, deduplicating by
// (channel, start, stop, title text).
func copyProgrammes(ctx context.Context, enc *xml.Encoder, path string, emitted map[string]bool, seen map[programmeKey]bool) (int, error) {
	var emittedCount int
	err := scanSource(ctx, path, func(dec *xml.Decoder, se xml.StartElement) error {
		if se.Name.Local != "programme" {
			return dec.Skip()
		}
		channel := attrValue(se.Attr, "channel")
		if !emitted[channel] {
			return dec.Skip()
		}
		var node rawElement
		if err := dec.DecodeElement(&node, &se); err != nil {
			return err
		}
		key := programmeKey{
			channel: channel,
			start:   attrValue(se.Attr, "start"),
			stop:    attrValue(se.Attr, "stop"),
			title:   titleText(node.InnerXML),
		}
		if seen[key] {
			return nil
		}
		seen[key] = true
		if err := node.emitAs(enc, "programme"); err != nil {
			return err
		}
		emittedCount++
		return nil
	})
	return emittedCount, err
}

// scanSource opens a gzipped XMLTV file and calls visit for each element
// directly under <tv>. The context is checked between elements; that is the
// cancellation granularity of a merge.
func scanSource(ctx context.Context, path string, visit func(dec *xml.Decoder, se xml.StartElement) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return wrapErr(KindParse, fmt.Errorf("%s: %w", path, err))
	}
	defer zr.Close()

	dec := xml.NewDecoder(zr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return sourceErr(path, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local == "tv" {
			continue
		}
		if err := visit(dec, se); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return sourceErr(path, err)
		}
	}
}

// sourceErr classifies a failure while reading one source. Anything the
// decoder or the gzip layer rejects is a parse failure of that source;
// context errors pass through so timeouts keep their own kind.
func sourceErr(path string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var kind *Error
	if errors.As(err, &kind) {
		return err
	}
	return wrapErr(KindParse, fmt.Errorf("%s: %w", path, err))
}

// titleText extracts the character data of the first <title> child, the text
// the dedup key is built from. Markup nested inside the title is not part of
// the key.
func titleText(inner string) string {
	var doc struct {
		Titles []struct {
			Text string `xml:",chardata"`
		} `xml:"title"`
	}
	if err := xml.Unmarshal([]byte("<x>"+inner+"</x>"), &doc); err != nil {
		return ""
	}
	if len(doc.Titles) == 0 {
		return ""
	}
	return strings.TrimSpace(doc.Titles[0].Text)
}

// attrValue returns the named attribute's value, or "" when absent.
func attrValue(attrs []xml.Attr, local string) string {
	for _, a := range attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
