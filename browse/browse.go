// Package browse implements the ContentDirectory Browse/pagination engine:
// ContentSearch's root-object mapping, the forward-growing ContentList, and
// the windowed ContentBrowser.
package browse

import (
	"context"

	"github.com/pkg/errors"

	"github.com/castline/upnpav/upnp"
)

// ErrOutOfRange is returned by ContentBrowser.Browse when the requested
// index is at or past the known total, per spec.md §4.7.
var ErrOutOfRange = errors.New("browse: index out of range")

// ContentSearch names a predefined ContentDirectory root collection.
type ContentSearch int

const (
	SearchArtist ContentSearch = iota
	SearchAlbum
	SearchGenre
	SearchTrack
	SearchRadio
	SearchQueue
)

// RootObjectID maps a ContentSearch and an optional query string to the
// corresponding ContentDirectory object id.
func RootObjectID(kind ContentSearch, query string) string {
	var base string
	switch kind {
	case SearchArtist:
		base = "A:ARTIST"
	case SearchAlbum:
		base = "A:ALBUM"
	case SearchGenre:
		base = "A:GENRE"
	case SearchTrack:
		base = "A:TRACKS"
	case SearchRadio:
		base = "R:0"
	case SearchQueue:
		base = "Q:0"
	default:
		base = "0"
	}
	if query != "" {
		return base + ":" + query
	}
	return base
}

// BrowseCount is the default page size requested per SOAP Browse call.
const BrowseCount = 100

// BrowsePage is one page of Browse results.
type BrowsePage struct {
	Items          []upnp.DigitalItem
	NumberReturned int
	TotalMatches   int
	UpdateID       string
}

// BrowseFunc performs one SOAP Browse call. It is injected by the caller
// (the contentdirectory package supplies the concrete implementation) so
// this package has no dependency on the SOAP codec or transport, avoiding
// an import cycle between browse and contentdirectory.
type BrowseFunc func(ctx context.Context, objectID string, startIndex, requestCount int) (BrowsePage, error)

// ContentList is a forward-growing, re-iterable view over a Browse result
// set: it fetches pages of bulkSize items on demand and appends them to an
// internal buffer, so Previous can always re-walk already-fetched items
// without a further network round trip.
type ContentList struct {
	browse   BrowseFunc
	objectID string
	bulkSize int

	items        []upnp.DigitalItem
	cursor       int
	totalMatches int
	exhausted    bool
}

// NewContentList builds a ContentList over objectID using fn to fetch pages
// of bulkSize items (capped at BrowseCount; a non-positive bulkSize defaults
// to BrowseCount).
func NewContentList(fn BrowseFunc, objectID string, bulkSize int) *ContentList {
	if bulkSize <= 0 || bulkSize > BrowseCount {
		bulkSize = BrowseCount
	}
	return &ContentList{browse: fn, objectID: objectID, bulkSize: bulkSize, cursor: -1}
}

// Next advances to and returns the next item, fetching a new page when the
// buffer is exhausted. The second return is false once the result set is
// fully consumed.
func (c *ContentList) Next(ctx context.Context) (upnp.DigitalItem, bool, error) {
	if c.cursor+1 < len(c.items) {
		c.cursor++
		return c.items[c.cursor], true, nil
	}
	if c.exhausted {
		return upnp.DigitalItem{}, false, nil
	}

	page, err := c.browse(ctx, c.objectID, len(c.items), c.bulkSize)
	if err != nil {
		return upnp.DigitalItem{}, false, err
	}
	c.totalMatches = page.TotalMatches
	c.items = append(c.items, page.Items...)
	if page.NumberReturned == 0 || len(c.items) >= page.TotalMatches {
		c.exhausted = true
	}

	if c.cursor+1 < len(c.items) {
		c.cursor++
		return c.items[c.cursor], true, nil
	}
	return upnp.DigitalItem{}, false, nil
}

// Previous steps back one item from the already-fetched buffer. It never
// issues a network call.
func (c *ContentList) Previous() (upnp.DigitalItem, bool) {
	if c.cursor <= 0 {
		return upnp.DigitalItem{}, false
	}
	c.cursor--
	return c.items[c.cursor], true
}

// Len returns how many items have been fetched so far (browsedCount).
func (c *ContentList) Len() int { return len(c.items) }

// TotalMatches returns the result set's reported total, 0 until the first
// page has been fetched.
func (c *ContentList) TotalMatches() int { return c.totalMatches }

// ContentBrowser is a windowed, random-access view over a Browse result
// set: it keeps one fetched window of items and only calls Browse again
// when the requested range is not already covered by it.
type ContentBrowser struct {
	browse   BrowseFunc
	objectID string

	windowStart  int
	window       []upnp.DigitalItem
	totalMatches int
	totalKnown   bool
}

// NewContentBrowser builds a ContentBrowser over objectID using fn.
func NewContentBrowser(fn BrowseFunc, objectID string) *ContentBrowser {
	return &ContentBrowser{browse: fn, objectID: objectID}
}

// StartingIndex returns the current window's starting index.
func (b *ContentBrowser) StartingIndex() int { return b.windowStart }

// Window returns the current window's items.
func (b *ContentBrowser) Window() []upnp.DigitalItem { return b.window }

// TotalMatches returns the result set's last-known reported total.
func (b *ContentBrowser) TotalMatches() int { return b.totalMatches }

// Browse repositions the window to [index, index+count), following
// spec.md §4.7:
//   - index at or past the known total clears the window, sets
//     startingIndex to the total, and fails.
//   - count is clamped to totalMatches-index when the total is known.
//   - index == the current windowStart grows or truncates the window in
//     place, fetching only the missing suffix on growth.
//   - a requested range that is a contiguous sub-range of the current
//     window is served by copying out of it.
//   - the boundary case index == windowStart+len(window) exactly is NOT
//     treated as an in-window sub-range (spec.md §9 Open Question (a)):
//     it falls through to a fresh fetch.
//   - anything else drops the window and fetches fresh.
func (b *ContentBrowser) Browse(ctx context.Context, index, count int) (BrowsePage, error) {
	if b.totalKnown && index >= b.totalMatches {
		b.window = nil
		b.windowStart = b.totalMatches
		return BrowsePage{}, errors.Wrapf(ErrOutOfRange, "index %d >= total %d", index, b.totalMatches)
	}

	clamped := count
	if b.totalKnown && index+clamped > b.totalMatches {
		clamped = b.totalMatches - index
	}

	switch {
	case b.window != nil && index == b.windowStart:
		if err := b.growOrTruncate(ctx, clamped); err != nil {
			return BrowsePage{}, err
		}
	case b.window != nil && index >= b.windowStart && index+clamped <= b.windowStart+len(b.window):
		start := index - b.windowStart
		newWindow := make([]upnp.DigitalItem, clamped)
		copy(newWindow, b.window[start:start+clamped])
		b.windowStart = index
		b.window = newWindow
	default:
		page, err := b.browse(ctx, b.objectID, index, clamped)
		if err != nil {
			return BrowsePage{}, err
		}
		b.windowStart = index
		b.window = page.Items
		b.totalMatches = page.TotalMatches
		b.totalKnown = true
	}

	return BrowsePage{
		Items:          b.window,
		NumberReturned: len(b.window),
		TotalMatches:   b.totalMatches,
	}, nil
}

// growOrTruncate resizes the in-place window at the current windowStart to
// hold exactly clamped items, fetching only the missing suffix on growth.
func (b *ContentBrowser) growOrTruncate(ctx context.Context, clamped int) error {
	if clamped <= len(b.window) {
		b.window = b.window[:clamped]
		return nil
	}
	missingStart := b.windowStart + len(b.window)
	missingCount := clamped - len(b.window)
	page, err := b.browse(ctx, b.objectID, missingStart, missingCount)
	if err != nil {
		return err
	}
	b.window = append(b.window, page.Items...)
	b.totalMatches = page.TotalMatches
	b.totalKnown = true
	return nil
}
