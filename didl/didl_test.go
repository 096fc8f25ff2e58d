package didl

import "testing"

const sampleDoc = `<?xml version="1.0" encoding="UTF-8"?>
<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"
           xmlns:dc="http://purl.org/dc/elements/1.1/"
           xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">
<container id="A:ARTIST" parentID="0" restricted="true">
<dc:title>Artists</dc:title>
<upnp:class>object.container.person.musicArtist</upnp:class>
</container>
<item id="S:TRACK:1" parentID="A:ARTIST" restricted="1">
<dc:title>Song One</dc:title>
<upnp:class>object.item.audioItem.musicTrack</upnp:class>
<res protocolInfo="http:*:*:*">http://example/1.mp3</res>
</item>
</DIDL-Lite>`

func TestParseItemsAndContainers(t *testing.T) {
	items, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}

	container := items[0]
	if container.ObjectID != "A:ARTIST" || container.ParentID != "0" {
		t.Fatalf("container ids = %q/%q", container.ObjectID, container.ParentID)
	}
	if !container.Restricted {
		t.Fatal("container should be restricted")
	}
	title, ok := container.Properties.FirstValue("dc:title")
	if !ok || title != "Artists" {
		t.Fatalf("dc:title = %q, ok=%v", title, ok)
	}

	item := items[1]
	if item.ObjectID != "S:TRACK:1" {
		t.Fatalf("item ObjectID = %q", item.ObjectID)
	}
	if item.Restricted {
		t.Fatal("restricted=\"1\" is not a prefix of \"true\" and should not count as restricted")
	}
}

func TestIsTruePrefix(t *testing.T) {
	cases := map[string]bool{
		"true": true,
		"tru":  true,
		"tr":   true,
		"t":    true,
		"":     false,
		"1":    false,
		"false": false,
		"TRUE": false,
	}
	for val, want := range cases {
		if got := isTruePrefix(val); got != want {
			t.Errorf("isTruePrefix(%q) = %v, want %v", val, got, want)
		}
	}
}

func TestParseMissingIDDefaultsToUnknown(t *testing.T) {
	doc := `<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"><item></item></DIDL-Lite>`
	items, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if items[0].ObjectID != "-1" || items[0].ParentID != "-1" {
		t.Fatalf("ids = %q/%q, want -1/-1", items[0].ObjectID, items[0].ParentID)
	}
}

func TestParseMalformedDocument(t *testing.T) {
	if _, err := Parse([]byte("<DIDL-Lite><item></DIDL-Lite>")); err == nil {
		t.Fatal("expected parse error for mismatched tags")
	}
}
