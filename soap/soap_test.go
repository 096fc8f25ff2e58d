package soap

import (
	"strings"
	"testing"

	"github.com/castline/upnpav/upnp"
)

func TestBuildEnvelopeIncludesArgsInOrder(t *testing.T) {
	action := upnp.SoapAction{
		ServiceType: "urn:schemas-upnp-org:service:ContentDirectory:1",
		ActionName:  "Browse",
		Args: []upnp.SoapArg{
			{Name: "ObjectID", Value: "0"},
			{Name: "BrowseFlag", Value: "BrowseDirectChildren"},
		},
	}
	body := string(BuildEnvelope(action))
	if !strings.Contains(body, "<u:Browse xmlns:u=\"urn:schemas-upnp-org:service:ContentDirectory:1\">") {
		t.Fatalf("missing action open tag: %s", body)
	}
	oi := strings.Index(body, "<ObjectID>0</ObjectID>")
	bf := strings.Index(body, "<BrowseFlag>BrowseDirectChildren</BrowseFlag>")
	if oi < 0 || bf < 0 || oi > bf {
		t.Fatalf("args out of order or missing: %s", body)
	}
}

func TestBuildEnvelopeEscapesValues(t *testing.T) {
	action := upnp.SoapAction{
		ServiceType: "urn:x",
		ActionName:  "SetTitle",
		Args:        []upnp.SoapArg{{Name: "Title", Value: "A & B <C>"}},
	}
	body := string(BuildEnvelope(action))
	if strings.Contains(body, "A & B <C>") {
		t.Fatalf("value was not escaped: %s", body)
	}
	if !strings.Contains(body, "A &amp; B &lt;C&gt;") {
		t.Fatalf("expected escaped value: %s", body)
	}
}

func TestDecodeEnvelopeSuccess(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
<s:Body>
<u:BrowseResponse xmlns:u="urn:schemas-upnp-org:service:ContentDirectory:1">
<Result>&lt;DIDL-Lite/&gt;</Result>
<NumberReturned>0</NumberReturned>
<TotalMatches>12</TotalMatches>
</u:BrowseResponse>
</s:Body>
</s:Envelope>`)

	elements, err := decodeEnvelope(body)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if elements.Name() != "BrowseResponse" {
		t.Fatalf("Name() = %q, want BrowseResponse", elements.Name())
	}
	if v, ok := elements.FirstValue("TotalMatches"); !ok || v != "12" {
		t.Fatalf("TotalMatches = %q, ok=%v", v, ok)
	}
	if elements.IsFault() {
		t.Fatal("should not be a fault")
	}
}

func TestDecodeEnvelopeFault(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
<s:Body>
<s:Fault>
<faultcode>s:Client</faultcode>
<faultstring>UPnPError</faultstring>
</s:Fault>
</s:Body>
</s:Envelope>`)

	elements, err := decodeEnvelope(body)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if !elements.IsFault() {
		t.Fatal("expected IsFault() to be true")
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	if _, err := decodeEnvelope([]byte("not xml at all")); err == nil {
		t.Fatal("expected parse error")
	}
}
