// Package didl parses DIDL-Lite XML documents (the Browse/Search SOAP
// actions' Result argument) into upnp.DigitalItem records, resolving
// namespace prefixes the way encoding/xml already does natively: by
// declared xmlns URI, not by literal prefix text, which is a stronger
// version of noson's hand-rolled namespace-prefix table.
package didl

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/castline/upnpav/upnp"
)

// ErrParse identifies a malformed DIDL-Lite document.
var ErrParse = errors.New("didl: parse error")

const (
	nsDIDL = "urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"
	nsDC   = "http://purl.org/dc/elements/1.1/"
	nsUPNP = "urn:schemas-upnp-org:metadata-1-0/upnp/"
	nsR    = "urn:schemas-rinconnetworks-com:metadata-1-0/"
)

// Parse decodes doc into an ordered list of DigitalItems, one per top-level
// <item> or <container> child of <DIDL-Lite>.
func Parse(doc []byte) ([]upnp.DigitalItem, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))

	var items []upnp.DigitalItem
	var cur *upnp.DigitalItem
	var curProp *upnp.Element
	var curText bytes.Buffer
	depth := 0

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, errors.Wrap(ErrParse, err.Error())
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case cur == nil && isDIDLRoot(t.Name):
				continue
			case cur == nil && (t.Name.Local == "item" || t.Name.Local == "container"):
				item := upnp.DigitalItem{ParentID: upnp.UnknownObjectID, ObjectID: upnp.UnknownObjectID}
				if t.Name.Local == "container" {
					item.Kind = upnp.ContainerKind
				} else {
					item.Kind = upnp.ItemKind
				}
				for _, a := range t.Attr {
					switch a.Name.Local {
					case "id":
						item.ObjectID = a.Value
					case "parentID":
						item.ParentID = a.Value
					case "restricted":
						item.Restricted = isTruePrefix(a.Value)
					}
				}
				cur = &item
				depth = 0
			case cur != nil:
				depth++
				curProp = upnp.NewElement(qname(t.Name), "")
				for _, a := range t.Attr {
					curProp.SetAttr(a.Name.Local, a.Value)
				}
				curText.Reset()
			}
		case xml.CharData:
			if curProp != nil {
				curText.Write(t)
			}
		case xml.EndElement:
			switch {
			case cur != nil && (t.Name.Local == "item" || t.Name.Local == "container") && depth == 0:
				items = append(items, *cur)
				cur = nil
			case cur != nil && curProp != nil:
				curProp.Value = curText.String()
				cur.Properties = append(cur.Properties, curProp)
				curProp = nil
				if depth > 0 {
					depth--
				}
			}
		}
	}

	return items, nil
}

func isDIDLRoot(name xml.Name) bool {
	return name.Local == "DIDL-Lite"
}

// qname renders a decoded element's canonical dictionary key: the fixed
// short prefix for the four known namespaces, or the bare local name for
// anything else (an element in a namespace the dictionary doesn't know
// still round-trips, just without a prefix).
func qname(name xml.Name) string {
	switch name.Space {
	case nsDC:
		return "dc:" + name.Local
	case nsUPNP:
		return "upnp:" + name.Local
	case nsR:
		return "r:" + name.Local
	case nsDIDL, "":
		return name.Local
	default:
		return name.Local
	}
}

// isTruePrefix implements the "restricted" attribute's documented match
// rule: the value counts as true iff it is a non-empty prefix of "true".
func isTruePrefix(val string) bool {
	if val == "" {
		return false
	}
	return strings.HasPrefix("true", val)
}
