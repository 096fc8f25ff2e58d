// Package soap builds and decodes UPnP SOAP control envelopes over the
// httpwire primitives: Invoke posts a SoapAction and returns its decoded
// response or fault as an upnp.ElementList.
package soap

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/castline/upnpav/httpwire"
	"github.com/castline/upnpav/upnp"
)

// ErrFault identifies a well-formed SOAP Fault response.
var ErrFault = errors.New("soap: fault response")

// ErrParse identifies a malformed SOAP envelope.
var ErrParse = errors.New("soap: parse error")

// ErrHTTPStatus identifies a non-200 HTTP response to a control POST.
var ErrHTTPStatus = errors.New("soap: unexpected http status")

const envelopeTemplate = `<?xml version="1.0"?>` +
	`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
	`<s:Body><u:%s xmlns:u="%s">%s</u:%s></s:Body></s:Envelope>`

// BuildEnvelope renders a SoapAction into a full SOAP request body.
func BuildEnvelope(action upnp.SoapAction) []byte {
	var args strings.Builder
	for _, a := range action.Args {
		fmt.Fprintf(&args, "<%s>%s</%s>", a.Name, escapeXML(a.Value), a.Name)
	}
	body := fmt.Sprintf(envelopeTemplate, action.ActionName, action.ServiceType, args.String(), action.ActionName)
	return []byte(body)
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// Invoke POSTs action to binding.ControlURL and decodes the response body
// into an ElementList. A SOAP Fault response returns a non-nil ElementList
// (so callers can inspect fault detail) alongside an error wrapping ErrFault.
func Invoke(ctx context.Context, client *httpwire.Client, binding upnp.ServiceBinding, action upnp.SoapAction, readTimeout time.Duration) (upnp.ElementList, error) {
	bodyBytes := BuildEnvelope(action)

	headers := httpwire.NewOrderedHeader()
	headers.Set("Host", fmt.Sprintf("%s:%d", binding.Endpoint.Host, binding.Endpoint.Port))
	headers.Set("Content-Type", `text/xml; charset="utf-8"`)
	headers.Set("SOAPAction", fmt.Sprintf(`"%s#%s"`, action.ServiceType, action.ActionName))
	headers.Set("Connection", "close")

	reqBytes, err := httpwire.BuildRequest("POST", binding.ControlPath, headers, bodyBytes)
	if err != nil {
		return nil, errors.Wrapf(err, "soap: build request for %s", action.ActionName)
	}

	resp, err := client.Do(ctx, binding.Endpoint.Host, binding.Endpoint.Port, readTimeout, reqBytes)
	if err != nil {
		return nil, errors.Wrapf(err, "soap: invoke %s at %s", action.ActionName, binding.ControlURL())
	}

	elements, faultErr := decodeEnvelope(resp.Body)
	if faultErr != nil {
		return elements, errors.Wrapf(faultErr, "soap: %s at %s", action.ActionName, binding.ControlURL())
	}

	if resp.StatusCode != 200 && resp.StatusCode != 500 {
		return elements, errors.Wrapf(ErrHTTPStatus, "soap: %s returned HTTP %d", action.ActionName, resp.StatusCode)
	}
	if resp.StatusCode == 500 && !elements.IsFault() {
		return elements, errors.Wrapf(ErrHTTPStatus, "soap: %s returned HTTP %d with no fault body", action.ActionName, resp.StatusCode)
	}
	if elements.IsFault() {
		return elements, errors.Wrapf(ErrFault, "soap: %s faulted", action.ActionName)
	}

	return elements, nil
}

// decodeEnvelope walks the SOAP envelope's body children, turning the first
// response or Fault element's leaf descendants into an ElementList. Each
// leaf's local tag name (sans namespace prefix) becomes the Element.Name.
func decodeEnvelope(body []byte) (upnp.ElementList, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))

	var responseName string
	var list upnp.ElementList
	depthFromResponse := -1
	var cur *upnp.Element
	var textBuf strings.Builder

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
			local := t.Name.Local
			if responseName == "" {
				if local == "Envelope" || strings.HasSuffix(local, "Body") {
					continue
				}
				responseName = local
				depthFromResponse = 0
				list = append(list, upnp.NewElement(local, ""))
				continue
			}
			depthFromResponse++
			cur = upnp.NewElement(local, "")
			for _, a := range t.Attr {
				cur.SetAttr(a.Name.Local, a.Value)
			}
			textBuf.Reset()
		case xml.CharData:
			if cur != nil {
				textBuf.Write(t)
			}
		case xml.EndElement:
			if cur != nil && depthFromResponse == 1 {
				cur.Value = textBuf.String()
				list = append(list, cur)
				cur = nil
			}
			if depthFromResponse > 0 {
				depthFromResponse--
			}
		}
	}

	if responseName == "" {
		return nil, errors.Wrap(ErrParse, "no SOAP body element found")
	}
	return list, nil
}
