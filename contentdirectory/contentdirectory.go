// Package contentdirectory is a thin façade over the ContentDirectory:1
// Browse action: argument assembly and response decoding only, adapting
// the SOAP/DIDL layers to the browse package's BrowseFunc shape.
package contentdirectory

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/castline/upnpav/browse"
	"github.com/castline/upnpav/didl"
	"github.com/castline/upnpav/httpwire"
	"github.com/castline/upnpav/soap"
	"github.com/castline/upnpav/upnp"
)

const serviceType = "urn:schemas-upnp-org:service:ContentDirectory:1"

// Client invokes Browse against one ContentDirectory service binding.
type Client struct {
	Binding     upnp.ServiceBinding
	SoapClient  *httpwire.Client
	ReadTimeout time.Duration
}

// New builds a Client bound to a ContentDirectory service.
func New(binding upnp.ServiceBinding, soapClient *httpwire.Client, readTimeout time.Duration) *Client {
	return &Client{Binding: binding, SoapClient: soapClient, ReadTimeout: readTimeout}
}

// Browse issues one BrowseDirectChildren call and decodes its DIDL-Lite
// Result into DigitalItems.
func (c *Client) Browse(ctx context.Context, objectID string, startIndex, requestCount int) (browse.BrowsePage, error) {
	action := upnp.SoapAction{
		ServiceType: serviceType,
		ActionName:  "Browse",
		Args: []upnp.SoapArg{
			{Name: "ObjectID", Value: objectID},
			{Name: "BrowseFlag", Value: "BrowseDirectChildren"},
			{Name: "Filter", Value: "*"},
			{Name: "StartingIndex", Value: strconv.Itoa(startIndex)},
			{Name: "RequestedCount", Value: strconv.Itoa(requestCount)},
			{Name: "SortCriteria", Value: ""},
		},
	}

	elements, err := soap.Invoke(ctx, c.SoapClient, c.Binding, action, c.ReadTimeout)
	if err != nil {
		return browse.BrowsePage{}, errors.Wrapf(err, "contentdirectory: browse %s", objectID)
	}

	result, _ := elements.FirstValue("Result")
	items, err := didl.Parse([]byte(result))
	if err != nil {
		return browse.BrowsePage{}, errors.Wrap(err, "contentdirectory: decode Result")
	}

	numberReturned, _ := strconv.Atoi(firstOr(elements, "NumberReturned", "0"))
	totalMatches, _ := strconv.Atoi(firstOr(elements, "TotalMatches", "0"))
	updateID, _ := elements.FirstValue("UpdateID")

	return browse.BrowsePage{
		Items:          items,
		NumberReturned: numberReturned,
		TotalMatches:   totalMatches,
		UpdateID:       updateID,
	}, nil
}

// BrowseFunc adapts Browse to the browse.BrowseFunc signature.
func (c *Client) BrowseFunc() browse.BrowseFunc { return c.Browse }

func firstOr(elements upnp.ElementList, key, fallback string) string {
	if v, ok := elements.FirstValue(key); ok {
		return v
	}
	return fallback
}

// FetchSCPD retrieves the service description document over a conventional
// retrying net/http client: this is a plain idempotent GET outside the
// hand-rolled NOTIFY/SUBSCRIBE wire contract, so a standard client is the
// right tool rather than a second hand-rolled HTTP stack for one side read.
func FetchSCPD(ctx context.Context, binding upnp.ServiceBinding) ([]byte, error) {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultClient()
	rc.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", binding.SCPDURL(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "contentdirectory: build SCPD request")
	}

	resp, err := rc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "contentdirectory: fetch SCPD")
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "contentdirectory: read SCPD body")
	}
	return buf, nil
}
