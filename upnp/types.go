// Package upnp holds the shared data model for UPnP device control: service
// endpoints, SOAP argument lists, the decoded element/fault surface, events,
// and DIDL-Lite content records. Nothing here talks to a socket; it is the
// vocabulary the wire, soap, subscription, eventing, didl and browse
// packages share.
package upnp

import "fmt"

// UnknownObjectID is the sentinel DIDL-Lite object id for "no such object".
const UnknownObjectID = "-1"

// Endpoint identifies a remote device by host, port and URL scheme. It is
// immutable for the lifetime of a ServiceBinding.
type Endpoint struct {
	Host   string
	Port   int
	Scheme string
}

// BaseURL returns "<scheme>://<host>:<port>".
func (e Endpoint) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", e.Scheme, e.Host, e.Port)
}

// ServiceBinding uniquely identifies one UPnP service on one device.
type ServiceBinding struct {
	Endpoint    Endpoint
	ControlPath string
	EventPath   string
	SCPDPath    string
	ServiceType string
}

// ControlURL is the full URL the SOAP codec POSTs actions to.
func (b ServiceBinding) ControlURL() string { return b.Endpoint.BaseURL() + b.ControlPath }

// EventURL is the full URL the subscription engine sends SUBSCRIBE/UNSUBSCRIBE to.
func (b ServiceBinding) EventURL() string { return b.Endpoint.BaseURL() + b.EventPath }

// SCPDURL is the full URL of the service description document.
func (b ServiceBinding) SCPDURL() string { return b.Endpoint.BaseURL() + b.SCPDPath }

// SoapArg is one ordered (name, text) SOAP call argument.
type SoapArg struct {
	Name  string
	Value string
}

// SoapAction is a single SOAP control invocation: a service type, an action
// name, and its ordered argument list. Argument order is preserved to match
// device expectations.
type SoapAction struct {
	ServiceType string
	ActionName  string
	Args        []SoapArg
}

// Element is the universal decoded SOAP-response unit: a named text value
// plus its attributes. Attribute insertion order need not be preserved;
// attribute names are unique within one Element.
type Element struct {
	Name  string
	Value string
	attrs map[string]string
}

// NewElement builds an Element with the given name and text value.
func NewElement(name, value string) *Element {
	return &Element{Name: name, Value: value}
}

// Attr returns the attribute value and whether it was set.
func (e *Element) Attr(name string) (string, bool) {
	if e.attrs == nil {
		return "", false
	}
	v, ok := e.attrs[name]
	return v, ok
}

// SetAttr sets an attribute, overwriting any existing value for name.
func (e *Element) SetAttr(name, value string) {
	if e.attrs == nil {
		e.attrs = make(map[string]string)
	}
	e.attrs[name] = value
}

// ElementList is an ordered sequence of elements. The first element's name
// carries the SOAP response tag's local name (e.g. "BrowseResponse" or
// "Fault") and is used by callers as the success discriminator.
type ElementList []*Element

// Name returns the first element's name, or "" if the list is empty.
func (l ElementList) Name() string {
	if len(l) == 0 {
		return ""
	}
	return l[0].Name
}

// IsFault reports whether the first element's name identifies a SOAP fault.
func (l ElementList) IsFault() bool {
	name := l.Name()
	return len(name) >= 5 && containsFault(name)
}

func containsFault(name string) bool {
	for i := 0; i+5 <= len(name); i++ {
		if name[i:i+5] == "Fault" {
			return true
		}
	}
	return false
}

// Get returns the first element whose name matches key.
func (l ElementList) Get(key string) (*Element, bool) {
	for _, e := range l {
		if e.Name == key {
			return e, true
		}
	}
	return nil, false
}

// FirstValue returns the text value of the first element named key.
func (l ElementList) FirstValue(key string) (string, bool) {
	e, ok := l.Get(key)
	if !ok {
		return "", false
	}
	return e.Value, true
}

// EventKind classifies an EventMessage.
type EventKind int

const (
	EventUnknown EventKind = iota
	// EventPropChange is a upnp:propchange NOTIFY body decoded into
	// (SID, SEQ, "PROPERTY", name1, value1, ...).
	EventPropChange
	// EventHandlerStatus is posted by the event handler about its own lifecycle.
	EventHandlerStatus
	// EventHandlerTimer is posted periodically so subscribers can do housekeeping.
	EventHandlerTimer
)

func (k EventKind) String() string {
	switch k {
	case EventPropChange:
		return "UPNP_PROPCHANGE"
	case EventHandlerStatus:
		return "EVENT_HANDLER_STATUS"
	case EventHandlerTimer:
		return "EVENT_HANDLER_TIMER"
	default:
		return "UNKNOWN"
	}
}

// EventMessage is the unit delivered to subscribers. For EventPropChange,
// Subject[0]=SID, Subject[1]=SEQ, Subject[2]="PROPERTY", then alternating
// (propertyName, propertyValue) pairs.
type EventMessage struct {
	Kind    EventKind
	Subject []string
}

// SID returns Subject[0], or "" if the message carries no subject.
func (m EventMessage) SID() string {
	if len(m.Subject) == 0 {
		return ""
	}
	return m.Subject[0]
}

// SEQ returns Subject[1], or "" if absent.
func (m EventMessage) SEQ() string {
	if len(m.Subject) < 2 {
		return ""
	}
	return m.Subject[1]
}

// Properties decodes the alternating (name, value) pairs following the
// "PROPERTY" marker at Subject[2]. Returns nil for non-propchange messages.
func (m EventMessage) Properties() map[string]string {
	if m.Kind != EventPropChange || len(m.Subject) < 3 {
		return nil
	}
	pairs := m.Subject[3:]
	props := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		props[pairs[i]] = pairs[i+1]
	}
	return props
}

// DigitalItemKind distinguishes a DIDL-Lite item from a container.
type DigitalItemKind int

const (
	ItemKind DigitalItemKind = iota
	ContainerKind
)

// DigitalItem is one parsed DIDL-Lite <item> or <container> record.
type DigitalItem struct {
	ObjectID   string
	ParentID   string
	Restricted bool
	Kind       DigitalItemKind
	Properties ElementList
}
