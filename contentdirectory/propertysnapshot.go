package contentdirectory

import (
	"github.com/castline/upnpav/upnp"
)

// PropertySnapshot tracks ContentDirectory's last-known SystemUpdateID and
// per-container ContainerUpdateIDs from eventing.Subscriber notifications,
// and invokes OnChange exactly once per NOTIFY that carries a
// ContentDirectory property.
type PropertySnapshot struct {
	SystemUpdateID    string
	ContainerUpdateID map[string]string

	OnChange func(snapshot *PropertySnapshot)
}

// NewPropertySnapshot builds an empty snapshot.
func NewPropertySnapshot() *PropertySnapshot {
	return &PropertySnapshot{ContainerUpdateID: make(map[string]string)}
}

// HandleEventMessage implements eventing.Subscriber.
func (p *PropertySnapshot) HandleEventMessage(msg upnp.EventMessage) {
	if msg.Kind != upnp.EventPropChange {
		return
	}
	props := msg.Properties()
	changed := false

	if v, ok := props["SystemUpdateID"]; ok {
		p.SystemUpdateID = v
		changed = true
	}
	if v, ok := props["ContainerUpdateIDs"]; ok {
		p.mergeContainerUpdateIDs(v)
		changed = true
	}

	if changed && p.OnChange != nil {
		p.OnChange(p)
	}
}

// mergeContainerUpdateIDs parses ContentDirectory's comma-separated
// "objectID,updateID[,objectID,updateID...]" property value.
func (p *PropertySnapshot) mergeContainerUpdateIDs(raw string) {
	parts := splitComma(raw)
	for i := 0; i+1 < len(parts); i += 2 {
		p.ContainerUpdateID[parts[i]] = parts[i+1]
	}
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
