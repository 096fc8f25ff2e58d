// Package eventing is the GENA event handler: it owns the callback HTTP
// server, decodes NOTIFY bodies into upnp.EventMessage values, and fans
// them out to registered subscribers from a single dispatch goroutine so
// delivery order is preserved per subscriber.
package eventing

import (
	"bytes"
	"context"
	"encoding/xml"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/castline/upnpav/httpserver"
	"github.com/castline/upnpav/httpwire"
	"github.com/castline/upnpav/upnp"
)

// ErrStopped is returned by operations attempted after Stop.
var ErrStopped = errors.New("eventing: handler stopped")

// Subscriber receives dispatched event messages. Implementations must not
// block the dispatch goroutine for long; Handler does not run subscribers
// concurrently with each other by design (single dispatch thread), so a
// slow subscriber delays every other subscriber's delivery.
type Subscriber interface {
	HandleEventMessage(msg upnp.EventMessage)
}

type registration struct {
	sid      string
	sub      Subscriber
	mu       sync.Mutex
	mask     map[upnp.EventKind]bool
	inFlight sync.WaitGroup
}

func (r *registration) wants(kind upnp.EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mask[kind]
}

// Handler owns the callback server and the subscriber registry.
type Handler struct {
	Logger *slog.Logger

	server *httpserver.Server

	mu     sync.RWMutex
	byID   map[uint64]*registration
	bySID  map[string]uint64
	nextID uint64

	dispatchCh chan upnp.EventMessage
	stopCh     chan struct{}
	stopOnce   sync.Once
	dispatchWG sync.WaitGroup
	timerDone  chan struct{}
}

// New builds a Handler. Call Serve to bind the callback listener.
func New(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		Logger:     logger,
		byID:       make(map[uint64]*registration),
		bySID:      make(map[string]uint64),
		dispatchCh: make(chan upnp.EventMessage, 64),
		stopCh:     make(chan struct{}),
		timerDone:  make(chan struct{}),
	}
	h.server = httpserver.New(logger, h)
	h.dispatchWG.Add(1)
	go h.dispatchLoop()
	go h.timerLoop()
	return h
}

// Serve binds the callback listener and returns its address.
func (h *Handler) Serve(addr string) (string, error) {
	return h.server.Serve(addr)
}

// RegisterBroker exposes the underlying server's broker registration so a
// RequestBroker (e.g. StatusBroker) can share the same callback listener.
func (h *Handler) RegisterBroker(b httpserver.RequestBroker) {
	h.server.RegisterBroker(b)
}

// CreateSubscription allocates a subscriber id not yet bound to a SID; the
// SID is learned later via BindSID once the subscription engine completes
// its first SUBSCRIBE. The new registration's event mask starts empty — call
// SubscribeForEvent to mark which EventKinds it should receive.
func (h *Handler) CreateSubscription(sub Subscriber) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.byID[id] = &registration{sub: sub, mask: make(map[upnp.EventKind]bool)}
	return id
}

// SubscribeForEvent adds kind to subId's event mask, so future dispatches of
// that kind reach its subscriber. A subId unknown to the registry is a no-op.
func (h *Handler) SubscribeForEvent(subID uint64, kind upnp.EventKind) {
	h.mu.RLock()
	reg, ok := h.byID[subID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	reg.mu.Lock()
	reg.mask[kind] = true
	reg.mu.Unlock()
}

// BindSID associates a subscriber id with the SID the device assigned it.
func (h *Handler) BindSID(id uint64, sid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	reg, ok := h.byID[id]
	if !ok {
		return
	}
	reg.mu.Lock()
	reg.sid = sid
	reg.mu.Unlock()
	h.bySID[sid] = id
}

// RevokeSubscription removes a subscriber, waiting for any in-flight
// dispatch to that subscriber to finish first.
func (h *Handler) RevokeSubscription(id uint64) {
	h.mu.Lock()
	reg, ok := h.byID[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.byID, id)
	reg.mu.Lock()
	sid := reg.sid
	reg.mu.Unlock()
	if sid != "" {
		delete(h.bySID, sid)
	}
	h.mu.Unlock()

	reg.inFlight.Wait()
}

// RevokeAllSubscriptions removes every registered subscriber.
func (h *Handler) RevokeAllSubscriptions() {
	h.mu.Lock()
	ids := make([]uint64, 0, len(h.byID))
	for id := range h.byID {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.RevokeSubscription(id)
	}
}

// HandleNotify implements httpserver.NotifyHandler. It queues the decoded
// message for the dispatch goroutine and returns 200 for the server to
// send; delivery is asynchronous and may start before that response has
// been written to the connection. A message that finds the queue full is
// dropped with a warning and still answered 200.
func (h *Handler) HandleNotify(req *httpwire.Request) int {
	if req.Method != "NOTIFY" {
		return 200
	}
	sid, ok := req.Headers.Get("SID")
	if !ok || sid == "" {
		return 412
	}
	seq, _ := req.Headers.Get("SEQ")

	props, err := parsePropertySet(req.Body)
	if err != nil {
		h.Logger.Debug("eventing_notify_parse_error", slog.String("error", err.Error()))
		return 400
	}

	subject := []string{sid, seq, "PROPERTY"}
	for _, p := range props {
		subject = append(subject, p[0], p[1])
	}
	msg := upnp.EventMessage{Kind: upnp.EventPropChange, Subject: subject}

	select {
	case h.dispatchCh <- msg:
	default:
		h.Logger.Warn("eventing_dispatch_queue_full", slog.String("sid", sid))
	}
	return 200
}

// parsePropertySet decodes a GENA <e:propertyset> body into ordered
// (name, value) pairs, one per <e:property> child.
func parsePropertySet(body []byte) ([][2]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var pairs [][2]string
	var inProperty bool
	var curName string
	var curText bytes.Buffer

	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "property" {
				inProperty = true
				continue
			}
			if inProperty {
				curName = t.Name.Local
				curText.Reset()
			}
		case xml.CharData:
			if inProperty && curName != "" {
				curText.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "property" {
				inProperty = false
				continue
			}
			if inProperty && t.Name.Local == curName {
				pairs = append(pairs, [2]string{curName, curText.String()})
				curName = ""
			}
		}
	}
	return pairs, nil
}

// dispatchLoop is the single goroutine delivering messages to subscribers,
// preserving delivery order. It exits only once dispatchCh is closed and
// drained, so Stop can join it to guarantee every queued message was
// dispatched before returning (spec.md S6).
func (h *Handler) dispatchLoop() {
	defer h.dispatchWG.Done()
	for msg := range h.dispatchCh {
		h.deliver(msg)
	}
}

func (h *Handler) deliver(msg upnp.EventMessage) {
	h.mu.RLock()
	var targets []*registration
	if msg.Kind == upnp.EventPropChange {
		if id, ok := h.bySID[msg.SID()]; ok {
			if reg, ok := h.byID[id]; ok && reg.wants(msg.Kind) {
				targets = append(targets, reg)
			}
		}
	} else {
		for _, reg := range h.byID {
			if reg.wants(msg.Kind) {
				targets = append(targets, reg)
			}
		}
	}
	// inFlight.Add must happen before RUnlock: otherwise a concurrent
	// RevokeSubscription can delete the registration and observe
	// inFlight.Wait() return (counter still 0) in the window before this
	// goroutine increments it, letting HandleEventMessage fire after Revoke
	// has already returned (spec.md §8 property 7).
	for _, reg := range targets {
		reg.inFlight.Add(1)
	}
	h.mu.RUnlock()

	for _, reg := range targets {
		reg.sub.HandleEventMessage(msg)
		reg.inFlight.Done()
	}
}

// timerLoop posts an internal EVENT_HANDLER_TIMER message once per second
// so subscribers can do periodic housekeeping even when the device is idle.
func (h *Handler) timerLoop() {
	defer close(h.timerDone)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			select {
			case h.dispatchCh <- upnp.EventMessage{Kind: upnp.EventHandlerTimer}:
			default:
			}
		}
	}
}

// Stop closes the callback listener, stops the timer, then closes and
// drains the dispatch queue to completion, bounded by ctx. Per spec.md S6,
// any message already queued when Stop is called is fully dispatched
// before Stop returns; nothing can enqueue into dispatchCh after Stop
// begins closing it, since both producers (HandleNotify, via the callback
// listener, and timerLoop) are halted first.
func (h *Handler) Stop(ctx context.Context) error {
	var stopErr error
	h.stopOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			stopErr = h.server.Stop(ctx)
			close(h.stopCh)
			<-h.timerDone
			close(h.dispatchCh)
			h.dispatchWG.Wait()
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if stopErr == nil {
				stopErr = ctx.Err()
			}
		}
	})
	return stopErr
}
